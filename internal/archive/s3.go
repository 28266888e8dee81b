// Package archive stores signed certificate documents in S3-compatible
// object storage.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mbd888/voltrust/internal/retry"
)

// API is the subset of the S3 client the archiver calls.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Config for an S3Archiver.
type Config struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO or LocalStack
	Prefix   string // defaults to "certificates/"
}

// S3Archiver writes one JSON object per certificate serial.
type S3Archiver struct {
	client API
	bucket string
	prefix string
	retry  retry.Policy
}

// New loads the default AWS credential chain and builds the client.
func New(ctx context.Context, cfg Config) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive: bucket required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client API, bucket, prefix string) *S3Archiver {
	if prefix == "" {
		prefix = "certificates/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, retry: retry.Default}
}

// Key returns the object key for a serial.
func (a *S3Archiver) Key(serial string) string {
	return a.prefix + serial + ".json"
}

// Archive uploads document under the serial's key. Writing the same
// document twice is harmless.
func (a *S3Archiver) Archive(ctx context.Context, serial string, document []byte) (string, error) {
	key := a.Key(serial)
	sum := sha256.Sum256(document)

	err := a.retry.Do(ctx, func(ctx context.Context) error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:         aws.String(a.bucket),
			Key:            aws.String(key),
			Body:           bytes.NewReader(document),
			ContentType:    aws.String("application/json"),
			ChecksumSHA256: aws.String(base64.StdEncoding.EncodeToString(sum[:])),
			Metadata:       map[string]string{"serial": serial},
		})
		return err
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}

// Fetch reads an archived document back.
func (a *S3Archiver) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}
