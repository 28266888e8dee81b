package certificates

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Supported signing algorithms.
const (
	AlgorithmEd25519    = "ed25519"
	AlgorithmHMACSHA256 = "hmac-sha256"
)

// Signer signs canonical payloads.
type Signer interface {
	Algorithm() string
	KeyID() string
	Sign(payload []byte) ([]byte, error)
	// Verify reports whether sig is a valid signature of payload.
	Verify(payload, sig []byte) bool
}

// NewSigner builds the signer named by algorithm. An ed25519 key is a hex
// 32-byte seed; an HMAC key is used as-is.
func NewSigner(algorithm, key string) (Signer, error) {
	switch strings.ToLower(algorithm) {
	case "", AlgorithmEd25519:
		seed, err := hex.DecodeString(strings.TrimPrefix(key, "0x"))
		if err != nil {
			return nil, fmt.Errorf("certificates: ed25519 seed: %w", err)
		}
		return NewEd25519Signer(seed)
	case AlgorithmHMACSHA256:
		return NewHMACSigner([]byte(key))
	default:
		return nil, fmt.Errorf("certificates: unknown signing algorithm %q", algorithm)
	}
}

// Ed25519Signer signs with an Ed25519 private key.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	keyID string
}

// NewEd25519Signer derives the key pair from a 32-byte seed.
func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("certificates: ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Ed25519Signer{priv: priv, pub: pub, keyID: keyID(pub)}, nil
}

func (s *Ed25519Signer) Algorithm() string { return AlgorithmEd25519 }
func (s *Ed25519Signer) KeyID() string     { return s.keyID }

// PublicKey returns the verification key.
func (s *Ed25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

func (s *Ed25519Signer) Sign(payload []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, payload), nil
}

func (s *Ed25519Signer) Verify(payload, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(s.pub, payload, sig)
}

// HMACSigner signs with HMAC-SHA256.
type HMACSigner struct {
	secret []byte
	keyID  string
}

// NewHMACSigner creates an HMAC signer. The secret must be at least 32 bytes.
func NewHMACSigner(secret []byte) (*HMACSigner, error) {
	if len(secret) < 32 {
		return nil, errors.New("certificates: hmac secret must be at least 32 bytes")
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("voltrust-key-id"))
	return &HMACSigner{secret: secret, keyID: hex.EncodeToString(mac.Sum(nil)[:8])}, nil
}

func (s *HMACSigner) Algorithm() string { return AlgorithmHMACSHA256 }
func (s *HMACSigner) KeyID() string     { return s.keyID }

func (s *HMACSigner) Sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// Verify recomputes the MAC and compares in constant time.
func (s *HMACSigner) Verify(payload, sig []byte) bool {
	expected, _ := s.Sign(payload)
	return hmac.Equal(expected, sig)
}

func keyID(pub []byte) string {
	h := sha256.Sum256(pub)
	return hex.EncodeToString(h[:8])
}
