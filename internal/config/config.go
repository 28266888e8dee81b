// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Serial sequencer backend (optional, falls back to DATABASE_URL or memory)

	// Geofence
	GeofenceDefaultRadiusM float64
	GeofenceMaxSpeedKmh    float64

	// Certificates
	CertSerialPrefix    string
	SigningAlgorithm    string // "ed25519" or "hmac-sha256"
	SigningKey          string // ed25519: 64 hex chars (seed); hmac-sha256: raw secret
	ComplianceThreshold float64
	VerifyTimeout       time.Duration
	VerifyDomain        string

	// Anchoring (optional)
	AnchorRPCURL     string
	AnchorPrivateKey string // Hex-encoded, with or without 0x prefix
	AnchorChainID    int64
	AnchorSchedule   string // cron expression for re-anchoring pending certificates

	// Archive (optional)
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string // S3-compatible endpoint override (MinIO, LocalStack)

	// Tracing (optional)
	OTLPEndpoint     string
	TraceSampleRatio float64 // fraction of root traces kept; 1 keeps all

	// Security
	AdminSecret  string
	RateLimitRPS int
	CORSOrigins  []string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultRateLimit           = 100
	DefaultGeofenceRadiusM     = 150.0
	DefaultMaxSpeedKmh         = 50.0
	DefaultSerialPrefix        = "VOL"
	DefaultSigningAlgorithm    = "ed25519"
	DefaultComplianceThreshold = 75.0
	DefaultVerifyTimeout       = 2 * time.Second
	DefaultVerifyDomain        = "voltrust.org"
	DefaultAnchorChainID       = 84532 // Base Sepolia
	DefaultAnchorSchedule      = "*/5 * * * *"
	DefaultArchiveRegion       = "us-east-1"
	DefaultTraceSampleRatio    = 1.0
)

// Policy is the subset of configuration threaded into the domain components.
type Policy struct {
	GeofenceDefaultRadiusM float64
	GeofenceMaxSpeedKmh    float64
	SerialPrefix           string
	ComplianceThreshold    float64
	VerifyTimeout          time.Duration
	VerifyDomain           string
}

// DefaultPolicy is used by tests and by components constructed without a Config.
func DefaultPolicy() Policy {
	return Policy{
		GeofenceDefaultRadiusM: DefaultGeofenceRadiusM,
		GeofenceMaxSpeedKmh:    DefaultMaxSpeedKmh,
		SerialPrefix:           DefaultSerialPrefix,
		ComplianceThreshold:    DefaultComplianceThreshold,
		VerifyTimeout:          DefaultVerifyTimeout,
		VerifyDomain:           DefaultVerifyDomain,
	}
}

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", DefaultPort),
		Env:                    getEnv("ENV", DefaultEnv),
		LogLevel:               getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:              getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               os.Getenv("REDIS_URL"),
		GeofenceDefaultRadiusM: getEnvFloat("GEOFENCE_DEFAULT_RADIUS_M", DefaultGeofenceRadiusM),
		GeofenceMaxSpeedKmh:    getEnvFloat("GEOFENCE_MAX_SPEED_KMH", DefaultMaxSpeedKmh),
		CertSerialPrefix:       getEnv("CERT_SERIAL_PREFIX", DefaultSerialPrefix),
		SigningAlgorithm:       strings.ToLower(getEnv("SIGNING_ALGORITHM", DefaultSigningAlgorithm)),
		SigningKey:             os.Getenv("SIGNING_KEY"),
		ComplianceThreshold:    getEnvFloat("COMPLIANCE_THRESHOLD", DefaultComplianceThreshold),
		VerifyTimeout:          getEnvDuration("VERIFY_TIMEOUT", DefaultVerifyTimeout),
		VerifyDomain:           getEnv("VERIFY_DOMAIN", DefaultVerifyDomain),
		AnchorRPCURL:           os.Getenv("ANCHOR_RPC_URL"),
		AnchorPrivateKey:       os.Getenv("ANCHOR_PRIVATE_KEY"),
		AnchorChainID:          getEnvInt64("ANCHOR_CHAIN_ID", DefaultAnchorChainID),
		AnchorSchedule:         getEnv("ANCHOR_SCHEDULE", DefaultAnchorSchedule),
		ArchiveBucket:          os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:          getEnv("ARCHIVE_REGION", DefaultArchiveRegion),
		ArchiveEndpoint:        os.Getenv("ARCHIVE_ENDPOINT"),
		OTLPEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:       getEnvFloat("OTEL_TRACES_SAMPLE_RATIO", DefaultTraceSampleRatio),
		AdminSecret:            os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:           int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		CORSOrigins:            getEnvList("CORS_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.SigningKey == "" {
		return fmt.Errorf("SIGNING_KEY is required")
	}

	switch c.SigningAlgorithm {
	case "ed25519":
		seed, err := hex.DecodeString(strip0x(c.SigningKey))
		if err != nil || len(seed) != 32 {
			return fmt.Errorf("SIGNING_KEY must be 64 hex characters for ed25519")
		}
	case "hmac-sha256":
		if len(c.SigningKey) < 32 {
			return fmt.Errorf("SIGNING_KEY must be at least 32 characters for hmac-sha256")
		}
	default:
		return fmt.Errorf("SIGNING_ALGORITHM %q is not supported (ed25519, hmac-sha256)", c.SigningAlgorithm)
	}

	if c.CertSerialPrefix == "" {
		return fmt.Errorf("CERT_SERIAL_PREFIX must not be empty")
	}
	if c.ComplianceThreshold < 0 || c.ComplianceThreshold > 100 {
		return fmt.Errorf("COMPLIANCE_THRESHOLD must be between 0 and 100")
	}
	if c.GeofenceDefaultRadiusM <= 0 {
		return fmt.Errorf("GEOFENCE_DEFAULT_RADIUS_M must be positive")
	}
	if c.VerifyTimeout <= 0 {
		return fmt.Errorf("VERIFY_TIMEOUT must be positive")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1")
	}

	if c.AnchorRPCURL != "" {
		if len(strip0x(c.AnchorPrivateKey)) != 64 {
			return fmt.Errorf("ANCHOR_PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}

	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}

	return nil
}

// Policy extracts the domain policy values.
func (c *Config) Policy() Policy {
	return Policy{
		GeofenceDefaultRadiusM: c.GeofenceDefaultRadiusM,
		GeofenceMaxSpeedKmh:    c.GeofenceMaxSpeedKmh,
		SerialPrefix:           c.CertSerialPrefix,
		ComplianceThreshold:    c.ComplianceThreshold,
		VerifyTimeout:          c.VerifyTimeout,
		VerifyDomain:           c.VerifyDomain,
	}
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func strip0x(key string) string {
	if len(key) >= 2 && (key[:2] == "0x" || key[:2] == "0X") {
		return key[2:]
	}
	return key
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
