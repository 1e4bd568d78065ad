// Package config loads process-wide configuration from the environment.
// The returned Config is frozen after boot; nothing mutates it at runtime.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port       string
	HealthPort string
	LogLevel   string

	// DatabaseURL selects Postgres when set to a postgres:// URL and the
	// embedded SQLite lite mode when set to a file path or left empty.
	DatabaseURL string

	// BaseURL is the externally visible absolute URL of this deployment.
	// Signature verification reconstructs request URIs from it, never from
	// the inbound Host header.
	BaseURL string

	// Platform app credentials. ClientSecret is the HMAC key for inbound
	// request signatures.
	ClientID     string
	ClientSecret string

	// JWTSecret signs and verifies ops API tokens (HS256).
	JWTSecret string

	// EncryptionKey is the 32-byte master key for secret encryption,
	// decoded from a required 64-hex-character environment value.
	EncryptionKey []byte

	// OutputFieldPrefix namespaces the action output fields, e.g.
	// "triops" -> "triops_success".
	OutputFieldPrefix string

	// RedisURL enables Redis-backed idempotency replay when set.
	RedisURL string

	// ArtifactBackend selects the snippet artifact store: "file" (default),
	// "s3" or "gcs".
	ArtifactBackend string
	ArtifactDir     string
	ArtifactBucket  string
	AWSRegion       string

	// OTLPEndpoint enables OpenTelemetry export when set.
	OTLPEndpoint string

	// AllowUnsigned skips signature verification. Only honored outside
	// production; Load refuses the combination otherwise.
	AllowUnsigned bool

	// AllowPrivateNetworks disables outbound address classification so
	// webhooks can target loopback services during local development. Also
	// refused in production.
	AllowPrivateNetworks bool

	Environment string

	// Default per-tenant caps, overridable per tenant and by the limits
	// profile file.
	DefaultWebhookTimeout time.Duration
	DefaultCodeTimeout    time.Duration
	MaxSnippets           int
	MaxSecrets            int

	// LimitsProfile is an optional YAML file refining caps and the
	// outbound-host denylist.
	LimitsProfile string
}

// Load reads configuration from environment variables. It returns an error
// for every missing or malformed required value; the caller is expected to
// exit on a non-nil error.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  getenvDefault("PORT", "8080"),
		HealthPort:            getenvDefault("HEALTH_PORT", "8081"),
		LogLevel:              getenvDefault("LOG_LEVEL", "INFO"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		BaseURL:               os.Getenv("BASE_URL"),
		ClientID:              os.Getenv("PLATFORM_CLIENT_ID"),
		ClientSecret:          os.Getenv("PLATFORM_CLIENT_SECRET"),
		JWTSecret:             os.Getenv("JWT_SECRET"),
		OutputFieldPrefix:     getenvDefault("OUTPUT_FIELD_PREFIX", "triops"),
		RedisURL:              os.Getenv("REDIS_URL"),
		ArtifactBackend:       getenvDefault("ARTIFACT_BACKEND", "file"),
		ArtifactDir:           getenvDefault("ARTIFACT_DIR", "data/artifacts"),
		ArtifactBucket:        os.Getenv("ARTIFACT_BUCKET"),
		AWSRegion:             getenvDefault("AWS_REGION", "us-east-1"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Environment:           getenvDefault("ENVIRONMENT", "production"),
		AllowUnsigned:         os.Getenv("ALLOW_UNSIGNED_REQUESTS") == "true",
		AllowPrivateNetworks:  os.Getenv("ALLOW_PRIVATE_NETWORKS") == "true",
		DefaultWebhookTimeout: getenvDuration("DEFAULT_WEBHOOK_TIMEOUT_MS", 10*time.Second),
		DefaultCodeTimeout:    getenvDuration("DEFAULT_CODE_TIMEOUT_MS", 5*time.Second),
		MaxSnippets:           getenvInt("MAX_SNIPPETS", 100),
		MaxSecrets:            getenvInt("MAX_SECRETS", 50),
		LimitsProfile:         os.Getenv("LIMITS_PROFILE"),
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("config: BASE_URL is required")
	}
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("config: PLATFORM_CLIENT_ID and PLATFORM_CLIENT_SECRET are required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}

	rawKey := os.Getenv("ENCRYPTION_KEY")
	if len(rawKey) != 64 {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY must be 64 hex characters, got %d", len(rawKey))
	}
	key, err := hex.DecodeString(rawKey)
	if err != nil {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY is not valid hex: %w", err)
	}
	cfg.EncryptionKey = key

	if cfg.AllowUnsigned && cfg.Environment == "production" {
		return nil, fmt.Errorf("config: ALLOW_UNSIGNED_REQUESTS is not permitted in production")
	}
	if cfg.AllowPrivateNetworks && cfg.Environment == "production" {
		return nil, fmt.Errorf("config: ALLOW_PRIVATE_NETWORKS is not permitted in production")
	}

	switch cfg.ArtifactBackend {
	case "file", "s3", "gcs":
	default:
		return nil, fmt.Errorf("config: unknown ARTIFACT_BACKEND %q", cfg.ArtifactBackend)
	}
	if (cfg.ArtifactBackend == "s3" || cfg.ArtifactBackend == "gcs") && cfg.ArtifactBucket == "" {
		return nil, fmt.Errorf("config: ARTIFACT_BUCKET is required for backend %q", cfg.ArtifactBackend)
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
