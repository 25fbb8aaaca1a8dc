package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Upstream subscription
	UpstreamBaseURL string        // default: "https://api.anthropic.com/v1"
	OAuthTokenURL   string        // default: "https://console.anthropic.com/v1/oauth/token"
	OAuthClientID   string
	UpstreamTimeout time.Duration // default: 90s, covers the proxied call and token refresh

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate limiting (independent of the credit quota)
	RequestsPerMinute int64 // per credential, default: 60

	// Ledger retention
	RetentionDays int // usage_history horizon, default: 30
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		UpstreamBaseURL:      getEnv("UPSTREAM_BASE_URL", "https://api.anthropic.com/v1"),
		OAuthTokenURL:        getEnv("OAUTH_TOKEN_URL", "https://console.anthropic.com/v1/oauth/token"),
		OAuthClientID:        os.Getenv("OAUTH_CLIENT_ID"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	timeoutSec, err := getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 90)
	if err != nil {
		return nil, err
	}
	cfg.UpstreamTimeout = time.Duration(timeoutSec) * time.Second

	rpm, err := getEnvInt("REQUESTS_PER_MINUTE", 60)
	if err != nil {
		return nil, err
	}
	cfg.RequestsPerMinute = rpm

	retention, err := getEnvInt("RETENTION_DAYS", 30)
	if err != nil {
		return nil, err
	}
	cfg.RetentionDays = int(retention)

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int64) (int64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}
