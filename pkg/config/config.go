package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds node configuration, read from the environment.
type Config struct {
	LogLevel string

	// LedgerDriver is "memory", "sqlite" or "postgres".
	LedgerDriver string
	DatabaseURL  string

	// LLMProvider is "openai" (any OpenAI-compatible endpoint) or "genai".
	LLMProvider   string
	LLMServiceURL string
	LLMAPIKey     string

	RedisURL     string
	ContractsDir string

	ProfilesDir string
	Profile     string

	ArchiveBackend string
	ArchiveDir     string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	GCSBucket      string

	JWTSigningKey string
	JWTIssuer     string

	OTelEnabled  bool
	OTelEndpoint string

	SessionTokens int64
	ShutdownGrace time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		LogLevel:       env("LOG_LEVEL", "INFO"),
		LedgerDriver:   env("LEDGER_DRIVER", "sqlite"),
		DatabaseURL:    env("DATABASE_URL", "file:helm-dispatch.db?_pragma=busy_timeout(5000)"),
		LLMProvider:    env("LLM_PROVIDER", "openai"),
		LLMServiceURL:  env("LLM_SERVICE_URL", "http://host.docker.internal:1234/v1"),
		LLMAPIKey:      os.Getenv("LLM_API_KEY"),
		RedisURL:       os.Getenv("REDIS_URL"),
		ContractsDir:   env("CONTRACTS_DIR", "contracts"),
		ProfilesDir:    env("PROFILES_DIR", "profiles"),
		Profile:        os.Getenv("PROFILE"),
		ArchiveBackend: env("ARCHIVE_BACKEND", "fs"),
		ArchiveDir:     env("ARCHIVE_DIR", "data/archive"),
		S3Bucket:       os.Getenv("ARCHIVE_S3_BUCKET"),
		S3Region:       os.Getenv("AWS_REGION"),
		S3Endpoint:     os.Getenv("ARCHIVE_S3_ENDPOINT"),
		GCSBucket:      os.Getenv("ARCHIVE_GCS_BUCKET"),
		JWTSigningKey:  os.Getenv("JWT_SIGNING_KEY"),
		JWTIssuer:      env("JWT_ISSUER", "helm-dispatch"),
		OTelEnabled:    os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:   env("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		SessionTokens:  int64(envInt("SESSION_TOKENS", 0)),
		ShutdownGrace:  envDuration("SHUTDOWN_GRACE", 10*time.Second),
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt falls back to def on a missing or malformed value.
func envInt(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return def
	}
	return d
}
