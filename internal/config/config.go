package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend names accepted for STATE_STORE_BACKEND.
const (
	StateBackendDapr  = "dapr"
	StateBackendRedis = "redis"
)

// Config holds runtime settings loaded from env vars. One Config serves all
// three services; each binary validates the subset it depends on.
type Config struct {
	AppID       string
	Port        string
	Environment string

	DatabaseURL string

	DaprHTTPPort    int
	PubsubName      string
	StateStoreName  string
	SecretStoreName string

	StateStoreBackend string
	RedisURL          string

	EventPublishingEnabled bool
	PublishQueueSize       int
	PublishWorkers         int

	ReminderSweepInterval time.Duration
	SweepBatchLimit       int

	MaxConcurrency int
	HandlerTimeout time.Duration
	ShutdownGrace  time.Duration

	EmailAPIURL     string
	EmailKeySecret  string
	PushAPIURL      string
	PushKeySecret   string

	LogLevel  string
	LogFormat string
	LogFile   string

	SentryDSN     string
	SentryEnabled bool
}

// Load loads configuration from environment variables. serviceName seeds the
// APP_ID and PORT defaults so each binary can run unconfigured in development.
// Required variables: DATABASE_URL (task-service and recurring-worker only).
func Load(serviceName string) Config {
	return Config{
		AppID:       envOr("APP_ID", serviceName),
		Port:        envOr("PORT", defaultPort(serviceName)),
		Environment: envOr("ENVIRONMENT", "development"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		DaprHTTPPort:    envInt("DAPR_HTTP_PORT", 3500),
		PubsubName:      envOr("PUBSUB_COMPONENT_NAME", "kafka-pubsub"),
		StateStoreName:  envOr("STATE_STORE_NAME", "postgres-statestore"),
		SecretStoreName: envOr("SECRET_STORE_NAME", "local-secrets"),

		StateStoreBackend: envOr("STATE_STORE_BACKEND", StateBackendDapr),
		RedisURL:          envOr("REDIS_URL", "redis://localhost:6379/0"),

		EventPublishingEnabled: envOr("EVENT_PUBLISHING_ENABLED", "true") == "true",
		PublishQueueSize:       envInt("PUBLISH_QUEUE_SIZE", 256),
		PublishWorkers:         envInt("PUBLISH_WORKERS", 4),

		ReminderSweepInterval: time.Duration(envInt("REMINDER_SWEEP_SECONDS", 60)) * time.Second,
		SweepBatchLimit:       envInt("REMINDER_SWEEP_BATCH", 100),

		MaxConcurrency: envInt("CONSUMER_MAX_CONCURRENCY", 8),
		HandlerTimeout: time.Duration(envInt("HANDLER_TIMEOUT_SECONDS", 30)) * time.Second,
		ShutdownGrace:  time.Duration(envInt("SHUTDOWN_GRACE_SECONDS", 15)) * time.Second,

		EmailAPIURL:    os.Getenv("EMAIL_API_URL"),
		EmailKeySecret: envOr("EMAIL_API_KEY_SECRET", "email-api-key"),
		PushAPIURL:     os.Getenv("PUSH_API_URL"),
		PushKeySecret:  envOr("PUSH_API_KEY_SECRET", "push-api-key"),

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "json"),
		LogFile:   os.Getenv("LOG_FILE"),

		SentryDSN:     os.Getenv("SENTRY_DSN"),
		SentryEnabled: envOr("ENABLE_SENTRY", "false") == "true",
	}
}

// Validate checks that all required configuration is present and valid.
// requireDB is set by the binaries that own Postgres tables.
func (c Config) Validate(requireDB bool) error {
	if requireDB && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.AppID == "" {
		return fmt.Errorf("APP_ID is required")
	}
	if c.PubsubName == "" {
		return fmt.Errorf("PUBSUB_COMPONENT_NAME is required")
	}
	if c.StateStoreName == "" {
		return fmt.Errorf("STATE_STORE_NAME is required")
	}
	if c.DaprHTTPPort < 1 || c.DaprHTTPPort > 65535 {
		return fmt.Errorf("DAPR_HTTP_PORT out of range: %d", c.DaprHTTPPort)
	}
	if c.StateStoreBackend != StateBackendDapr && c.StateStoreBackend != StateBackendRedis {
		return fmt.Errorf("STATE_STORE_BACKEND must be %q or %q, got %q",
			StateBackendDapr, StateBackendRedis, c.StateStoreBackend)
	}
	if c.StateStoreBackend == StateBackendRedis && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when STATE_STORE_BACKEND=redis")
	}
	if c.ReminderSweepInterval < time.Second {
		return fmt.Errorf("REMINDER_SWEEP_SECONDS must be at least 1")
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("CONSUMER_MAX_CONCURRENCY must be at least 1")
	}
	if c.PublishWorkers < 1 {
		return fmt.Errorf("PUBLISH_WORKERS must be at least 1")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DaprBaseURL returns the sidecar base URL for the configured port.
func (c Config) DaprBaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.DaprHTTPPort)
}

func defaultPort(serviceName string) string {
	switch serviceName {
	case "task-service":
		return "8080"
	case "recurring-task-worker":
		return "8081"
	case "notification-service":
		return "8082"
	default:
		return "8080"
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
