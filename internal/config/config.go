package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Rate limiter backends
const (
	RateLimitMemory = "memory"
	RateLimitRedis  = "redis"
)

// Config holds all configuration values for the application
type Config struct {
	Port           string
	AllowedOrigins []string
	LogLevel       string
	Environment    string

	StoreDriver string
	DatabaseURL string
	DBMaxConns  int
	SQLitePath  string
	AutoMigrate bool
	RedisURL    string

	RateLimitBackend    string
	RateLimitShortSize  time.Duration
	RateLimitShortLimit int
	RateLimitLongSize   time.Duration
	RateLimitLongLimit  int
	TrustProxyHeaders   bool

	AdminJWTSecret string

	DispatcherEnabled    bool
	OutboxPollInterval   time.Duration
	OutboxBatchSize      int
	OutboxLeaseDuration  time.Duration
	OutboxAttemptTimeout time.Duration
	OutboxMaxAttempts    int
	OutboxBackoffBase    time.Duration
	OutboxBackoffMax     time.Duration

	CRMBaseURL      string
	CRMAPIKey       string
	CRMTokenURL     string
	CRMClientID     string
	CRMClientSecret string
	CRMScopes       []string

	EmailBaseURL string
	EmailAPIKey  string
	EmailFrom    string

	KafkaBrokers []string
	KafkaTopic   string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		AllowedOrigins: parseList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		Environment:    getEnv("ENVIRONMENT", "production"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", StorePostgres)),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		DBMaxConns:  getIntEnv("DB_MAX_CONNS", 10),
		SQLitePath:  getEnv("SQLITE_PATH", "awards.db"),
		AutoMigrate: getBoolEnv("AUTO_MIGRATE", false),
		RedisURL:    getEnv("REDIS_URL", ""),

		RateLimitBackend:    strings.ToLower(getEnv("RATE_LIMIT_BACKEND", RateLimitMemory)),
		RateLimitShortSize:  getDurationEnv("RATE_LIMIT_SHORT_WINDOW", time.Minute),
		RateLimitShortLimit: getIntEnv("RATE_LIMIT_SHORT_LIMIT", 10),
		RateLimitLongSize:   getDurationEnv("RATE_LIMIT_LONG_WINDOW", 24*time.Hour),
		RateLimitLongLimit:  getIntEnv("RATE_LIMIT_LONG_LIMIT", 200),
		TrustProxyHeaders:   getBoolEnv("TRUST_PROXY_HEADERS", true),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		DispatcherEnabled:    getBoolEnv("DISPATCHER_ENABLED", true),
		OutboxPollInterval:   getDurationEnv("OUTBOX_POLL_INTERVAL", 5*time.Second),
		OutboxBatchSize:      getIntEnv("OUTBOX_BATCH_SIZE", 50),
		OutboxLeaseDuration:  getDurationEnv("OUTBOX_LEASE_DURATION", 5*time.Minute),
		OutboxAttemptTimeout: getDurationEnv("OUTBOX_ATTEMPT_TIMEOUT", 15*time.Second),
		OutboxMaxAttempts:    getIntEnv("OUTBOX_MAX_ATTEMPTS", 10),
		OutboxBackoffBase:    getDurationEnv("OUTBOX_BACKOFF_BASE", 30*time.Second),
		OutboxBackoffMax:     getDurationEnv("OUTBOX_BACKOFF_MAX", time.Hour),

		CRMBaseURL:      getEnv("CRM_BASE_URL", ""),
		CRMAPIKey:       getEnv("CRM_API_KEY", ""),
		CRMTokenURL:     getEnv("CRM_TOKEN_URL", ""),
		CRMClientID:     getEnv("CRM_CLIENT_ID", ""),
		CRMClientSecret: getEnv("CRM_CLIENT_SECRET", ""),
		CRMScopes:       parseList(getEnv("CRM_SCOPES", "")),

		EmailBaseURL: getEnv("EMAIL_BASE_URL", ""),
		EmailAPIKey:  getEnv("EMAIL_API_KEY", ""),
		EmailFrom:    getEnv("EMAIL_FROM", "awards@localhost"),

		KafkaBrokers: parseList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "award-votes"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the %s store", StorePostgres)
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the %s store", StoreSQLite)
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}

	switch c.RateLimitBackend {
	case RateLimitMemory:
	case RateLimitRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the %s rate limiter", RateLimitRedis)
		}
	default:
		return fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}

	if c.RateLimitShortSize <= 0 || c.RateLimitLongSize <= 0 {
		return fmt.Errorf("rate limit windows must be positive")
	}
	if c.RateLimitShortLimit <= 0 || c.RateLimitLongLimit <= 0 {
		return fmt.Errorf("rate limit limits must be positive")
	}
	if c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be positive")
	}
	if c.OutboxAttemptTimeout <= 0 || c.OutboxLeaseDuration <= c.OutboxAttemptTimeout {
		// the lease is renewed before each delivery and must outlive one attempt
		return fmt.Errorf("OUTBOX_LEASE_DURATION must exceed OUTBOX_ATTEMPT_TIMEOUT")
	}
	if c.OutboxBackoffBase <= 0 || c.OutboxBackoffMax < c.OutboxBackoffBase {
		return fmt.Errorf("OUTBOX_BACKOFF_MAX must be at least OUTBOX_BACKOFF_BASE")
	}
	if c.IsProduction() && c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required in production")
	}
	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a fallback value
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parseList parses a comma-separated list into a slice
func parseList(value string) []string {
	if value == "" {
		return []string{}
	}

	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))

	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}

// getBoolEnv gets a boolean environment variable with a fallback value
func getBoolEnv(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getDurationEnv accepts Go durations ("90s") or plain seconds ("90")
func getDurationEnv(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
