// Package config handles application configuration from environment variables
package config

import (
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

	// Tracing
	OTLPEndpoint string

	// Payment settings
	DefaultCurrency string
	MinAmount       float64
	MaxAmount       float64
	MaxRetries      int
	GatewayTimeout  time.Duration

	// Circuit breaker defaults (per-service overrides are hot-reloaded)
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerRecoveryTimeout  time.Duration

	// Rate limiting
	RateLimitDefault int           // fallback limit when no rule matches
	RateLimitWindow  time.Duration // fallback window

	// Webhook ingestion
	WebhookQueueSize   int
	WebhookWorkers     int
	WebhookMaxAttempts int
	WebhookBackoffBase time.Duration
	// AllowUnverifiedWebhooks accepts events for connectors without a
	// configured secret. Default false: unverifiable webhooks are rejected.
	AllowUnverifiedWebhooks bool

	// Provider settings
	Provider      string // outbound adapter to register: "simulator", "stripe", "relay"
	StripeAPIKey  string
	RelayBackends []string // internal orchestration replica URLs
	RelayStrategy string   // round_robin, weighted_round_robin, least_connections, random

	// Security
	AdminSecret string
}

// Defaults
const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultMaxRetries     = 3
	DefaultGatewayTimeout = 30 * time.Second

	DefaultBreakerFailures  = 5
	DefaultBreakerSuccesses = 3
	DefaultBreakerRecovery  = 60 * time.Second

	DefaultRateLimit       = 100
	DefaultRateLimitWindow = time.Minute

	DefaultWebhookQueueSize   = 1024
	DefaultWebhookWorkers     = 4
	DefaultWebhookMaxAttempts = 5
	DefaultWebhookBackoff     = time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:      getEnv("PORT", DefaultPort),
		Env:       getEnv("ENV", DefaultEnv),
		LogLevel:  getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("LOG_FORMAT", "text"),

		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		DefaultCurrency: getEnv("DEFAULT_CURRENCY", "USD"),
		MinAmount:       getEnvFloat("MIN_AMOUNT", 0.01),
		MaxAmount:       getEnvFloat("MAX_AMOUNT", 1_000_000),
		MaxRetries:      getEnvInt("MAX_RETRIES", DefaultMaxRetries),
		GatewayTimeout:  getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),

		BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", DefaultBreakerFailures),
		BreakerSuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", DefaultBreakerSuccesses),
		BreakerRecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", DefaultBreakerRecovery),

		RateLimitDefault: getEnvInt("RATE_LIMIT_DEFAULT", DefaultRateLimit),
		RateLimitWindow:  getEnvDuration("RATE_LIMIT_WINDOW", DefaultRateLimitWindow),

		WebhookQueueSize:        getEnvInt("WEBHOOK_QUEUE_SIZE", DefaultWebhookQueueSize),
		WebhookWorkers:          getEnvInt("WEBHOOK_WORKERS", DefaultWebhookWorkers),
		WebhookMaxAttempts:      getEnvInt("WEBHOOK_MAX_ATTEMPTS", DefaultWebhookMaxAttempts),
		WebhookBackoffBase:      getEnvDuration("WEBHOOK_BACKOFF_BASE", DefaultWebhookBackoff),
		AllowUnverifiedWebhooks: getEnvBool("ALLOW_UNVERIFIED_WEBHOOKS", false),

		Provider:      getEnv("PROVIDER", "simulator"),
		StripeAPIKey:  os.Getenv("STRIPE_API_KEY"),
		RelayBackends: splitList(os.Getenv("RELAY_BACKENDS")),
		RelayStrategy: getEnv("RELAY_STRATEGY", "round_robin"),

		AdminSecret: os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.MinAmount <= 0 {
		return fmt.Errorf("MIN_AMOUNT must be positive")
	}
	if c.MaxAmount <= c.MinAmount {
		return fmt.Errorf("MAX_AMOUNT must exceed MIN_AMOUNT")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.Provider == "stripe" && c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required when PROVIDER=stripe")
	}
	if c.Provider == "relay" && len(c.RelayBackends) == 0 {
		return fmt.Errorf("RELAY_BACKENDS is required when PROVIDER=relay")
	}
	if c.WebhookQueueSize <= 0 {
		return fmt.Errorf("WEBHOOK_QUEUE_SIZE must be positive")
	}
	if c.WebhookWorkers <= 0 {
		return fmt.Errorf("WEBHOOK_WORKERS must be positive")
	}
	return nil
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

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
