// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string
	Environment string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisAddr   string // Optional balance read cache

	// Eventing
	KafkaBrokers []string // Optional; empty disables the kafka sink
	KafkaTopic   string

	// Payment processor
	StripeSecretKey     string // Empty selects the deterministic fake
	StripeWebhookSecret string
	ProcessorTimeout    time.Duration
	ProcessorMaxRetries int

	// Bid acceptance
	AcceptanceWindow     time.Duration
	ExpirySweepInterval  time.Duration
	MaxActiveBidsPerCard int // 0 = unlimited

	// Connection fee policy
	ConnectionFeePolicy  string // "flat" or "percentage"
	ConnectionFeeFlat    decimal.Decimal
	ConnectionFeePercent decimal.Decimal
	ConnectionFeeMin     decimal.Decimal
	ConnectionFeeMax     decimal.Decimal

	// Reconciliation
	ReconcileInterval time.Duration

	// Security
	CORSAllowedOrigins []string
	RateLimitRPS       int
	RateLimitBurst     int
	RequireAuth        bool
	BootstrapAdminKey  string // Optional sk_ key seeded with the admin role at boot

	// Alerting
	OperatorAlertWebhook string // Optional URL notified on ledger invariant violations

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                = "8080"
	DefaultEnvironment         = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultKafkaTopic          = "nestbid.payments.events"
	DefaultProcessorTimeout    = 15 * time.Second
	DefaultProcessorRetries    = 3
	DefaultAcceptanceWindow    = 24 * time.Hour
	DefaultExpirySweepInterval = 30 * time.Second
	DefaultReconcileInterval   = 5 * time.Minute
	DefaultFeePolicy           = "flat"
	DefaultRateLimitRPS        = 100
	DefaultRateLimitBurst      = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Environment:  getEnv("ENVIRONMENT", DefaultEnvironment),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:    getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", DefaultKafkaTopic),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		ProcessorTimeout:    getEnvDuration("PROCESSOR_TIMEOUT", DefaultProcessorTimeout),
		ProcessorMaxRetries: getEnvInt("PROCESSOR_MAX_RETRIES", DefaultProcessorRetries),

		AcceptanceWindow:     getEnvDuration("ACCEPTANCE_WINDOW", DefaultAcceptanceWindow),
		ExpirySweepInterval:  getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval),
		MaxActiveBidsPerCard: getEnvInt("MAX_ACTIVE_BIDS_PER_CARD", 0),

		ConnectionFeePolicy:  getEnv("CONNECTION_FEE_POLICY", DefaultFeePolicy),
		ConnectionFeeFlat:    getEnvDecimal("CONNECTION_FEE_FLAT", decimal.NewFromInt(25)),
		ConnectionFeePercent: getEnvDecimal("CONNECTION_FEE_PERCENT", decimal.NewFromInt(5)),
		ConnectionFeeMin:     getEnvDecimal("CONNECTION_FEE_MIN", decimal.NewFromInt(10)),
		ConnectionFeeMax:     getEnvDecimal("CONNECTION_FEE_MAX", decimal.NewFromInt(250)),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),

		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		RateLimitRPS:       getEnvInt("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		BootstrapAdminKey:  os.Getenv("BOOTSTRAP_ADMIN_KEY"),

		OperatorAlertWebhook: os.Getenv("OPERATOR_ALERT_WEBHOOK"),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// Auth is opt-out in production, opt-in elsewhere.
	cfg.RequireAuth = getEnvBool("REQUIRE_AUTH", cfg.IsProduction())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration consistency and enforces production guards.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENVIRONMENT must be development, staging or production, got %q", c.Environment)
	}

	switch c.ConnectionFeePolicy {
	case "flat", "percentage":
	default:
		return fmt.Errorf("CONNECTION_FEE_POLICY must be flat or percentage, got %q", c.ConnectionFeePolicy)
	}

	if !c.ConnectionFeeFlat.IsPositive() {
		return fmt.Errorf("CONNECTION_FEE_FLAT must be positive")
	}
	if c.ConnectionFeePercent.IsNegative() {
		return fmt.Errorf("CONNECTION_FEE_PERCENT must not be negative")
	}
	if c.ConnectionFeeMax.IsPositive() && c.ConnectionFeeMin.GreaterThan(c.ConnectionFeeMax) {
		return fmt.Errorf("CONNECTION_FEE_MIN exceeds CONNECTION_FEE_MAX")
	}

	if c.AcceptanceWindow <= 0 {
		return fmt.Errorf("ACCEPTANCE_WINDOW must be positive")
	}
	if c.ExpirySweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive")
	}

	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}

	if c.IsProduction() {
		if !c.RequireAuth {
			return fmt.Errorf("REQUIRE_AUTH cannot be disabled in production")
		}
		for _, o := range c.CORSAllowedOrigins {
			if o == "*" {
				return fmt.Errorf("wildcard CORS origin is not allowed in production")
			}
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
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

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, trimming whitespace and
// dropping empty items.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
