package config

import (
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnvironment, cfg.Environment)
	assert.Equal(t, DefaultKafkaTopic, cfg.KafkaTopic)
	assert.Equal(t, DefaultAcceptanceWindow, cfg.AcceptanceWindow)
	assert.Equal(t, DefaultExpirySweepInterval, cfg.ExpirySweepInterval)
	assert.Equal(t, "flat", cfg.ConnectionFeePolicy)
	assert.True(t, cfg.ConnectionFeeFlat.Equal(decimal.NewFromInt(25)))
	assert.False(t, cfg.RequireAuth, "auth is opt-in outside production")
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "ACCEPTANCE_WINDOW", "48h")
	setEnv(t, "EXPIRY_SWEEP_INTERVAL", "10s")
	setEnv(t, "CONNECTION_FEE_POLICY", "percentage")
	setEnv(t, "CONNECTION_FEE_PERCENT", "7.5")
	setEnv(t, "KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092")
	setEnv(t, "REQUIRE_AUTH", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 48*time.Hour, cfg.AcceptanceWindow)
	assert.Equal(t, 10*time.Second, cfg.ExpirySweepInterval)
	assert.Equal(t, "percentage", cfg.ConnectionFeePolicy)
	assert.True(t, cfg.ConnectionFeePercent.Equal(decimal.RequireFromString("7.5")))
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RequireAuth)
}

func TestLoad_StripeRequiresWebhookSecret(t *testing.T) {
	setEnv(t, "STRIPE_SECRET_KEY", "sk_test_123")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_WEBHOOK_SECRET")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Environment:         "development",
			ConnectionFeePolicy: "flat",
			ConnectionFeeFlat:   decimal.NewFromInt(25),
			ConnectionFeeMin:    decimal.NewFromInt(10),
			ConnectionFeeMax:    decimal.NewFromInt(250),
			AcceptanceWindow:    24 * time.Hour,
			ExpirySweepInterval: 30 * time.Second,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid config", func(*Config) {}, ""},
		{"bad environment", func(c *Config) { c.Environment = "prod" }, "ENVIRONMENT"},
		{"bad fee policy", func(c *Config) { c.ConnectionFeePolicy = "tiered" }, "CONNECTION_FEE_POLICY"},
		{"zero flat fee", func(c *Config) { c.ConnectionFeeFlat = decimal.Zero }, "CONNECTION_FEE_FLAT"},
		{"min above max", func(c *Config) { c.ConnectionFeeMin = decimal.NewFromInt(500) }, "CONNECTION_FEE_MIN"},
		{"zero window", func(c *Config) { c.AcceptanceWindow = 0 }, "ACCEPTANCE_WINDOW"},
		{
			"production requires auth",
			func(c *Config) { c.Environment = "production"; c.RequireAuth = false },
			"REQUIRE_AUTH",
		},
		{
			"production rejects wildcard CORS",
			func(c *Config) {
				c.Environment = "production"
				c.RequireAuth = true
				c.CORSAllowedOrigins = []string{"*"}
			},
			"wildcard CORS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Environment = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvHelpers(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_DEC", "12.34")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))

	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 99, getEnvInt("NONEXISTENT_VAR", 99))
	assert.Equal(t, 99, getEnvInt("TEST_INVALID", 99)) // Falls back on parse error

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_INVALID", time.Minute))

	assert.True(t, getEnvDecimal("TEST_DEC", decimal.Zero).Equal(decimal.RequireFromString("12.34")))
	assert.True(t, getEnvDecimal("TEST_INVALID", decimal.NewFromInt(7)).Equal(decimal.NewFromInt(7)))
}
