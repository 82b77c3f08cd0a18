package config

import (
	"os"
	"testing"
	"time"

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

func TestLoad_WithValidConfig(t *testing.T) {
	setEnv(t, "STRIPE_API_KEY", "sk_test_abc123")
	setEnv(t, "PORT", "9090")
	setEnv(t, "SCHEDULER_POLL_INTERVAL", "5s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sk_test_abc123", cfg.StripeAPIKey)
	assert.Equal(t, 5*time.Second, cfg.SchedulerPollInterval)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel)
}

func TestLoad_MissingStripeKey(t *testing.T) {
	setEnv(t, "STRIPE_API_KEY", "")
	setEnv(t, "FAKE_PAYMENTS", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_API_KEY is required")
}

func TestLoad_FakePaymentsSkipsStripeKey(t *testing.T) {
	setEnv(t, "STRIPE_API_KEY", "")
	setEnv(t, "FAKE_PAYMENTS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.FakePayments)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name: "valid config",
			config: Config{
				StripeAPIKey:          "sk_test_abc123",
				SchedulerPollInterval: DefaultPollInterval,
			},
			wantErr: "",
		},
		{
			name: "missing stripe key",
			config: Config{
				SchedulerPollInterval: DefaultPollInterval,
			},
			wantErr: "STRIPE_API_KEY is required",
		},
		{
			name: "fake payments without stripe key",
			config: Config{
				FakePayments:          true,
				SchedulerPollInterval: DefaultPollInterval,
			},
			wantErr: "",
		},
		{
			name: "zero poll interval",
			config: Config{
				StripeAPIKey: "sk_test_abc123",
			},
			wantErr: "SCHEDULER_POLL_INTERVAL must be positive",
		},
		{
			name: "production without admin secret",
			config: Config{
				Env:                   "production",
				StripeAPIKey:          "sk_test_abc123",
				SchedulerPollInterval: DefaultPollInterval,
			},
			wantErr: "ADMIN_SECRET is required in production",
		},
		{
			name: "production with admin secret",
			config: Config{
				Env:                   "production",
				StripeAPIKey:          "sk_test_abc123",
				AdminSecret:           "supersecret123",
				SchedulerPollInterval: DefaultPollInterval,
			},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
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
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "90s")
	setEnv(t, "TEST_BAD_DUR", "ninety")

	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_BAD_DUR", time.Minute))
}
