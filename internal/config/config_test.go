package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "USD", cfg.DefaultCurrency)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultBreakerFailures, cfg.BreakerFailureThreshold)
	assert.Equal(t, DefaultBreakerRecovery, cfg.BreakerRecoveryTimeout)
	assert.Equal(t, "simulator", cfg.Provider)
	assert.False(t, cfg.AllowUnverifiedWebhooks)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_RETRIES", "7")
	t.Setenv("BREAKER_RECOVERY_TIMEOUT", "90s")
	t.Setenv("RELAY_BACKENDS", "http://a:8081, http://b:8081")
	t.Setenv("PROVIDER", "relay")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 90*time.Second, cfg.BreakerRecoveryTimeout)
	assert.Equal(t, []string{"http://a:8081", "http://b:8081"}, cfg.RelayBackends)
}

func TestValidate_StripeRequiresKey(t *testing.T) {
	t.Setenv("PROVIDER", "stripe")
	t.Setenv("STRIPE_API_KEY", "")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate_RelayRequiresBackends(t *testing.T) {
	t.Setenv("PROVIDER", "relay")
	t.Setenv("RELAY_BACKENDS", "")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate_AmountBounds(t *testing.T) {
	t.Setenv("MIN_AMOUNT", "100")
	t.Setenv("MAX_AMOUNT", "10")

	_, err := Load()
	require.Error(t, err)
}
