package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/bid-intel/internal/config"
)

func TestRetryFromConfig(t *testing.T) {
	cfg := RetryFromConfig(config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 100, JitterFraction: -1})
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.Multiplier)
	assert.Equal(t, DefaultRetryConfig().JitterFraction, cfg.JitterFraction)

	cfg = RetryFromConfig(config.RetryConfig{MaxBackoffMs: 2000, Multiplier: 1.5})
	assert.Equal(t, 2*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 1.5, cfg.Multiplier)
	assert.Zero(t, cfg.JitterFraction)
}

func TestCircuitFromConfig(t *testing.T) {
	cfg := CircuitFromConfig("anthropic", config.CircuitConfig{ResetTimeoutSecs: 10})
	assert.Equal(t, "anthropic", cfg.Name)
	assert.Equal(t, DefaultCircuitBreakerConfig().FailureThreshold, cfg.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.ResetTimeout)

	cfg = CircuitFromConfig("", config.CircuitConfig{FailureThreshold: 2})
	assert.Equal(t, DefaultCircuitBreakerConfig().Name, cfg.Name)
	assert.Equal(t, 2, cfg.FailureThreshold)
}
