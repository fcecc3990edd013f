package resilience

import (
	"time"

	"github.com/sells-group/bid-intel/internal/config"
)

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// RetryFromConfig maps the retry section of the app config onto a
// RetryConfig. Unset values fall back to DefaultRetryConfig; a negative
// jitter fraction keeps the default jitter.
func RetryFromConfig(rc config.RetryConfig) RetryConfig {
	cfg := DefaultRetryConfig()
	if rc.MaxAttempts > 0 {
		cfg.MaxAttempts = rc.MaxAttempts
	}
	if rc.InitialBackoffMs > 0 {
		cfg.InitialBackoff = millis(rc.InitialBackoffMs)
	}
	if rc.MaxBackoffMs > 0 {
		cfg.MaxBackoff = millis(rc.MaxBackoffMs)
	}
	if rc.Multiplier > 0 {
		cfg.Multiplier = rc.Multiplier
	}
	if rc.JitterFraction >= 0 {
		cfg.JitterFraction = rc.JitterFraction
	}
	return cfg
}

// CircuitFromConfig names a breaker and applies the circuit section of the
// app config.
func CircuitFromConfig(name string, cc config.CircuitConfig) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if name != "" {
		cfg.Name = name
	}
	if cc.FailureThreshold > 0 {
		cfg.FailureThreshold = cc.FailureThreshold
	}
	if cc.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(cc.ResetTimeoutSecs) * time.Second
	}
	return cfg
}
