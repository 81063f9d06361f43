package executor

import (
	"math"
	"time"

	"github.com/openbach-stack/conductor/internal/config"
	"github.com/openbach-stack/conductor/internal/types"
)

// RetryDelay returns how long to wait before retry number n (starting at 1).
// A negative policy WaitTime selects the configured default delay, and the
// policy's Backoff overrides the configured strategy.
func RetryDelay(cfg config.RetryConfig, policy types.FailurePolicy, n int) time.Duration {
	base := policy.WaitTime
	if base < 0 {
		base = cfg.DefaultDelay
	}

	strategy := cfg.Strategy
	if policy.Backoff != "" {
		strategy = config.BackoffStrategy(policy.Backoff)
	}
	if strategy != config.BackoffExponential || n <= 1 || base == 0 {
		return base
	}

	factor := cfg.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(base) * math.Pow(factor, float64(n-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}
