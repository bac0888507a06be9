// Resilience configuration - circuit breaker and rate limiter policy.
//
// DESIGN: Policy is explicit immutable configuration loaded once at startup
// and passed by reference into the breaker registry / limiter constructors.
// No global defaults hidden in the components themselves.
package config

import (
	"fmt"
	"time"
)

// ResilienceConfig groups breaker and rate limiter policy.
type ResilienceConfig struct {
	Breaker   BreakerConfig   `yaml:"breaker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// BreakerConfig is the per-target circuit breaker policy. One policy applies
// to all targets; state itself is tracked per target key.
type BreakerConfig struct {
	FailureThreshold     int           `yaml:"failure_threshold"`       // Failures within the window that trip CLOSED→OPEN
	SlidingWindowSize    int           `yaml:"sliding_window_size"`     // Number of recent calls considered
	FailureRateThreshold float64       `yaml:"failure_rate_threshold"`  // Probe failure rate that sends HALF_OPEN back to OPEN
	WaitDurationInOpen   time.Duration `yaml:"wait_duration_in_open"`   // Dwell time before OPEN→HALF_OPEN
	HalfOpenProbeCount   int           `yaml:"half_open_probe_count"`   // Concurrent probes admitted in HALF_OPEN (default 3)
}

// RateClass describes the token bucket for one identity class.
type RateClass struct {
	ReplenishRate float64 `yaml:"replenish_rate"` // Tokens added per second
	BurstCapacity float64 `yaml:"burst_capacity"` // Bucket capacity
}

// RateLimitConfig is the identity-scoped admission control policy.
type RateLimitConfig struct {
	Classes      map[string]RateClass `yaml:"classes"`       // Identity class → limits
	DefaultClass string               `yaml:"default_class"` // Class used when the caller names none
	IdleEviction time.Duration        `yaml:"idle_eviction"` // Evict buckets idle this long (default 10m)
}

// Validate checks breaker and rate limit policy.
func (rc *ResilienceConfig) Validate() error {
	b := rc.Breaker
	if b.FailureThreshold <= 0 {
		return fmt.Errorf("resilience.breaker.failure_threshold must be > 0")
	}
	if b.SlidingWindowSize < b.FailureThreshold {
		return fmt.Errorf("resilience.breaker.sliding_window_size (%d) must be >= failure_threshold (%d)",
			b.SlidingWindowSize, b.FailureThreshold)
	}
	if b.FailureRateThreshold <= 0 || b.FailureRateThreshold > 1 {
		return fmt.Errorf("resilience.breaker.failure_rate_threshold must be in (0, 1]")
	}
	if b.WaitDurationInOpen <= 0 {
		return fmt.Errorf("resilience.breaker.wait_duration_in_open is required")
	}

	if len(rc.RateLimit.Classes) == 0 {
		return fmt.Errorf("resilience.rate_limit.classes must contain at least one class")
	}
	if rc.RateLimit.DefaultClass == "" {
		return fmt.Errorf("resilience.rate_limit.default_class is required")
	}
	if _, ok := rc.RateLimit.Classes[rc.RateLimit.DefaultClass]; !ok {
		return fmt.Errorf("resilience.rate_limit.default_class %q is not defined in classes", rc.RateLimit.DefaultClass)
	}
	for name, class := range rc.RateLimit.Classes {
		if class.ReplenishRate <= 0 {
			return fmt.Errorf("resilience.rate_limit.classes.%s.replenish_rate must be > 0", name)
		}
		if class.BurstCapacity <= 0 {
			return fmt.Errorf("resilience.rate_limit.classes.%s.burst_capacity must be > 0", name)
		}
	}
	return nil
}

// ProbeCount returns the configured half-open probe budget, defaulting to 3.
func (b BreakerConfig) ProbeCount() int {
	if b.HalfOpenProbeCount > 0 {
		return b.HalfOpenProbeCount
	}
	return 3
}

// IdleEvictionOrDefault returns the bucket idle eviction period, defaulting
// to 10 minutes.
func (r RateLimitConfig) IdleEvictionOrDefault() time.Duration {
	if r.IdleEviction > 0 {
		return r.IdleEviction
	}
	return 10 * time.Minute
}
