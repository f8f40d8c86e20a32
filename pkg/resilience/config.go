package resilience

import (
	"time"
)

// ResilientConfig configures resilience features for a storage backend.
type ResilientConfig struct {
	// Timeout bounds every backend call (0 disables it)
	Timeout time.Duration `env:"TIMEOUT" envDefault:"500ms"`

	// CircuitBreakerConfig configures the circuit breaker behavior
	CircuitBreakerConfig CircuitBreakerConfig `envPrefix:"BREAKER_"`
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// MaxRequests is the maximum number of requests allowed to pass through
	// when the CircuitBreaker is half-open. Default: 5
	MaxRequests uint32 `env:"MAX_REQUESTS" envDefault:"5"`

	// Interval is the cyclic period of the closed state for the CircuitBreaker
	// to clear the internal counts. If Interval is 0, it never clears. Default: 60s
	Interval time.Duration `env:"INTERVAL" envDefault:"60s"`

	// Timeout is the period of the open state after which the state becomes half-open.
	// Default: 30s
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`

	// MinRequests and FailureRate drive the default trip rule: the breaker
	// opens once at least MinRequests were seen and the failure ratio
	// reaches FailureRate.
	MinRequests uint32  `env:"MIN_REQUESTS" envDefault:"20"`
	FailureRate float64 `env:"FAILURE_RATE" envDefault:"0.15"`

	// ReadyToTrip is called with a copy of Counts whenever a request fails.
	// If ReadyToTrip returns true, the CircuitBreaker will be placed into the open state.
	// If nil, the MinRequests/FailureRate rule is used, falling back to 5
	// consecutive failures when both are zero.
	ReadyToTrip func(counts Counts) bool
}

// Counts holds the numbers of requests and their successes/failures.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// DefaultResilientConfig returns sensible defaults for resilience configuration.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		Timeout: 500 * time.Millisecond,
		CircuitBreakerConfig: CircuitBreakerConfig{
			MaxRequests: 5,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			MinRequests: 20,
			FailureRate: 0.15,
		},
	}
}

// WithTimeout returns a copy of the config with the specified timeout.
func (c ResilientConfig) WithTimeout(timeout time.Duration) ResilientConfig {
	c.Timeout = timeout
	return c
}

// WithCircuitBreakerTimeout returns a copy of the config with the specified circuit breaker timeout.
func (c ResilientConfig) WithCircuitBreakerTimeout(timeout time.Duration) ResilientConfig {
	c.CircuitBreakerConfig.Timeout = timeout
	return c
}

// readyToTrip returns the effective trip rule.
func (c CircuitBreakerConfig) readyToTrip() func(Counts) bool {
	if c.ReadyToTrip != nil {
		return c.ReadyToTrip
	}
	if c.MinRequests == 0 && c.FailureRate == 0 {
		return func(counts Counts) bool {
			return counts.ConsecutiveFailures >= 5
		}
	}
	return func(counts Counts) bool {
		if counts.Requests < c.MinRequests {
			return false
		}
		failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
		return failureRate >= c.FailureRate
	}
}
