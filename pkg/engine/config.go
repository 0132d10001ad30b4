package engine

import "time"

const (
	// DefaultTaskTimeout bounds a task attempt when the node declares
	// no timeout of its own.
	DefaultTaskTimeout = 60 * time.Second
)

// Config holds the engine configuration.
type Config struct {
	// Workers is the scheduler worker count (default: 8).
	Workers int
	// TickInterval is the scheduler evaluation period; it bounds the
	// granularity of timeout and backoff detection (default: 100ms).
	TickInterval time.Duration
	// RetryBaseDelay is the backoff base: delay = base * 2^retry_count
	// capped at RetryMaxDelay (defaults: 1s, 5m).
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// DefaultTaskTimeout applies to task/custom/webhook steps without
	// an explicit timeout (default: 60s).
	DefaultTaskTimeout time.Duration
	// Budget is the global resource budget for admission.
	Budget Budget
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:            8,
		TickInterval:       100 * time.Millisecond,
		RetryBaseDelay:     1 * time.Second,
		RetryMaxDelay:      5 * time.Minute,
		DefaultTaskTimeout: DefaultTaskTimeout,
		Budget:             DefaultBudget(),
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 1 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = DefaultTaskTimeout
	}
	if c.Budget.isZero() {
		c.Budget = DefaultBudget()
	}
	return c
}
