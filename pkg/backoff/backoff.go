// Package backoff computes retry delays for the sync engine: exponential
// growth with uniform jitter, clamped to a ceiling, honoring an explicit
// server-supplied retry hint when one exists.
package backoff

import (
	"math/rand"
	"sync"
	"time"
)

// Config configures a Policy.
type Config struct {
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the computed delay before jitter is applied
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`

	// MaxAttempts is the total number of attempts allowed per operation
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
}

// DefaultConfig returns the default backoff configuration.
func DefaultConfig() Config {
	return Config{
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// Policy computes retry delays. Safe for concurrent use.
type Policy struct {
	config Config

	mu   sync.Mutex
	rand *rand.Rand
}

// New creates a Policy from config. Zero config fields fall back to the
// defaults.
func New(config Config) *Policy {
	def := DefaultConfig()
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = def.MaxDelay
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	return &Policy{
		config: config,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewWithSource creates a Policy with an injected random source for
// deterministic tests.
func NewWithSource(config Config, src rand.Source) *Policy {
	p := New(config)
	p.rand = rand.New(src)
	return p
}

// ComputeDelay returns the wait before the attempt following the given
// attempt count. A server-supplied retryAfter wins over the exponential
// schedule but is still capped at MaxDelay. Without a hint the result is
// base * 2^(attempts-1), clamped to MaxDelay, scaled by uniform jitter
// in [0.5, 1.5].
func (p *Policy) ComputeDelay(attempts int, retryAfter *time.Duration) time.Duration {
	if retryAfter != nil {
		if *retryAfter > p.config.MaxDelay {
			return p.config.MaxDelay
		}
		if *retryAfter < 0 {
			return 0
		}
		return *retryAfter
	}

	if attempts < 1 {
		attempts = 1
	}

	// Double at most attempts-1 times and stop once the ceiling is
	// reached, so the shift cannot overflow whatever the base delay.
	raw := p.config.BaseDelay
	for i := 1; i < attempts && raw < p.config.MaxDelay; i++ {
		raw <<= 1
	}
	if raw <= 0 || raw > p.config.MaxDelay {
		raw = p.config.MaxDelay
	}

	p.mu.Lock()
	jitter := 0.5 + p.rand.Float64()
	p.mu.Unlock()

	return time.Duration(float64(raw) * jitter)
}

// ShouldRetry reports whether an operation that has already been tried
// the given number of times may be tried again.
func (p *Policy) ShouldRetry(attempts int) bool {
	return attempts < p.config.MaxAttempts
}

// MaxDelay exposes the configured ceiling; the HTTP client uses it to
// cap parsed Retry-After headers.
func (p *Policy) MaxDelay() time.Duration {
	return p.config.MaxDelay
}
