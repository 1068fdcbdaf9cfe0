// Package breaker implements the fail-fast gate in front of the remote
// endpoint. Failures are tracked in a rolling time window; crossing the
// threshold opens the circuit for a cooldown, after which a single probe
// decides between closing again and another cooldown.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the state of the circuit breaker.
type State int

const (
	// StateClosed allows all requests through
	StateClosed State = iota
	// StateOpen blocks all requests until the cooldown expires
	StateOpen
	// StateHalfOpen allows probe requests to test recovery
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config configures a CircuitBreaker.
type Config struct {
	// FailureThreshold is the number of failures within Window that trips the breaker
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`

	// Window is the rolling window failures are counted in
	Window time.Duration `json:"window" yaml:"window"`

	// Cooldown is how long the breaker stays open after tripping
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		Window:           10 * time.Second,
		Cooldown:         5 * time.Second,
	}
}

// CircuitBreaker tracks rolling failures against the remote endpoint.
// Safe for concurrent use.
type CircuitBreaker struct {
	config Config
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	failures  []time.Time
	openUntil time.Time

	onTrip func()
}

// New creates a circuit breaker. Zero config fields fall back to the
// defaults; a nil logger is replaced with a no-op logger.
func New(config Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		config: config,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: logger,
		state:  StateClosed,
	}
}

// SetClock injects a time source for tests.
func (cb *CircuitBreaker) SetClock(clock func() time.Time) {
	cb.mu.Lock()
	cb.clock = clock
	cb.mu.Unlock()
}

// OnTrip registers a hook invoked (outside the lock) each time the
// breaker transitions to open. The engine uses it to bump metrics.
func (cb *CircuitBreaker) OnTrip(fn func()) {
	cb.mu.Lock()
	cb.onTrip = fn
	cb.mu.Unlock()
}

// RecordFailure records a failed request. In closed state it may trip
// the breaker; in half-open it re-opens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	var tripped func()
	cb.mu.Lock()
	now := cb.clock()
	switch cb.state {
	case StateClosed:
		cb.failures = append(cb.failures, now)
		cb.pruneLocked(now)
		if len(cb.failures) >= cb.config.FailureThreshold {
			cb.tripLocked(now)
			tripped = cb.onTrip
		}
	case StateHalfOpen:
		cb.tripLocked(now)
		tripped = cb.onTrip
	case StateOpen:
		// Already open; the cooldown clock is not extended.
	}
	cb.mu.Unlock()
	if tripped != nil {
		tripped()
	}
}

// RecordSuccess records a successful request. It clears the failure
// window in closed state and closes the breaker from half-open. In open
// state it is ignored; only cooldown expiry re-enables traffic.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		cb.failures = cb.failures[:0]
	case StateHalfOpen:
		cb.state = StateClosed
		cb.failures = cb.failures[:0]
		cb.logger.Info("circuit breaker closed")
	case StateOpen:
	}
}

// IsTripped reports whether requests should be rejected right now. An
// expired cooldown transitions open -> half-open as a side effect.
func (cb *CircuitBreaker) IsTripped() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked(cb.clock())
	return cb.state == StateOpen
}

// State returns the current state, advancing an expired cooldown first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked(cb.clock())
	return cb.state
}

// CooldownRemaining returns how long until the breaker leaves open
// state, or zero when it is not open.
func (cb *CircuitBreaker) CooldownRemaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	now := cb.clock()
	cb.advanceLocked(now)
	if cb.state != StateOpen {
		return 0
	}
	return cb.openUntil.Sub(now)
}

// Reset forces the breaker closed and clears the failure window.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = cb.failures[:0]
}

func (cb *CircuitBreaker) tripLocked(now time.Time) {
	cb.state = StateOpen
	cb.openUntil = now.Add(cb.config.Cooldown)
	cb.failures = cb.failures[:0]
	cb.logger.Warn("circuit breaker tripped",
		zap.Duration("cooldown", cb.config.Cooldown))
}

func (cb *CircuitBreaker) advanceLocked(now time.Time) {
	if cb.state == StateOpen && !now.Before(cb.openUntil) {
		cb.state = StateHalfOpen
		cb.logger.Info("circuit breaker half-open")
	}
}

func (cb *CircuitBreaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-cb.config.Window)
	i := 0
	for i < len(cb.failures) && cb.failures[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.failures = append(cb.failures[:0], cb.failures[i:]...)
	}
}
