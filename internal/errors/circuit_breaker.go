package errors

import (
	"context"
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// Closed means calls go through.
	Closed CircuitState = iota
	// Open means calls are rejected without reaching the dependency.
	Open
	// HalfOpen means a single trial call is allowed.
	HalfOpen
)

// String returns the string representation of CircuitState.
func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           // Consecutive failures before opening
	Cooldown         time.Duration // Time spent open before a trial call is allowed
}

// DefaultCircuitBreakerConfig returns the settings used for the
// text-generation service.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
	}
}

// CircuitBreaker stops calling an optional dependency after it keeps failing.
// A job that would otherwise wait out the full retry schedule on every
// advisory call skips them while the breaker is open.
type CircuitBreaker struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
	now      func() time.Time

	onStateChange func(from, to CircuitState)
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// OnStateChange sets a callback for state changes.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to CircuitState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case Closed:
		return true
	case Open:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return false
		}
		cb.transitionTo(HalfOpen)
		cb.probing = true
		return true
	default:
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.probing = false
	cb.transitionTo(Closed)
}

// RecordFailure counts a failure and opens the breaker at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	cb.failures++
	if cb.state == HalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.openedAt = cb.now()
		cb.transitionTo(Open)
	}
}

func (cb *CircuitBreaker) transitionTo(next CircuitState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	if next == Closed {
		cb.failures = 0
	}
	if cb.onStateChange != nil {
		cb.onStateChange(prev, next)
	}
}

// Execute runs fn through the breaker. Cancellation is not counted as a
// failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return &CircuitOpenError{State: cb.State()}
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() != nil:
		cb.mu.Lock()
		cb.probing = false
		cb.mu.Unlock()
	default:
		cb.RecordFailure()
	}
	return err
}

// CircuitOpenError is returned when the circuit rejects a call.
type CircuitOpenError struct {
	State CircuitState
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return "circuit breaker is " + e.State.String()
}
