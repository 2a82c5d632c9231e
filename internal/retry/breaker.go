package retry

import (
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrCircuitOpen is returned by Allow while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the serialisable snapshot of a breaker.
type BreakerState struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failureCount"`
	LastFailureTime time.Time `json:"lastFailureTime"`
}

// CircuitBreaker is a three-state failure gate for a remote endpoint:
// closed -> open after failureThreshold consecutive failures, open ->
// half-open once resetTimeout has elapsed, half-open -> closed after
// successThreshold successes, half-open -> open on any failure.
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	resetTimeout     time.Duration
	successThreshold int

	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	SuccessThreshold int
}

// NewCircuitBreaker creates a closed breaker. Zero-valued config fields fall
// back to threshold 5, reset 30s, successThreshold 1.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		successThreshold: cfg.SuccessThreshold,
		state:            StateClosed,
	}
}

// State returns the current state, applying the open -> half-open transition
// when the reset timeout has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() State {
	if cb.state == StateOpen && time.Since(cb.lastFailureTime) >= cb.resetTimeout {
		cb.state = StateHalfOpen
		cb.successCount = 0
	}
	return cb.state
}

// Allow reports whether a call may proceed. Returns ErrCircuitOpen while the
// breaker is open.
func (cb *CircuitBreaker) Allow() error {
	if cb.State() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess notes a successful call. In closed state it resets the
// failure counter; in half-open state it counts toward closing.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
		}
	case StateOpen:
		// Success while open is stale; ignore.
	}
}

// RecordFailure notes a failed call. Consecutive failures in closed state
// trip the breaker; any failure in half-open state re-opens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()

	switch cb.stateLocked() {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
		cb.successCount = 0
		cb.failureCount = cb.failureThreshold
	case StateOpen:
		// Already open; refresh lastFailureTime only.
	}
}

// Snapshot returns the serialisable breaker state.
func (cb *CircuitBreaker) Snapshot() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerState{
		State:           cb.stateLocked(),
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
	}
}
