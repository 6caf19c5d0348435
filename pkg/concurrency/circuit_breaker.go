package concurrency

import (
	"sync"
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the state of the circuit breaker.
type CircuitBreakerState int32

const (
	// StateClosed allows operations.
	StateClosed CircuitBreakerState = 0

	// StateOpen blocks operations until the reset timeout elapses.
	StateOpen CircuitBreakerState = 1

	// StateHalfOpen lets operations through to probe whether the circuit
	// should close again.
	StateHalfOpen CircuitBreakerState = 2
)

// halfOpenSuccesses is how many consecutive successes in half-open state
// close the circuit.
const halfOpenSuccesses = 5

// CircuitBreaker sheds load when batch execution fails repeatedly, so a
// broken downstream doesn't burn delivery attempts on every queued batch.
type CircuitBreaker struct {
	state                atomic.Int32
	consecutiveFailures  atomic.Int64
	consecutiveSuccesses atomic.Int64
	failureThreshold     int64
	resetTimeout         time.Duration
	lastFailureTime      atomic.Int64
	mu                   sync.Mutex
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and transitions to half-open after resetTimeout.
func NewCircuitBreaker(failureThreshold int64, resetTimeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 10
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
	}
}

// IsOpen reports whether operations are currently blocked. An open circuit
// whose reset timeout has elapsed transitions to half-open and admits the
// caller.
func (cb *CircuitBreaker) IsOpen() bool {
	if CircuitBreakerState(cb.state.Load()) != StateOpen {
		return false
	}

	lastFailure := cb.lastFailureTime.Load()
	if lastFailure > 0 && time.Since(time.Unix(0, lastFailure)) > cb.resetTimeout {
		cb.transitionTo(StateHalfOpen)
		return false
	}
	return true
}

// RecordSuccess records a successful operation.
func (cb *CircuitBreaker) RecordSuccess() {
	state := CircuitBreakerState(cb.state.Load())

	cb.consecutiveFailures.Store(0)

	if state == StateHalfOpen {
		if cb.consecutiveSuccesses.Add(1) >= halfOpenSuccesses {
			cb.transitionTo(StateClosed)
			cb.consecutiveSuccesses.Store(0)
		}
	}
}

// RecordFailure records a failed operation, opening the circuit when the
// threshold is reached. Any failure in half-open state reopens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	state := CircuitBreakerState(cb.state.Load())

	cb.consecutiveSuccesses.Store(0)
	cb.lastFailureTime.Store(time.Now().UnixNano())

	failures := cb.consecutiveFailures.Add(1)

	if state == StateClosed && failures >= cb.failureThreshold {
		cb.transitionTo(StateOpen)
	} else if state == StateHalfOpen {
		cb.transitionTo(StateOpen)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// GetConsecutiveFailures returns the current consecutive failure count.
func (cb *CircuitBreaker) GetConsecutiveFailures() int64 {
	return cb.consecutiveFailures.Load()
}

// GetConsecutiveSuccesses returns the current consecutive success count.
func (cb *CircuitBreaker) GetConsecutiveSuccesses() int64 {
	return cb.consecutiveSuccesses.Load()
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.transitionTo(StateClosed)
	cb.consecutiveFailures.Store(0)
	cb.consecutiveSuccesses.Store(0)
	cb.lastFailureTime.Store(0)
}

func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if CircuitBreakerState(cb.state.Load()) == newState {
		return
	}

	cb.state.Store(int32(newState))

	switch newState {
	case StateClosed:
		cb.consecutiveFailures.Store(0)
		cb.consecutiveSuccesses.Store(0)
	case StateHalfOpen:
		cb.consecutiveSuccesses.Store(0)
	}
}

// String returns the state name for logging.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}
