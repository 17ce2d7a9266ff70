package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// Manager manages circuit breakers for external services.
type Manager interface {
	// GetOrCreate returns an existing circuit breaker or creates a new one.
	GetOrCreate(serviceName string, config Config) CircuitBreaker

	// Execute runs a function through the named circuit breaker.
	Execute(serviceName string, fn func() (any, error)) (any, error)

	// GetState returns the current state.
	GetState(serviceName string) State

	// GetCounts returns the current counts for a circuit breaker.
	GetCounts(serviceName string) Counts

	// IsHealthy returns true if the circuit breaker is closed.
	IsHealthy(serviceName string) bool

	// Reset recreates the named circuit breaker in the closed state.
	Reset(serviceName string)

	// RegisterStateChangeListener registers a listener for state changes.
	RegisterStateChangeListener(listener StateChangeListener)
}

// CircuitBreaker wraps sony/gobreaker with our interface.
type CircuitBreaker interface {
	Execute(fn func() (any, error)) (any, error)
	State() State
	Counts() Counts
}

// Config holds circuit breaker configuration.
type Config struct {
	MaxRequests         uint32        // Max requests in half-open state
	Interval            time.Duration // Cyclic period for clearing counts while closed
	Timeout             time.Duration // Cool-down before moving open -> half-open
	ConsecutiveFailures uint32        // Consecutive failures to trigger open state
}

// State represents circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

// Counts represents circuit breaker statistics.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// StateChangeListener is notified when a circuit breaker changes state.
type StateChangeListener interface {
	OnStateChange(serviceName string, from State, to State)
}

// circuitBreaker is the internal implementation wrapping gobreaker.
type circuitBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

func (cb *circuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return cb.breaker.Execute(fn)
}

func (cb *circuitBreaker) State() State {
	return stateFromGobreaker(cb.breaker.State())
}

func (cb *circuitBreaker) Counts() Counts {
	counts := cb.breaker.Counts()

	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

func stateFromGobreaker(state gobreaker.State) State {
	switch state {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
