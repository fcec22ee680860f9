package resilience

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Circuit Breaker Pattern Implementation
//
// The circuit breaker stops calls to a failing dependency (the job broker,
// the chain RPC endpoint) so callers fall back quickly. It has three states:
//
//   - Closed: Normal operation, requests pass through.
//   - Open: Dependency is failing, requests are rejected immediately.
//   - Half-Open: Testing if the dependency recovered, limited requests allowed.
//
// State transitions:
//
//	[Closed] ---(failure threshold reached)---> [Open]
//	[Open] ---(timeout expires)---> [Half-Open]
//	[Half-Open] ---(success)---> [Closed]
//	[Half-Open] ---(failure)---> [Open]

// CircuitBreakerConfig defines the circuit breaker behavior.
//
// MaxRequests is the maximum number of requests allowed in half-open state.
// Interval is the cyclic period for clearing internal counts while closed.
// Timeout is how long to wait in open state before transitioning to half-open.
// FailureRatio is the failure percentage threshold to trip the breaker (0.0-1.0).
// MinRequests is the minimum requests needed before failure ratio is evaluated.
type CircuitBreakerConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxRequests:  5,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  3,
	}
}

// CircuitBreakerState represents the current state of a circuit breaker.
type CircuitBreakerState string

const (
	CircuitBreakerStateClosed   CircuitBreakerState = "closed"
	CircuitBreakerStateOpen     CircuitBreakerState = "open"
	CircuitBreakerStateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerManager maintains named circuit breakers, one per dependency.
type CircuitBreakerManager struct {
	config   CircuitBreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex

	onStateChange func(name string, from, to CircuitBreakerState)
}

func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// OnStateChange registers a callback for circuit breaker state transitions.
// Used to emit metrics and logs when breakers open or close.
func (m *CircuitBreakerManager) OnStateChange(fn func(name string, from, to CircuitBreakerState)) {
	m.onStateChange = fn
}

// GetBreaker returns the named circuit breaker, creating one if needed.
func (m *CircuitBreakerManager) GetBreaker(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m.onStateChange != nil {
				m.onStateChange(name, toState(from), toState(to))
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[name] = cb
	return cb
}

// Execute runs a function through the circuit breaker.
// If the breaker is open, returns ErrOpenState immediately without calling fn.
// Failures from fn count toward the failure threshold.
func (m *CircuitBreakerManager) Execute(name string, fn func() (interface{}, error)) (interface{}, error) {
	return m.GetBreaker(name).Execute(fn)
}

// State returns the current state of the named circuit breaker.
func (m *CircuitBreakerManager) State(name string) CircuitBreakerState {
	return toState(m.GetBreaker(name).State())
}

func toState(s gobreaker.State) CircuitBreakerState {
	switch s {
	case gobreaker.StateClosed:
		return CircuitBreakerStateClosed
	case gobreaker.StateOpen:
		return CircuitBreakerStateOpen
	case gobreaker.StateHalfOpen:
		return CircuitBreakerStateHalfOpen
	default:
		return CircuitBreakerStateClosed
	}
}

// StateValue maps a state to the circuit_breaker_state gauge value.
func StateValue(s CircuitBreakerState) float64 {
	switch s {
	case CircuitBreakerStateHalfOpen:
		return 1
	case CircuitBreakerStateOpen:
		return 2
	default:
		return 0
	}
}

// IsRejected reports whether err came from the breaker refusing the call
// rather than from the wrapped function.
func IsRejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
