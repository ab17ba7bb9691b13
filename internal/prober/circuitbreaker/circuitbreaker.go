// Package circuitbreaker tracks the health of each status source so the
// prober can skip a source that keeps failing and go straight to its
// fallback.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of one source's circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

const (
	defaultFailureThreshold  = 3
	defaultResetTimeout      = 30 * time.Second
	defaultHalfOpenSuccesses = 1
)

// Config holds the breaker thresholds. Zero values fall back to defaults.
type Config struct {
	FailureThreshold  int           // consecutive failures that open the circuit
	ResetTimeout      time.Duration // time spent Open before a trial request
	HalfOpenSuccesses int           // trial successes needed to close again
}

type sourceState struct {
	state     State
	failures  int
	successes int
	openUntil time.Time
}

// CircuitBreaker is an in-memory, per-source circuit breaker.
type CircuitBreaker struct {
	mu      sync.Mutex
	sources map[string]*sourceState
	cfg     Config
}

// NewCircuitBreaker creates a CircuitBreaker.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = defaultHalfOpenSuccesses
	}
	return &CircuitBreaker{sources: make(map[string]*sourceState), cfg: cfg}
}

// caller holds mu.
func (cb *CircuitBreaker) get(name string) *sourceState {
	s, ok := cb.sources[name]
	if !ok {
		s = &sourceState{state: StateClosed}
		cb.sources[name] = s
	}
	return s
}

// AllowRequest reports whether name may be queried. An Open circuit whose
// reset timeout has passed moves to HalfOpen and lets the request through.
func (cb *CircuitBreaker) AllowRequest(name string) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.get(name)
	switch s.state {
	case StateOpen:
		if time.Now().Before(s.openUntil) {
			return false
		}
		s.state = StateHalfOpen
		s.failures = 0
		s.successes = 0
		return true
	default:
		return true
	}
}

// RecordFailure records a query of name that did not complete.
func (cb *CircuitBreaker) RecordFailure(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.get(name)
	switch s.state {
	case StateClosed:
		s.failures++
		if s.failures >= cb.cfg.FailureThreshold {
			cb.open(s)
		}
	case StateHalfOpen:
		cb.open(s)
	}
}

// RecordSuccess records a completed query of name.
func (cb *CircuitBreaker) RecordSuccess(name string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := cb.get(name)
	switch s.state {
	case StateClosed:
		s.failures = 0
	case StateHalfOpen:
		s.successes++
		if s.successes >= cb.cfg.HalfOpenSuccesses {
			s.state = StateClosed
			s.failures = 0
			s.successes = 0
		}
	}
}

// GetProviderStatus returns the circuit state and consecutive failure count of
// name without triggering the Open to HalfOpen move.
func (cb *CircuitBreaker) GetProviderStatus(name string) (State, int) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	s, ok := cb.sources[name]
	if !ok {
		return StateClosed, 0
	}
	return s.state, s.failures
}

func (cb *CircuitBreaker) open(s *sourceState) {
	s.state = StateOpen
	s.failures = cb.cfg.FailureThreshold
	s.successes = 0
	s.openUntil = time.Now().Add(cb.cfg.ResetTimeout)
}
