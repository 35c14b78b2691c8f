package services

import (
	"sync"
	"time"

	"area/internal/config"
)

// CircuitBreakerState is the breaker position.
type CircuitBreakerState int

const (
	StateClosedCB CircuitBreakerState = iota
	StateOpenCB
	StateHalfOpenCB
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosedCB:
		return "closed"
	case StateOpenCB:
		return "open"
	case StateHalfOpenCB:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards calls to one provider's reaction API. Repeated
// failures open the breaker so a misbehaving provider fails fast instead
// of stalling every automation run that touches it.
type CircuitBreaker struct {
	config       config.CircuitBreakerConfig
	state        CircuitBreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
	mutex        sync.RWMutex
}

func NewCircuitBreaker(cfg config.CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxReqs <= 0 {
		cfg.HalfOpenMaxReqs = 3
	}
	return &CircuitBreaker{config: cfg, state: StateClosedCB}
}

// Allow reports whether a request may pass.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosedCB:
		return true
	case StateOpenCB:
		if time.Since(cb.lastFailTime) > cb.config.ResetTimeout {
			cb.state = StateHalfOpenCB
			cb.halfOpenReqs = 0
			return true
		}
		return false
	case StateHalfOpenCB:
		if cb.halfOpenReqs < cb.config.HalfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) OnSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosedCB:
		cb.failureCount = 0
	case StateHalfOpenCB:
		cb.state = StateClosedCB
		cb.failureCount = 0
		cb.halfOpenReqs = 0
	}
}

func (cb *CircuitBreaker) OnFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++
	cb.lastFailTime = time.Now()

	switch cb.state {
	case StateClosedCB:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.state = StateOpenCB
		}
	case StateHalfOpenCB:
		cb.state = StateOpenCB
		cb.halfOpenReqs = 0
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpenCB
}

// BreakerSet holds one breaker per provider, created on first use.
type BreakerSet struct {
	mu       sync.Mutex
	config   config.CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

func NewBreakerSet(cfg config.CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{config: cfg, breakers: make(map[string]*CircuitBreaker)}
}

func (s *BreakerSet) Get(service string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[service]
	if !ok {
		cb = NewCircuitBreaker(s.config)
		s.breakers[service] = cb
	}
	return cb
}
