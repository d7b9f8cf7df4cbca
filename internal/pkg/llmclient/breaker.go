package llmclient

import (
	"sync"
	"time"
)

// BreakerConfig holds circuit breaker settings
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes that closes it again
	SuccessThreshold int
	// Timeout is how long the circuit stays open before probing
	Timeout time.Duration
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

type breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       breakerState
	failures    int
	successes   int
	lastFailure time.Time
	now         func() time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg, now: time.Now}
}

// Allow reports whether a request may go through, moving an expired open
// circuit to half-open.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateOpen {
		if b.now().Sub(b.lastFailure) <= b.cfg.Timeout {
			return false
		}
		b.state = stateHalfOpen
		b.successes = 0
	}
	return true
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = stateClosed
			b.failures = 0
		}
	case stateClosed:
		b.failures = 0
	}
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case stateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = stateOpen
		}
	case stateHalfOpen:
		b.state = stateOpen
		b.successes = 0
	}
}

func (b *breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
