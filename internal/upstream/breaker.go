package upstream

import (
	"sync"
	"time"
)

// breakerState is the sum type of the three circuit-breaker states from
// spec §4.3/§9 ("Expose as a sum type of three states with transition
// functions; avoid reading two fields separately under different locks"),
// itself grounded on original_source's upstream_service.py
// CircuitBreakerState enum (CLOSED/OPEN/HALF_OPEN).
type breakerState int

const (
	closed breakerState = iota
	open
	halfOpen
)

func (s breakerState) String() string {
	switch s {
	case closed:
		return "CLOSED"
	case open:
		return "OPEN"
	case halfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// breaker is the per-upstream circuit breaker. All admission checks and
// transitions happen under mu so a read of (state, consecutiveFailures) is
// always consistent, per spec §5.
type breaker struct {
	mu                  sync.Mutex
	state               breakerState
	consecutiveFailures int
	openedAt            time.Time
	lastSuccessAt       time.Time

	threshold       int
	recoveryTimeout time.Duration
	now             func() time.Time
}

func newBreaker(threshold int, recoveryTimeout time.Duration) *breaker {
	return &breaker{
		state:           closed,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		now:             time.Now,
	}
}

// admit checks whether a call may proceed, implicitly transitioning
// OPEN->HALF_OPEN once the recovery timeout has elapsed (spec §4.3: "this is
// implicit, no timer required"). Returns false if the call must be rejected
// with CircuitOpenError and no I/O attempted.
func (b *breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case closed, halfOpen:
		return true
	case open:
		if b.now().Sub(b.openedAt) >= b.recoveryTimeout {
			b.state = halfOpen
			return true
		}
		return false
	}
	return false
}

// recordSuccess zeroes consecutiveFailures and, from HALF_OPEN, closes the
// breaker (spec table row "HALF_OPEN: on success -> CLOSED, clear failures").
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.lastSuccessAt = b.now()
	b.state = closed
}

// recordFailure increments consecutiveFailures and opens the breaker once
// the threshold is reached (from CLOSED) or immediately (from HALF_OPEN).
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	switch b.state {
	case halfOpen:
		b.state = open
		b.openedAt = b.now()
	case closed:
		if b.consecutiveFailures >= b.threshold {
			b.state = open
			b.openedAt = b.now()
		}
	}
}

// snapshot returns the current state and failure count for reporting.
func (b *breaker) snapshot() (breakerState, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.consecutiveFailures
}
