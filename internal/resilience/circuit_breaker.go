// Package resilience implements the circuit breaker, retry-with-backoff,
// and fallback engine that wrap every provider invocation.
package resilience

import (
	"sync"
	"time"

	"aiorchestrator/internal/clock"
	"aiorchestrator/internal/domain"
)

// breakerState is the mutable per-provider circuit record. All access
// goes through its own mutex rather than the Breaker's map lock, so a
// read/transition on one provider never blocks another.
type breakerState struct {
	mu                   sync.Mutex
	state                domain.CircuitState
	failureCount         int
	consecutiveSuccesses int
	lastFailureAt        time.Time
	openedAt             time.Time
}

// Breaker is the in-memory, single-process circuit breaker keyed by
// provider. State lives entirely in the process — there is no database
// round trip and no cross-process coordination, per the orchestrator's
// single-process-authority design.
type Breaker struct {
	clk       clock.Clock
	threshold int
	cooldown  time.Duration

	mu       sync.RWMutex
	circuits map[domain.Provider]*breakerState
}

// NewBreaker creates a Breaker. threshold is the consecutive-failure
// count that opens a circuit; cooldown is how long a circuit stays open
// before a half-open probe is allowed.
func NewBreaker(clk clock.Clock, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		clk:       clk,
		threshold: threshold,
		cooldown:  cooldown,
		circuits:  make(map[domain.Provider]*breakerState),
	}
}

func (b *Breaker) stateFor(provider domain.Provider) *breakerState {
	b.mu.RLock()
	s, ok := b.circuits[provider]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.circuits[provider]; ok {
		return s
	}
	s = &breakerState{state: domain.CircuitClosed}
	b.circuits[provider] = s
	return s
}

// AllowRequest reports whether a request to provider may proceed. Once
// the cooldown has elapsed an open circuit moves to half-open, and a
// half-open circuit allows every request until the next RecordSuccess
// or RecordFailure closes or reopens it; concurrent probes are not
// limited to one.
func (b *Breaker) AllowRequest(provider domain.Provider) bool {
	s := b.stateFor(provider)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case domain.CircuitClosed:
		return true
	case domain.CircuitOpen:
		if b.clk.Now().Sub(s.openedAt) > b.cooldown {
			s.state = domain.CircuitHalfOpen
			return true
		}
		return false
	case domain.CircuitHalfOpen:
		return true
	default:
		return true
	}
}

// RecordSuccess reports a successful call to provider.
func (b *Breaker) RecordSuccess(provider domain.Provider) {
	s := b.stateFor(provider)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case domain.CircuitHalfOpen:
		s.state = domain.CircuitClosed
		s.failureCount = 0
		s.consecutiveSuccesses = 0
	case domain.CircuitClosed:
		s.failureCount = 0
		s.consecutiveSuccesses++
	}
}

// RecordFailure reports a failed call to provider. A half-open probe
// failure reopens the circuit immediately; a closed-state failure opens
// the circuit once the threshold is reached.
func (b *Breaker) RecordFailure(provider domain.Provider) {
	s := b.stateFor(provider)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := b.clk.Now()
	s.lastFailureAt = now
	s.consecutiveSuccesses = 0

	switch s.state {
	case domain.CircuitHalfOpen:
		s.state = domain.CircuitOpen
		s.openedAt = now
	case domain.CircuitClosed:
		s.failureCount++
		if s.failureCount >= b.threshold {
			s.state = domain.CircuitOpen
			s.openedAt = now
		}
	}
}

// State returns a snapshot of provider's circuit, for admin/health queries.
func (b *Breaker) State(provider domain.Provider) domain.CircuitBreakerState {
	s := b.stateFor(provider)
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.CircuitBreakerState{
		Provider:    provider,
		Failures:    s.failureCount,
		LastFailure: s.lastFailureAt,
		State:       s.state,
		OpenUntil:   s.openedAt.Add(b.cooldown),
	}
}

// Reset forces provider's circuit back to closed, e.g. for an admin
// manual-recovery operation.
func (b *Breaker) Reset(provider domain.Provider) {
	s := b.stateFor(provider)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = domain.CircuitClosed
	s.failureCount = 0
	s.consecutiveSuccesses = 0
}

// Trip forces provider's circuit open immediately, bypassing the normal
// failure-threshold accounting. Used by the emergency rollback path, which
// must stop traffic to every provider on a single bad window rather than
// wait for each one's breaker to accumulate failures independently.
func (b *Breaker) Trip(provider domain.Provider) {
	s := b.stateFor(provider)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = domain.CircuitOpen
	s.openedAt = b.clk.Now()
}
