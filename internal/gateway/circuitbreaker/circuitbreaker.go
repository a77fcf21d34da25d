// Package circuitbreaker guards outbound provider calls per rail. A rail that
// keeps failing trips open and surfaces as provider-unavailable without a
// network call until a probe succeeds.
package circuitbreaker

import (
	"sync"
	"time"
)

// State of one rail's circuit.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// Config tunes the breaker. Zero values get defaults.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// OpenTimeout is how long an open circuit waits before probing.
	OpenTimeout time.Duration
	// HalfOpenSuccesses is how many consecutive probe successes close it again.
	HalfOpenSuccesses int
}

type railState struct {
	state     State
	failures  int
	successes int
	openUntil time.Time
}

// Breaker tracks circuit state per rail key.
type Breaker struct {
	mu    sync.Mutex
	rails map[string]*railState
	cfg   Config
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenSuccesses <= 0 {
		cfg.HalfOpenSuccesses = 2
	}
	return &Breaker{rails: make(map[string]*railState), cfg: cfg}
}

func (b *Breaker) rail(key string) *railState {
	rs, ok := b.rails[key]
	if !ok {
		rs = &railState{state: Closed}
		b.rails[key] = rs
	}
	return rs
}

// Allow reports whether a call to the rail may proceed. An open circuit past
// its timeout transitions to half-open and allows the probe.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs := b.rail(key)
	switch rs.state {
	case Open:
		if time.Now().After(rs.openUntil) {
			rs.state = HalfOpen
			rs.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordFailure notes a failed call; enough consecutive failures open the
// circuit, and any failure while half-open re-opens it immediately.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs := b.rail(key)
	switch rs.state {
	case Closed:
		rs.failures++
		if rs.failures >= b.cfg.FailureThreshold {
			rs.state = Open
			rs.openUntil = time.Now().Add(b.cfg.OpenTimeout)
		}
	case HalfOpen:
		rs.state = Open
		rs.openUntil = time.Now().Add(b.cfg.OpenTimeout)
		rs.failures = 0
		rs.successes = 0
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs := b.rail(key)
	switch rs.state {
	case Closed:
		rs.failures = 0
	case HalfOpen:
		rs.successes++
		if rs.successes >= b.cfg.HalfOpenSuccesses {
			rs.state = Closed
			rs.failures = 0
			rs.successes = 0
		}
	}
}

// CurrentState reads a rail's state without transitioning it.
func (b *Breaker) CurrentState(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs, ok := b.rails[key]
	if !ok {
		return Closed
	}
	return rs.state
}
