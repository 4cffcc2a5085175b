// Package circuitbreaker implements the three-state per-agent failure
// breaker the Agent Manager consults before dispatching a call: Closed,
// Open, and HalfOpen. The mutex-guarded-struct shape and test-hook style
// (ForceOpen) follow the pack's hand-rolled breaker in
// internal/capture/circuit_breaker.go, generalized from its single
// rate-based condition to the three-state machine spec 4.4 describes.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config parameterizes a Breaker.
type Config struct {
	// FailureThreshold is the number of failures, counted since the last
	// success, that trips Closed -> Open. Failures do not expire with
	// time; only a success or a trip resets the count.
	FailureThreshold int
	// OpenDuration is how long the breaker stays Open before allowing a
	// half-open trial.
	OpenDuration time.Duration
	// HalfOpenTrialCount is how many consecutive successes in HalfOpen
	// are required to return to Closed. A single failure in HalfOpen
	// re-opens the breaker immediately.
	HalfOpenTrialCount int
}

// DefaultConfig returns reasonable defaults: 5 failures trips the
// breaker, it stays open for 30s, and 2 consecutive half-open successes
// close it again.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, OpenDuration: 30 * time.Second, HalfOpenTrialCount: 2}
}

// Breaker is a per-agent circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu              sync.Mutex
	state           State
	failureCount    int
	openedAt        time.Time
	halfOpenSuccess int
}

// New creates a Breaker starting Closed.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call should be dispatched right now. It also
// performs the Open -> HalfOpen transition when OpenDuration has
// elapsed, so callers only need to call Allow once per attempt.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = HalfOpen
			b.halfOpenSuccess = 0
			return true
		}
		return false
	default:
		return true
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordSuccess resets failure accounting. In HalfOpen it counts a trial
// success, closing the breaker once HalfOpenTrialCount is reached.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.HalfOpenTrialCount {
			b.state = Closed
			b.failureCount = 0
		}
	default:
		b.failureCount = 0
	}
}

// RecordFailure counts a failure. In Closed it may trip the breaker
// open; in HalfOpen any failure re-opens it immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordFailureLocked()
}

// RecordTimeout counts identically to RecordFailure: spec 4.4 states
// both record_failure and record_timeout count as failures.
func (b *Breaker) RecordTimeout() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordFailureLocked()
}

func (b *Breaker) recordFailureLocked() {
	switch b.state {
	case HalfOpen:
		b.trip()
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = time.Now()
	b.failureCount = 0
	b.halfOpenSuccess = 0
}

// ForceOpen trips the breaker open immediately, for tests.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip()
}

// Reset returns the breaker to a fresh Closed state, for tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failureCount = 0
	b.halfOpenSuccess = 0
}
