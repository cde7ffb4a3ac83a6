// Package circuit implements the per-key circuit breaker state machine
// from spec.md §3/§4.2, grounded on the teacher's resilience.CircuitBreaker
// (resilience/circuit.go) but split into the AllowRequest / RecordSuccess
// / RecordFailure three-call shape the dispatch pipeline in spec.md §4.8
// drives directly, rather than a single Execute wrapper — the executor
// (package retry) sits between the two in the real pipeline, so the
// breaker can't own the call itself.
package circuit

import (
	"sync"

	"github.com/quantumnic/mcpd-core/clock"
)

// State is one of the three circuit-breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker from Closed to Open. Default: 5.
	FailureThreshold int

	// RecoveryTimeoutMS is how long the breaker stays Open before
	// allowing a single probe request. Default: 30000.
	RecoveryTimeoutMS uint32

	// HalfOpenSuccessThreshold is the number of consecutive successful
	// probes required to close the breaker again. Default: 1.
	HalfOpenSuccessThreshold int

	// OnStateChange, if set, is fired on every state transition — never
	// on a no-op call (spec.md §4.2).
	OnStateChange func(key string, from, to State)
}

// Breaker is a single named circuit breaker.
type Breaker struct {
	mu  sync.Mutex
	clk clock.Clock
	key string
	cfg Config

	state             State
	failureCount      int
	successCount      int
	lastFailureMS     uint32
	lastStateChangeMS uint32
	probeInFlight     bool

	totalFailures  uint64
	totalSuccesses uint64
	totalRejected  uint64
	totalTrips     uint64

	lastAccessMS uint32
}

// New creates a Breaker for key, starting Closed.
func New(clk clock.Clock, key string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeoutMS <= 0 {
		cfg.RecoveryTimeoutMS = 30_000
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = 1
	}
	now := clk.NowMS()
	return &Breaker{
		clk:               clk,
		key:               key,
		cfg:               cfg,
		state:             Closed,
		lastStateChangeMS: now,
		lastAccessMS:      now,
	}
}

// State returns the current state, first applying the Open->HalfOpen
// timeout transition if due.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecoveryLocked()
	return b.state
}

// AllowRequest reports whether a request may proceed, applying state
// transitions as a side effect (Open->HalfOpen once the recovery timeout
// elapses; the call that crosses that threshold is itself the probe).
func (b *Breaker) AllowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.NowMS()
	b.lastAccessMS = now
	b.checkRecoveryLocked()

	switch b.state {
	case Closed:
		return true
	case Open:
		b.totalRejected++
		return false
	case HalfOpen:
		if b.probeInFlight {
			b.totalRejected++
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++

	switch b.state {
	case Closed:
		b.failureCount = 0
	case HalfOpen:
		b.successCount++
		b.probeInFlight = false
		if b.successCount >= b.cfg.HalfOpenSuccessThreshold {
			b.transitionLocked(Closed)
			b.failureCount = 0
			b.successCount = 0
		}
	case Open:
		// Should not happen under the dispatch pipeline's contract
		// (a rejected request never reaches RecordSuccess), but is a
		// harmless no-op if it does.
	}
}

// RecordFailure records a failed call outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	now := b.clk.NowMS()

	switch b.state {
	case Closed:
		b.failureCount++
		b.lastFailureMS = now
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(Open)
			b.totalTrips++
		}
	case HalfOpen:
		b.lastFailureMS = now
		b.probeInFlight = false
		b.successCount = 0
		b.transitionLocked(Open)
		b.totalTrips++
	case Open:
		// no-op
	}
}

// RetryAfterMS returns the recommended wait before retrying, or 0 if the
// breaker is not Open.
func (b *Breaker) RetryAfterMS() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.checkRecoveryLocked()
	if b.state != Open {
		return 0
	}
	elapsed := clock.Elapsed(b.clk.NowMS(), b.lastFailureMS)
	if elapsed >= b.cfg.RecoveryTimeoutMS {
		return 0
	}
	return b.cfg.RecoveryTimeoutMS - elapsed
}

// Reset forces the breaker back to Closed, clearing the consecutive
// failure/success counts. Cumulative totals (failures, successes,
// rejected, trips) are kept.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
	b.transitionLocked(Closed)
}

func (b *Breaker) checkRecoveryLocked() {
	if b.state == Open && clock.Elapsed(b.clk.NowMS(), b.lastFailureMS) >= b.cfg.RecoveryTimeoutMS {
		b.probeInFlight = false
		b.successCount = 0
		b.transitionLocked(HalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChangeMS = b.clk.NowMS()
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.key, from, to)
	}
}

// Stats is the diagnostic projection for a single breaker.
type Stats struct {
	Key               string `json:"key"`
	State             string `json:"state"`
	FailureCount      int    `json:"failureCount"`
	SuccessCount      int    `json:"successCount"`
	TotalFailures     uint64 `json:"totalFailures"`
	TotalSuccesses    uint64 `json:"totalSuccesses"`
	TotalRejected     uint64 `json:"totalRejected"`
	TripCount         uint64 `json:"tripCount"`
	LastStateChangeMS uint32 `json:"lastStateChangeMs"`
}

// Snapshot returns the current diagnostic projection.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkRecoveryLocked()
	return Stats{
		Key:               b.key,
		State:             b.state.String(),
		FailureCount:      b.failureCount,
		SuccessCount:      b.successCount,
		TotalFailures:     b.totalFailures,
		TotalSuccesses:    b.totalSuccesses,
		TotalRejected:     b.totalRejected,
		TripCount:         b.totalTrips,
		LastStateChangeMS: b.lastStateChangeMS,
	}
}
