// Package session implements the session manager from spec.md §3/§4.5:
// a bounded, idle-timeout-pruned set of sessions addressed by 128-bit
// hex ids, with eviction-by-greatest-idle when the active set is full.
// Grounded on mattsp1290-ag-ui's session_manager.go for the
// crypto-RNG-backed id generation and idle-bookkeeping shape, redriven
// through this module's own clock.Clock/rng.Source abstractions instead
// of time.Now()/crypto/rand called inline.
package session

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/quantumnic/mcpd-core/bulkhead"
	"github.com/quantumnic/mcpd-core/clock"
	"github.com/quantumnic/mcpd-core/rng"
)

// Session is a single tracked client session (spec.md §3).
type Session struct {
	ID           string
	ClientName   string
	CreatedAtMS  uint32
	LastActivity uint32
	Initialized  bool
}

// Config configures a Manager.
type Config struct {
	// MaxSessions bounds the active set. Default: 16.
	MaxSessions int

	// IdleTimeoutMS is the idle duration after which Prune removes a
	// session. 0 disables idle pruning. Default: 0.
	IdleTimeoutMS uint32

	// MaxConcurrentRequests bounds how many requests across all sessions
	// may be in flight at once (spec.md §1 item 5's "concurrency caps"),
	// enforced by a bulkhead.Bulkhead rather than the session set's own
	// size. Default: 32.
	MaxConcurrentRequests int64
}

// Manager owns the bounded session store (spec.md §3 SessionManager).
type Manager struct {
	mu       sync.Mutex
	clk      clock.Clock
	rngSrc   rng.Source
	cfg      Config
	sessions map[string]*Session
	gate     *bulkhead.Bulkhead

	creates   uint64
	evictions uint64
	refusals  uint64
}

// New creates a Manager bound to clk/rngSrc.
func New(clk clock.Clock, rngSrc rng.Source, cfg Config) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 16
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 32
	}
	return &Manager{
		clk:      clk,
		rngSrc:   rngSrc,
		cfg:      cfg,
		sessions: make(map[string]*Session),
		gate:     bulkhead.New(bulkhead.Config{MaxConcurrent: cfg.MaxConcurrentRequests}),
	}
}

// AcquireRequestSlot reserves one unit of request concurrency without
// blocking. The dispatch package does not acquire request slots.
func (m *Manager) AcquireRequestSlot() bool {
	return m.gate.TryAcquire(1)
}

// ReleaseRequestSlot returns the unit reserved by AcquireRequestSlot.
func (m *Manager) ReleaseRequestSlot() {
	m.gate.Release(1)
}

// WaitRequestSlot blocks until a unit of request concurrency is
// available or ctx is done.
func (m *Manager) WaitRequestSlot(ctx context.Context) error {
	return m.gate.Acquire(ctx, 1)
}

// ConcurrencyMetrics returns the request-concurrency gate's diagnostic
// projection.
func (m *Manager) ConcurrencyMetrics() bulkhead.Metrics {
	return m.gate.Snapshot()
}

// newID mints 16 bytes of entropy rendered as 32 lowercase hex
// characters (spec.md §4.5). Uniqueness is assumed statistically; the
// manager does not check collisions (spec.md §9: the source ignores
// this case and we carry that decision forward rather than guess at a
// stronger collision policy it never specifies).
func (m *Manager) newID() string {
	var buf [16]byte
	m.rngSrc.Bytes(buf[:])
	return hex.EncodeToString(buf[:])
}

// Create mints a new session for clientName. If the active set is full,
// it prunes expired sessions first; if still full, it evicts the
// session with the greatest idle time; if every session is perfectly
// active (idle == 0), it refuses and returns ("", false).
func (m *Manager) Create(clientName string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.MaxSessions {
		m.pruneLocked()
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		if !m.evictGreatestIdleLocked() {
			m.refusals++
			return "", false
		}
	}

	now := m.clk.NowMS()
	id := m.newID()
	m.sessions[id] = &Session{
		ID:           id,
		ClientName:   clientName,
		CreatedAtMS:  now,
		LastActivity: now,
	}
	m.creates++
	return id, true
}

// evictGreatestIdleLocked evicts the session with the largest idle time.
// Returns false if every session has idle == 0 (nothing can be evicted).
func (m *Manager) evictGreatestIdleLocked() bool {
	now := m.clk.NowMS()
	var victim string
	var maxIdle uint32
	found := false
	for id, s := range m.sessions {
		idle := clock.Elapsed(now, s.LastActivity)
		if !found || idle > maxIdle {
			maxIdle = idle
			victim = id
			found = true
		}
	}
	if !found || maxIdle == 0 {
		return false
	}
	delete(m.sessions, victim)
	m.evictions++
	return true
}

// Validate reports whether id is a live session, touching LastActivity
// on a hit.
func (m *Manager) Validate(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.LastActivity = m.clk.NowMS()
	return true
}

// MarkInitialized flags id as having completed its handshake.
func (m *Manager) MarkInitialized(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false
	}
	s.Initialized = true
	return true
}

// Get returns a copy of the session, if known. Does not touch activity.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// End removes id unconditionally.
func (m *Manager) End(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// Prune removes every session whose idle time exceeds IdleTimeoutMS,
// when IdleTimeoutMS > 0. Returns the number removed.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked()
}

func (m *Manager) pruneLocked() int {
	if m.cfg.IdleTimeoutMS == 0 {
		return 0
	}
	now := m.clk.NowMS()
	removed := 0
	for id, s := range m.sessions {
		if clock.Elapsed(now, s.LastActivity) > m.cfg.IdleTimeoutMS {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}

// ActiveCount returns the number of currently tracked sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats is the diagnostic projection for the manager.
type Stats struct {
	ActiveCount int    `json:"activeCount"`
	MaxSessions int    `json:"maxSessions"`
	Creates     uint64 `json:"creates"`
	Evictions   uint64 `json:"evictions"`
	Refusals    uint64 `json:"refusals"`
}

// Snapshot returns the current diagnostic projection.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveCount: len(m.sessions),
		MaxSessions: m.cfg.MaxSessions,
		Creates:     m.creates,
		Evictions:   m.evictions,
		Refusals:    m.refusals,
	}
}
