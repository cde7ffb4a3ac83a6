// Package state implements the K/V store with TTL and change listeners
// listed as a core dependency in spec.md §2's component table. It is
// grounded on the lazy-expiry discipline of the teacher's
// cache.MemoryCache: entries expire lazily on access or during
// PurgeExpired, never via a background timer of their own.
package state

import (
	"sync"

	"github.com/quantumnic/mcpd-core/clock"
)

// ChangeKind describes why a listener was notified.
type ChangeKind int

const (
	// Set fires when a key is created or overwritten.
	Set ChangeKind = iota
	// Deleted fires when a key is explicitly removed.
	Deleted
	// Expired fires when a key is removed because its TTL elapsed.
	Expired
)

// Change describes a single mutation delivered to listeners.
type Change struct {
	Key   string
	Value []byte
	Kind  ChangeKind
}

// Listener is notified synchronously on every Set/Delete/expiry. Per the
// non-reentrancy contract shared by every bounded pool in this core
// (spec.md §5), a listener must not call back into the owning Store.
type Listener func(Change)

type entry struct {
	value     []byte
	expiresAt uint32 // meaningful only when hasExpiry is true
	hasExpiry bool
}

// Store is a thread-safe, TTL-aware key/value store.
type Store struct {
	mu          sync.Mutex
	clk         clock.Clock
	entries     map[string]entry
	listeners   []namedListener
	nextLID     uint64
	listenerErr uint64
}

type namedListener struct {
	id uint64
	fn Listener
}

// New creates a Store bound to clk.
func New(clk clock.Clock) *Store {
	return &Store{
		clk:     clk,
		entries: make(map[string]entry),
	}
}

// Set stores value under key. If ttlMS is 0, the key never expires on its
// own (it is still subject to explicit Delete).
func (s *Store) Set(key string, value []byte, ttlMS uint32) {
	s.mu.Lock()
	e := entry{value: value}
	if ttlMS > 0 {
		e.hasExpiry = true
		e.expiresAt = s.clk.NowMS() + ttlMS
	}
	s.entries[key] = e
	listeners := append([]namedListener(nil), s.listeners...)
	s.mu.Unlock()

	s.notify(listeners, Change{Key: key, Value: value, Kind: Set})
}

// Get retrieves the value for key. Returns (nil, false) on miss or if the
// entry's TTL has lazily expired (in which case it is evicted and an
// Expired notification fires).
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return nil, false
	}
	if e.hasExpiry && !clock.Before(s.clk.NowMS(), e.expiresAt) {
		delete(s.entries, key)
		listeners := append([]namedListener(nil), s.listeners...)
		s.mu.Unlock()
		s.notify(listeners, Change{Key: key, Value: e.value, Kind: Expired})
		return nil, false
	}
	s.mu.Unlock()
	return e.value, true
}

// Delete removes key, firing a Deleted notification if it was present.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.entries, key)
	listeners := append([]namedListener(nil), s.listeners...)
	s.mu.Unlock()
	s.notify(listeners, Change{Key: key, Value: e.value, Kind: Deleted})
}

// PurgeExpired scans every entry and evicts those whose TTL has elapsed,
// firing an Expired notification for each. It is a bounded-time scan
// intended to run from the same cooperative tick as the rest of the core
// (spec.md §5) rather than a background goroutine.
func (s *Store) PurgeExpired() int {
	now := s.clk.NowMS()

	s.mu.Lock()
	var expired []Change
	for k, e := range s.entries {
		if e.hasExpiry && !clock.Before(now, e.expiresAt) {
			expired = append(expired, Change{Key: k, Value: e.value, Kind: Expired})
			delete(s.entries, k)
		}
	}
	listeners := append([]namedListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, c := range expired {
		s.notify(listeners, c)
	}
	return len(expired)
}

// AddListener registers fn to be called on every future Set/Delete/expiry.
func (s *Store) AddListener(fn Listener) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLID++
	id := s.nextLID
	s.listeners = append(s.listeners, namedListener{id: id, fn: fn})
	return id
}

// RemoveListener removes a previously registered listener by handle.
func (s *Store) RemoveListener(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if l.id == id {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Store) notify(listeners []namedListener, c Change) {
	for _, l := range listeners {
		s.invoke(l.fn, c)
	}
}

func (s *Store) invoke(fn Listener, c Change) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.Lock()
			s.listenerErr++
			s.mu.Unlock()
		}
	}()
	fn(c)
}

// Len returns the number of entries currently stored (including any not
// yet lazily expired).
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats is the diagnostic projection for this component.
type Stats struct {
	EntryCount    int    `json:"entryCount"`
	ListenerCount int    `json:"listenerCount"`
	ListenerErrs  uint64 `json:"listenerErrors"`
}

// Snapshot returns the current diagnostic projection.
func (s *Store) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		EntryCount:    len(s.entries),
		ListenerCount: len(s.listeners),
		ListenerErrs:  s.listenerErr,
	}
}
