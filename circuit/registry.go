package circuit

import (
	"github.com/quantumnic/mcpd-core/clock"
)

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// MaxBreakers bounds the number of distinct breakers held at once.
	// Default: 16 (spec.md §4.2).
	MaxBreakers int

	// BreakerConfig is applied to every breaker the registry creates.
	BreakerConfig Config

	// OnStateChange, if set, is propagated to every breaker's Config and
	// fires for any breaker's transition, tagged by its key.
	OnStateChange func(key string, from, to State)
}

type regSlot struct {
	key     string
	breaker *Breaker
}

// Registry is the bounded, LRU-evicted pool of named breakers from
// spec.md §3 (CircuitBreakerRegistry), grounded on the same linear-scan
// discipline as ratelimit.Keyed.
type Registry struct {
	clk     clock.Clock
	cfg     RegistryConfig
	slots   []regSlot
	evicted uint64
}

// NewRegistry creates a Registry bound to clk.
func NewRegistry(clk clock.Clock, cfg RegistryConfig) *Registry {
	if cfg.MaxBreakers <= 0 {
		cfg.MaxBreakers = 16
	}
	return &Registry{
		clk:   clk,
		cfg:   cfg,
		slots: make([]regSlot, 0, cfg.MaxBreakers),
	}
}

// Get returns the breaker for key, creating one (evicting the
// least-recently-accessed breaker if the pool is full) if it doesn't
// already exist.
func (r *Registry) Get(key string) *Breaker {
	for i := range r.slots {
		if r.slots[i].key == key {
			return r.slots[i].breaker
		}
	}

	bc := r.cfg.BreakerConfig
	bc.OnStateChange = r.cfg.OnStateChange
	b := New(r.clk, key, bc)

	if len(r.slots) < r.cfg.MaxBreakers {
		r.slots = append(r.slots, regSlot{key: key, breaker: b})
		return b
	}

	evictIdx := 0
	minAccess := r.slots[0].breaker.lastAccessMS
	for i := 1; i < len(r.slots); i++ {
		if clock.Before(r.slots[i].breaker.lastAccessMS, minAccess) {
			minAccess = r.slots[i].breaker.lastAccessMS
			evictIdx = i
		}
	}
	r.evicted++
	r.slots[evictIdx] = regSlot{key: key, breaker: b}
	return b
}

// ActiveBreakers returns the number of distinct keys currently tracked.
func (r *Registry) ActiveBreakers() int {
	return len(r.slots)
}

// RegistryStats is the diagnostic projection for the registry.
type RegistryStats struct {
	ActiveBreakers int    `json:"activeBreakers"`
	MaxBreakers    int    `json:"maxBreakers"`
	Evictions      uint64 `json:"evictions"`
}

// Snapshot returns the current diagnostic projection.
func (r *Registry) Snapshot() RegistryStats {
	return RegistryStats{
		ActiveBreakers: len(r.slots),
		MaxBreakers:    r.cfg.MaxBreakers,
		Evictions:      r.evicted,
	}
}

// BreakerSnapshot returns the per-breaker stats for key, if it exists.
func (r *Registry) BreakerSnapshot(key string) (Stats, bool) {
	for i := range r.slots {
		if r.slots[i].key == key {
			return r.slots[i].breaker.Snapshot(), true
		}
	}
	return Stats{}, false
}
