package retry

import (
	"github.com/quantumnic/mcpd-core/clock"
	"github.com/quantumnic/mcpd-core/rng"
)

// PolicyRegistryConfig configures a PolicyRegistry.
type PolicyRegistryConfig struct {
	// MaxPolicies bounds the number of distinct named policies held at
	// once. Default: 16.
	MaxPolicies int
}

type policySlot struct {
	key          string
	policy       Policy
	executor     *Executor
	lastAccessMS uint32
}

// PolicyRegistry is the bounded, LRU-evicted pool of named retry policies
// from spec.md §4.3 ("Policy registry. Named policies with LRU eviction
// and accumulated per-policy stats").
type PolicyRegistry struct {
	clk     clock.Clock
	rngSrc  rng.Source
	sleeper Sleeper
	cfg     PolicyRegistryConfig
	slots   []policySlot
	evicted uint64
}

// NewPolicyRegistry creates a PolicyRegistry bound to clk/rngSrc.
func NewPolicyRegistry(clk clock.Clock, rngSrc rng.Source, sleeper Sleeper, cfg PolicyRegistryConfig) *PolicyRegistry {
	if cfg.MaxPolicies <= 0 {
		cfg.MaxPolicies = 16
	}
	return &PolicyRegistry{
		clk:     clk,
		rngSrc:  rngSrc,
		sleeper: sleeper,
		cfg:     cfg,
		slots:   make([]policySlot, 0, cfg.MaxPolicies),
	}
}

// Register stores (or replaces) the named policy.
func (r *PolicyRegistry) Register(key string, p Policy) {
	now := r.clk.NowMS()
	for i := range r.slots {
		if r.slots[i].key == key {
			r.slots[i].policy = p
			r.slots[i].lastAccessMS = now
			return
		}
	}

	slot := policySlot{
		key:          key,
		policy:       p,
		executor:     New(r.clk, r.rngSrc, r.sleeper),
		lastAccessMS: now,
	}

	if len(r.slots) < r.cfg.MaxPolicies {
		r.slots = append(r.slots, slot)
		return
	}

	evictIdx := 0
	minAccess := r.slots[0].lastAccessMS
	for i := 1; i < len(r.slots); i++ {
		if clock.Before(r.slots[i].lastAccessMS, minAccess) {
			minAccess = r.slots[i].lastAccessMS
			evictIdx = i
		}
	}
	r.evicted++
	r.slots[evictIdx] = slot
}

// Execute runs op under the named policy if registered, else under
// fallback, merging the outcome into the named entry's stats when one
// exists (spec.md §4.3).
func (r *PolicyRegistry) Execute(key string, fallback Policy, op Op) Result {
	now := r.clk.NowMS()
	for i := range r.slots {
		if r.slots[i].key == key {
			r.slots[i].lastAccessMS = now
			return r.slots[i].executor.Execute(r.slots[i].policy, op)
		}
	}
	return New(r.clk, r.rngSrc, r.sleeper).Execute(fallback, op)
}

// ActivePolicies returns the number of distinct named policies tracked.
func (r *PolicyRegistry) ActivePolicies() int {
	return len(r.slots)
}

// PolicyStats returns the accumulated stats for the named policy, if
// registered.
func (r *PolicyRegistry) PolicyStats(key string) (Stats, bool) {
	for i := range r.slots {
		if r.slots[i].key == key {
			return r.slots[i].executor.Stats(), true
		}
	}
	return Stats{}, false
}
