package ratelimit

import (
	"github.com/quantumnic/mcpd-core/clock"
)

// KeyedConfig configures a Keyed limiter pool.
type KeyedConfig struct {
	// MaxKeys bounds the number of distinct keyed buckets held at once.
	// Default: 32 — spec.md §4.1 notes that a linear scan over a pool
	// this small is cheaper than hashing.
	MaxKeys int

	// BucketConfig is applied to every bucket created in the pool.
	BucketConfig Config
}

type slot struct {
	key    string
	bucket *Bucket
	inUse  bool
}

// Keyed is the bounded, linearly-scanned per-key rate-limiter pool from
// spec.md §3 (KeyedRateLimiter) and §4.1.
type Keyed struct {
	clk      clock.Clock
	cfg      KeyedConfig
	slots    []slot
	evicted  uint64
}

// NewKeyed creates a Keyed pool bound to clk.
func NewKeyed(clk clock.Clock, cfg KeyedConfig) *Keyed {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 32
	}
	return &Keyed{
		clk:   clk,
		cfg:   cfg,
		slots: make([]slot, 0, cfg.MaxKeys),
	}
}

// truncateKey bounds a key to MaxKeyLen, matching the fixed-size buffer
// the spec's reference implementation uses.
func truncateKey(key string) string {
	if len(key) > MaxKeyLen {
		return key[:MaxKeyLen]
	}
	return key
}

// TryAcquire attempts to consume cost tokens from the bucket for key,
// creating one (evicting the least-recently-accessed bucket if the pool
// is full) if it doesn't already exist.
func (k *Keyed) TryAcquire(key string, cost float64) Decision {
	key = truncateKey(key)
	b := k.getOrCreate(key)
	return b.TryAcquire(cost)
}

func (k *Keyed) getOrCreate(key string) *Bucket {
	for i := range k.slots {
		if k.slots[i].key == key {
			return k.slots[i].bucket
		}
	}

	b := New(k.clk, k.cfg.BucketConfig)

	if len(k.slots) < k.cfg.MaxKeys {
		k.slots = append(k.slots, slot{key: key, bucket: b})
		return b
	}

	// Pool full: evict the slot with the smallest lastAccessMS.
	evictIdx := 0
	minAccess := k.slots[0].bucket.lastAccessMS
	for i := 1; i < len(k.slots); i++ {
		if clock.Before(k.slots[i].bucket.lastAccessMS, minAccess) {
			minAccess = k.slots[i].bucket.lastAccessMS
			evictIdx = i
		}
	}
	k.evicted++
	k.slots[evictIdx] = slot{key: key, bucket: b}
	return b
}

// Reconfigure updates cfg.BucketConfig and applies it to every existing
// bucket in the pool, resetting each to full per spec.md §4.1 — existing
// entries are not purged, only their limits change.
func (k *Keyed) Reconfigure(bucketCfg Config) {
	k.cfg.BucketConfig = bucketCfg
	for i := range k.slots {
		k.slots[i].bucket.Reconfigure(bucketCfg)
	}
}

// ActiveKeys returns the number of distinct keys currently tracked.
func (k *Keyed) ActiveKeys() int {
	return len(k.slots)
}

// KeyedStats is the diagnostic projection for the keyed pool.
type KeyedStats struct {
	ActiveKeys int    `json:"activeKeys"`
	MaxKeys    int    `json:"maxKeys"`
	Evictions  uint64 `json:"evictions"`
}

// Snapshot returns the current diagnostic projection.
func (k *Keyed) Snapshot() KeyedStats {
	return KeyedStats{
		ActiveKeys: len(k.slots),
		MaxKeys:    k.cfg.MaxKeys,
		Evictions:  k.evicted,
	}
}

// BucketSnapshot returns the per-bucket stats for key, if it exists.
func (k *Keyed) BucketSnapshot(key string) (Stats, bool) {
	key = truncateKey(key)
	for i := range k.slots {
		if k.slots[i].key == key {
			return k.slots[i].bucket.Snapshot(), true
		}
	}
	return Stats{}, false
}
