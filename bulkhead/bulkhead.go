// Package bulkhead implements a named concurrency gate used to cap
// in-flight work — the session manager's concurrency cap (spec.md §1
// item 5) and the task manager's async-handler fan-out both sit behind
// one of these. Grounded on the teacher's resilience.Bulkhead
// (resilience/bulkhead.go), generalized from a raw buffered-channel
// semaphore to golang.org/x/sync/semaphore.Weighted so a caller can
// acquire more than one unit of capacity at once (a task that reserves
// several worker slots, for instance) instead of only ever 1.
package bulkhead

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Config configures a Bulkhead.
type Config struct {
	// MaxConcurrent is the total weight available. Default: 10.
	MaxConcurrent int64
}

// Bulkhead limits concurrent weighted work via a weighted semaphore.
type Bulkhead struct {
	sem *semaphore.Weighted
	cap int64

	mu        sync.Mutex
	active    int64
	maxActive int64
	rejected  uint64
}

// New creates a Bulkhead.
func New(cfg Config) *Bulkhead {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	return &Bulkhead{sem: semaphore.NewWeighted(cfg.MaxConcurrent), cap: cfg.MaxConcurrent}
}

// TryAcquire attempts to reserve weight units without blocking.
func (b *Bulkhead) TryAcquire(weight int64) bool {
	if !b.sem.TryAcquire(weight) {
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		return false
	}
	b.mu.Lock()
	b.active += weight
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.mu.Unlock()
	return true
}

// Acquire blocks until weight units are available or ctx is done.
func (b *Bulkhead) Acquire(ctx context.Context, weight int64) error {
	if err := b.sem.Acquire(ctx, weight); err != nil {
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		return err
	}
	b.mu.Lock()
	b.active += weight
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.mu.Unlock()
	return nil
}

// Release returns weight units to the pool.
func (b *Bulkhead) Release(weight int64) {
	b.sem.Release(weight)
	b.mu.Lock()
	b.active -= weight
	b.mu.Unlock()
}

// Metrics is the diagnostic projection for a Bulkhead.
type Metrics struct {
	Active        int64  `json:"active"`
	MaxActive     int64  `json:"maxActive"`
	Available     int64  `json:"available"`
	MaxConcurrent int64  `json:"maxConcurrent"`
	Rejected      uint64 `json:"rejected"`
}

// Snapshot returns the current diagnostic projection.
func (b *Bulkhead) Snapshot() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Metrics{
		Active:        b.active,
		MaxActive:     b.maxActive,
		Available:     b.cap - b.active,
		MaxConcurrent: b.cap,
		Rejected:      b.rejected,
	}
}
