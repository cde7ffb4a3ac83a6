// Package ratelimit implements the token-bucket rate limiter from
// spec.md §3/§4.1: a lazily-refilled bucket with an optional bounded,
// linearly-scanned keyed pool on top, grounded on the teacher's
// resilience.RateLimiter (resilience/ratelimit.go) but driven by an
// injected clock.Clock instead of time.Now(), and returning a denial
// outcome instead of blocking — spec.md §4.1 treats denial as a
// signaling outcome, not an error, so Execute-style blocking wait has no
// place here; the dispatcher is the one that decides what a denial means.
package ratelimit

import (
	"math"

	"github.com/quantumnic/mcpd-core/clock"
)

// MaxKeyLen bounds a rate-limit key to 31 bytes, leaving room for the
// terminator in the 32-byte fixed-size C analogue this spec is modeled
// on (spec.md §3).
const MaxKeyLen = 31

// Decision is the outcome of TryAcquire.
type Decision struct {
	Allowed      bool
	RetryAfterMS uint32
}

// Config configures a Bucket.
type Config struct {
	// Capacity is the maximum number of tokens the bucket can hold.
	// Default: 10.
	Capacity float64

	// RatePerSec is the refill rate in tokens per second. Default: 1.
	RatePerSec float64

	// Disabled, when true, makes every TryAcquire call return Allowed
	// unconditionally without mutating any counters.
	Disabled bool
}

// Bucket is a single token bucket (spec.md §3 RateBucket).
type Bucket struct {
	clk clock.Clock
	cfg Config

	tokens       float64
	lastRefillMS uint32
	lastAccessMS uint32
	allowed      uint64
	denied       uint64
}

// New creates a Bucket starting full, bound to clk.
func New(clk clock.Clock, cfg Config) *Bucket {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	return &Bucket{
		clk:          clk,
		cfg:          cfg,
		tokens:       cfg.Capacity,
		lastRefillMS: clk.NowMS(),
		lastAccessMS: clk.NowMS(),
	}
}

// Reconfigure updates the bucket's capacity/rate and resets tokens to the
// new capacity, per spec.md §4.1 ("Configuration changes reset bucket
// tokens to capacity but do not purge existing entries" — for the
// single-bucket case that just means this bucket).
func (b *Bucket) Reconfigure(cfg Config) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 10
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	b.cfg = cfg
	b.tokens = cfg.Capacity
	b.lastRefillMS = b.clk.NowMS()
}

// TryAcquire attempts to consume cost tokens. cost <= 0 always succeeds
// without mutating the bucket. A disabled bucket always succeeds.
func (b *Bucket) TryAcquire(cost float64) Decision {
	now := b.clk.NowMS()
	b.lastAccessMS = now

	if b.cfg.Disabled {
		return Decision{Allowed: true}
	}
	if cost <= 0 {
		return Decision{Allowed: true}
	}

	b.refill(now)

	if b.tokens >= cost {
		b.tokens -= cost
		b.allowed++
		return Decision{Allowed: true}
	}

	b.denied++
	return Decision{Allowed: false, RetryAfterMS: b.retryAfterMS(cost)}
}

func (b *Bucket) refill(now uint32) {
	elapsedMS := clock.Elapsed(now, b.lastRefillMS)
	b.lastRefillMS = now
	b.tokens += float64(elapsedMS) / 1000 * b.cfg.RatePerSec
	if b.tokens > b.cfg.Capacity {
		b.tokens = b.cfg.Capacity
	}
}

// retryAfterMS computes ceil((cost-tokens)/rate*1000)+1, or 0 if the rate
// is non-positive (spec.md §4.1).
func (b *Bucket) retryAfterMS(cost float64) uint32 {
	if b.cfg.RatePerSec <= 0 {
		return 0
	}
	deficit := cost - b.tokens
	ms := math.Ceil(deficit / b.cfg.RatePerSec * 1000)
	return uint32(ms) + 1
}

// Stats is the diagnostic projection for a single bucket.
type Stats struct {
	Tokens       float64 `json:"tokens"`
	Capacity     float64 `json:"capacity"`
	RatePerSec   float64 `json:"ratePerSec"`
	TotalAllowed uint64  `json:"totalAllowed"`
	TotalDenied  uint64  `json:"totalDenied"`
}

// Snapshot returns the current diagnostic projection, refilling first so
// Tokens reflects "now".
func (b *Bucket) Snapshot() Stats {
	b.refill(b.clk.NowMS())
	return Stats{
		Tokens:       b.tokens,
		Capacity:     b.cfg.Capacity,
		RatePerSec:   b.cfg.RatePerSec,
		TotalAllowed: b.allowed,
		TotalDenied:  b.denied,
	}
}
