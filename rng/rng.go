// Package rng provides the pluggable randomness source pinned in spec.md
// §6: random_u32 and random_range, plus the byte-filling primitive the
// session manager uses to mint session identifiers.
package rng

import (
	"crypto/rand"
	"encoding/binary"
	mrand "math/rand/v2"
)

// Source is the external RNG collaborator. The core never seeds or
// reasons about the quality of the randomness it returns — it's treated
// as an opaque platform service, same as Clock.
type Source interface {
	// Uint32 returns a uniformly distributed 32-bit value.
	Uint32() uint32

	// Range returns a uniformly distributed value in [lo, hi). Returns lo
	// if hi <= lo.
	Range(lo, hi uint32) uint32

	// Bytes fills buf with random bytes, e.g. for session-id entropy.
	Bytes(buf []byte)
}

// System is a Source backed by crypto/rand, suitable for production use
// where session identifiers and jitter need to resist prediction.
type System struct{}

// New returns the crypto/rand-backed Source.
func New() Source { return System{} }

func (System) Uint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (s System) Range(lo, hi uint32) uint32 {
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + s.Uint32()%span
}

func (System) Bytes(buf []byte) {
	_, _ = rand.Read(buf)
}

// Deterministic is a seeded, reproducible Source for tests. It is not
// suitable for production use: the whole point is that two Deterministic
// sources built from the same seed produce identical sequences.
type Deterministic struct {
	r *mrand.Rand
}

// NewDeterministic returns a Source seeded for reproducible test runs.
func NewDeterministic(seed uint64) *Deterministic {
	return &Deterministic{r: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (d *Deterministic) Uint32() uint32 {
	return uint32(d.r.Uint64())
}

func (d *Deterministic) Range(lo, hi uint32) uint32 {
	if hi <= lo {
		return lo
	}
	return lo + uint32(d.r.Uint64()%uint64(hi-lo))
}

func (d *Deterministic) Bytes(buf []byte) {
	for i := range buf {
		buf[i] = byte(d.r.Uint64())
	}
}
