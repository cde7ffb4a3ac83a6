// Package clock provides the monotonic millisecond time source every other
// component in this core is driven by. No component consults wall-clock
// time directly — they all take a Clock.
package clock

import "time"

// Clock returns a monotonic millisecond timestamp. Implementations are not
// required to relate to wall-clock time; the core only ever computes
// elapsed durations via Elapsed, which is safe under 32-bit wraparound.
type Clock interface {
	// NowMS returns the current time in milliseconds since some fixed,
	// monotonic epoch (typically process start).
	NowMS() uint32
}

// Elapsed returns now-earlier under unsigned modular arithmetic, so a
// 32-bit wraparound of the underlying counter never produces a spurious
// huge or negative duration. Callers should treat the result as "time
// since earlier", valid as long as the true elapsed time is less than
// about 49.7 days (2^32 ms).
func Elapsed(now, earlier uint32) uint32 {
	return now - earlier
}

// Before reports whether a happened strictly before b, tolerating a single
// wraparound the same way Elapsed does.
func Before(a, b uint32) bool {
	return int32(a-b) < 0
}

// systemClock is a Clock backed by the real monotonic process clock.
type systemClock struct {
	start time.Time
}

// New returns a Clock backed by the time elapsed since New was called, truncated to
// milliseconds and wrapped into a uint32 the same way a microcontroller's
// millis() counter would wrap.
func New() Clock {
	return &systemClock{start: time.Now()}
}

func (c *systemClock) NowMS() uint32 {
	return uint32(time.Since(c.start).Milliseconds())
}

// Fixed returns a Clock that always reports the same instant. Useful for
// constructing one-off components in tests that never need to advance.
func Fixed(ms uint32) Clock {
	return fixedClock(ms)
}

type fixedClock uint32

func (f fixedClock) NowMS() uint32 { return uint32(f) }
