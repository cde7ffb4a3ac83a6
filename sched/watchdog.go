package sched

import (
	"sync"

	"github.com/quantumnic/mcpd-core/clock"
)

// WatchdogState is one of the three states a watchdog entry can be in.
type WatchdogState int

const (
	Healthy WatchdogState = iota
	Expired
	Paused
)

// MaxWatchdogNameLen bounds a watchdog entry's name (spec.md §3).
const MaxWatchdogNameLen = 31

type watchdogEntry struct {
	name         string
	timeoutMS    uint32
	lastKickMS   uint32
	started      bool
	state        WatchdogState
	timeoutCount uint64
	onExpire     func(name string)
}

// WatchdogConfig configures a Watchdog.
type WatchdogConfig struct {
	// MaxEntries bounds the number of tracked entries. Default: 16.
	MaxEntries int

	// OnExpire, if set, fires for every entry's expiry in addition to
	// any per-entry callback (the "global" callback from spec.md §4.6).
	OnExpire func(name string)
}

// Watchdog tracks named liveness entries and fires edge-triggered expiry
// callbacks (spec.md §3/§4.6; spec.md §9 resolves "edge-triggered, not
// level-triggered" as normative here).
type Watchdog struct {
	mu      sync.Mutex
	clk     clock.Clock
	cfg     WatchdogConfig
	entries []*watchdogEntry
}

// NewWatchdog creates a Watchdog bound to clk.
func NewWatchdog(clk clock.Clock, cfg WatchdogConfig) *Watchdog {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 16
	}
	return &Watchdog{clk: clk, cfg: cfg}
}

// Add inserts a named entry if absent and within name-length and
// capacity limits.
func (w *Watchdog) Add(name string, timeoutMS uint32, onExpire func(name string)) bool {
	if len(name) > MaxWatchdogNameLen {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, e := range w.entries {
		if e.name == name {
			return false
		}
	}
	if len(w.entries) >= w.cfg.MaxEntries {
		return false
	}
	w.entries = append(w.entries, &watchdogEntry{
		name:       name,
		timeoutMS:  timeoutMS,
		lastKickMS: w.clk.NowMS(),
		started:    true,
		state:      Healthy,
		onExpire:   onExpire,
	})
	return true
}

// Kick resets name's deadline and forces state Healthy.
func (w *Watchdog) Kick(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.find(name)
	if e == nil {
		return false
	}
	e.lastKickMS = w.clk.NowMS()
	e.state = Healthy
	return true
}

// Pause masks an entry so Check never fires it.
func (w *Watchdog) Pause(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.find(name)
	if e == nil {
		return false
	}
	e.state = Paused
	return true
}

// Resume re-arms a paused entry, resetting its deadline.
func (w *Watchdog) Resume(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.find(name)
	if e == nil || e.state != Paused {
		return false
	}
	e.lastKickMS = w.clk.NowMS()
	e.state = Healthy
	return true
}

func (w *Watchdog) find(name string) *watchdogEntry {
	for _, e := range w.entries {
		if e.name == name {
			return e
		}
	}
	return nil
}

// Check scans every started, non-paused, Healthy entry; for each whose
// elapsed time since its last kick is at or beyond its timeout, it
// transitions to Expired exactly once (edge-triggered — repeated checks
// on an already-Expired entry never re-fire until Kick resets it),
// increments timeoutCount, and fires its per-entry then the global
// callback.
func (w *Watchdog) Check() {
	now := w.clk.NowMS()

	w.mu.Lock()
	var fired []*watchdogEntry
	for _, e := range w.entries {
		if !e.started || e.state != Healthy {
			continue
		}
		if clock.Elapsed(now, e.lastKickMS) >= e.timeoutMS {
			e.state = Expired
			e.timeoutCount++
			fired = append(fired, e)
		}
	}
	global := w.cfg.OnExpire
	w.mu.Unlock()

	for _, e := range fired {
		if e.onExpire != nil {
			e.onExpire(e.name)
		}
		if global != nil {
			global(e.name)
		}
	}
}

// State returns the current state of name, if it exists.
func (w *Watchdog) State(name string) (WatchdogState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.find(name)
	if e == nil {
		return 0, false
	}
	return e.state, true
}

// TimeoutCount returns the number of times name has expired.
func (w *Watchdog) TimeoutCount(name string) (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := w.find(name)
	if e == nil {
		return 0, false
	}
	return e.timeoutCount, true
}

// WatchdogStats is the diagnostic projection for the watchdog.
type WatchdogStats struct {
	EntryCount int `json:"entryCount"`
	MaxEntries int `json:"maxEntries"`
}

// Snapshot returns the current diagnostic projection.
func (w *Watchdog) Snapshot() WatchdogStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WatchdogStats{EntryCount: len(w.entries), MaxEntries: w.cfg.MaxEntries}
}
