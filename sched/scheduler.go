// Package sched implements the cooperative scheduler and software
// watchdog from spec.md §3/§4.6: a fixed-capacity vector of periodic/
// one-shot callbacks driven from a single tick, with no missed-interval
// catch-up, plus named liveness entries that fire an edge-triggered
// expiry callback. Grounded on the teacher's health.Aggregator
// (health/aggregator.go) for the registry-with-insertion-order shape,
// reshaped from a pull-based health check into a push-driven scheduler
// loop.
package sched

import (
	"sync"

	"github.com/quantumnic/mcpd-core/clock"
)

// Callback is a scheduled task's invocation.
type Callback func()

type scheduledTask struct {
	name         string
	callback     Callback
	intervalMS   uint32 // 0 = one-shot
	nextRunMS    uint32
	lastRunMS    uint32
	execCount    uint64
	maxExecs     uint64 // 0 = unlimited
	paused       bool
	active       bool
}

// pendingMutation captures an add/remove requested from inside a
// callback, deferred to the next Loop call (spec.md §9's resolution of
// "what happens when a scheduler callback mutates the scheduler
// mid-iteration").
type pendingMutation struct {
	remove string
	add    *scheduledTask
}

// Scheduler is the fixed-capacity vector of scheduled tasks (spec.md §3
// Scheduler).
type Scheduler struct {
	mu   sync.Mutex
	clk  clock.Clock
	cfg  Config
	tasks []*scheduledTask

	inLoop   bool
	pending  []pendingMutation
}

// Config configures a Scheduler.
type Config struct {
	// MaxTasks bounds the number of scheduled tasks held at once.
	// Default: 32.
	MaxTasks int
}

// New creates a Scheduler bound to clk.
func New(clk clock.Clock, cfg Config) *Scheduler {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 32
	}
	return &Scheduler{clk: clk, cfg: cfg}
}

// Every installs a repeater named name firing every intervalMS, starting
// intervalMS from now. Returns false if the name already exists or the
// scheduler is at capacity. Called from inside a Loop callback, the
// install is queued and reported as true; the name and capacity checks
// then run when the queue is applied at the start of the next Loop.
func (s *Scheduler) Every(name string, intervalMS uint32, cb Callback) bool {
	return s.install(&scheduledTask{
		name:       name,
		callback:   cb,
		intervalMS: intervalMS,
		nextRunMS:  s.clk.NowMS() + intervalMS,
		active:     true,
	})
}

// At installs a one-shot firing once now+delayMS has elapsed.
func (s *Scheduler) At(name string, delayMS uint32, cb Callback) bool {
	return s.install(&scheduledTask{
		name:      name,
		callback:  cb,
		nextRunMS: s.clk.NowMS() + delayMS,
		active:    true,
	})
}

// Times installs a bounded repeater that fires at most n times.
func (s *Scheduler) Times(name string, intervalMS uint32, n uint64, cb Callback) bool {
	return s.install(&scheduledTask{
		name:       name,
		callback:   cb,
		intervalMS: intervalMS,
		nextRunMS:  s.clk.NowMS() + intervalMS,
		maxExecs:   n,
		active:     true,
	})
}

func (s *Scheduler) install(t *scheduledTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inLoop {
		s.pending = append(s.pending, pendingMutation{add: t})
		return true
	}
	return s.installLocked(t)
}

func (s *Scheduler) installLocked(t *scheduledTask) bool {
	for _, existing := range s.tasks {
		if existing.name == t.name {
			return false
		}
	}
	if len(s.tasks) >= s.cfg.MaxTasks {
		return false
	}
	s.tasks = append(s.tasks, t)
	return true
}

// Remove deletes a scheduled task by name, deferred to the next Loop
// call if issued from inside a callback.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inLoop {
		s.pending = append(s.pending, pendingMutation{remove: name})
		return true
	}
	return s.removeLocked(name)
}

func (s *Scheduler) removeLocked(name string) bool {
	for i, t := range s.tasks {
		if t.name == name {
			s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
			return true
		}
	}
	return false
}

// Pause/Resume mask a task without removing it.
func (s *Scheduler) Pause(name string) bool  { return s.setPaused(name, true) }
func (s *Scheduler) Resume(name string) bool { return s.setPaused(name, false) }

func (s *Scheduler) setPaused(name string, paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			t.paused = paused
			return true
		}
	}
	return false
}

// Loop runs one tick: every active, unpaused, due task is invoked once;
// next_run_ms is set to now + interval_ms (no catch-up for missed
// ticks, per spec.md §4.6). One-shot and exhausted bounded-repeat tasks
// are marked inactive and compacted out at the end of the cycle.
// Mutations requested from within a callback (Every/At/Times/Remove) are
// applied after the cycle completes, never mid-iteration.
func (s *Scheduler) Loop() {
	s.applyPending()

	s.mu.Lock()
	now := s.clk.NowMS()
	s.inLoop = true
	tasks := s.tasks // stable view for this cycle
	s.mu.Unlock()

	for _, t := range tasks {
		s.mu.Lock()
		due := t.active && !t.paused && !clock.Before(now, t.nextRunMS)
		if !due {
			s.mu.Unlock()
			continue
		}
		cb := t.callback
		t.execCount++
		t.lastRunMS = now
		t.nextRunMS = now + t.intervalMS
		oneShot := t.intervalMS == 0
		bounded := t.maxExecs > 0 && t.execCount >= t.maxExecs
		if oneShot || bounded {
			t.active = false
		}
		s.mu.Unlock()

		if cb != nil {
			cb()
		}
	}

	s.mu.Lock()
	s.compactInactiveLocked()
	s.inLoop = false
	s.mu.Unlock()
}

// applyPending installs/removes tasks queued by callbacks during the
// previous cycle, run at the start of the next Loop call so a callback
// mutating the scheduler never affects the cycle it ran in (spec.md §9).
func (s *Scheduler) applyPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, m := range pending {
		if m.add != nil {
			s.mu.Lock()
			s.installLocked(m.add)
			s.mu.Unlock()
		}
		if m.remove != "" {
			s.mu.Lock()
			s.removeLocked(m.remove)
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) compactInactiveLocked() {
	live := s.tasks[:0]
	for _, t := range s.tasks {
		if t.active {
			live = append(live, t)
		}
	}
	s.tasks = live
}

// Stats is the diagnostic projection for the scheduler.
type Stats struct {
	TaskCount int `json:"taskCount"`
	MaxTasks  int `json:"maxTasks"`
}

// Snapshot returns the current diagnostic projection.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{TaskCount: len(s.tasks), MaxTasks: s.cfg.MaxTasks}
}

// ExecCount returns the execution count of the named task, if it exists.
func (s *Scheduler) ExecCount(name string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return t.execCount, true
		}
	}
	return 0, false
}
