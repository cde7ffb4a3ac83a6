// Package task implements the long-running tool invocation manager from
// spec.md §3/§4.4: a durable status machine addressed by monotonic
// "task-N" ids, with a bounded store and a FIFO terminal-task eviction
// policy. Grounded on the teacher's health.Aggregator (health/aggregator.go)
// for the name-keyed registry-with-mutex shape, adapted from a read-only
// health-check registry into a mutable lifecycle store.
package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/quantumnic/mcpd-core/bulkhead"
	"github.com/quantumnic/mcpd-core/clock"
)

// Status is one of the five lifecycle states from spec.md §3.
type Status int

const (
	Working Status = iota
	InputRequired
	Completed
	Failed
	Cancelled
)

func (s Status) String() string {
	switch s {
	case Working:
		return "working"
	case InputRequired:
		return "input_required"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of {Completed, Failed, Cancelled}.
func (s Status) Terminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// Task is a single long-running tool invocation record (spec.md §3).
type Task struct {
	ID             string
	Status         Status
	StatusMessage  string
	CreatedAtMS    uint32
	LastUpdatedMS  uint32
	TTLMS          int32 // -1 = unlimited
	PollIntervalMS uint32
	ToolName       string
	Result         []byte
}

func (t Task) clone() Task {
	if t.Result != nil {
		cp := make([]byte, len(t.Result))
		copy(cp, t.Result)
		t.Result = cp
	}
	return t
}

// Config configures a Manager.
type Config struct {
	// MaxTasks is the soft capacity advertised to callers; the hard
	// ceiling before eviction kicks in is 2*MaxTasks. Default: 64.
	MaxTasks int

	// DefaultPollIntervalMS is stamped onto tasks that don't specify one.
	// Default: 1000.
	DefaultPollIntervalMS uint32

	// MaxConcurrentHandlers bounds how many async tool handlers may run
	// at once, gated by a bulkhead.Bulkhead. Default: 4.
	MaxConcurrentHandlers int64
}

// Manager owns the bounded task store (spec.md §3 TaskManager).
type Manager struct {
	mu     sync.Mutex
	clk    clock.Clock
	cfg    Config
	nextID uint64
	// order preserves insertion order for FIFO terminal eviction.
	order []string
	tasks map[string]*Task

	refusals uint64

	// gate bounds in-flight async handler concurrency, generalizing the
	// teacher's channel-based resilience.Bulkhead the same way
	// session.Manager's request-concurrency gate does (spec.md §5's
	// "every bounded pool is owned exclusively by its component" extends
	// naturally to the handler-concurrency pool too).
	gate *bulkhead.Bulkhead
}

// New creates a Manager bound to clk.
func New(clk clock.Clock, cfg Config) *Manager {
	if cfg.MaxTasks <= 0 {
		cfg.MaxTasks = 64
	}
	if cfg.DefaultPollIntervalMS <= 0 {
		cfg.DefaultPollIntervalMS = 1000
	}
	if cfg.MaxConcurrentHandlers <= 0 {
		cfg.MaxConcurrentHandlers = 4
	}
	return &Manager{
		clk:   clk,
		cfg:   cfg,
		tasks: make(map[string]*Task),
		gate:  bulkhead.New(bulkhead.Config{MaxConcurrent: cfg.MaxConcurrentHandlers}),
	}
}

// AcquireHandlerSlot reserves one in-flight async-handler slot without
// blocking, reporting whether it was available.
func (m *Manager) AcquireHandlerSlot() bool {
	return m.gate.TryAcquire(1)
}

// WaitHandlerSlot blocks until a handler slot is available or ctx ends.
func (m *Manager) WaitHandlerSlot(ctx context.Context) error {
	return m.gate.Acquire(ctx, 1)
}

// ReleaseHandlerSlot returns a previously acquired handler slot.
func (m *Manager) ReleaseHandlerSlot() {
	m.gate.Release(1)
}

// HandlerConcurrency returns the current handler-gate diagnostic
// projection.
func (m *Manager) HandlerConcurrency() bulkhead.Metrics {
	return m.gate.Snapshot()
}

// CreateTask assigns a fresh monotonic id and starts the task Working.
// Returns ("", false) if the store is over its hard ceiling and every
// excess entry is non-terminal (spec.md §9's corrected eviction logic).
func (m *Manager) CreateTask(tool string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order)+1 > 2*m.cfg.MaxTasks {
		m.evictTerminalLocked()
		if len(m.order)+1 > 2*m.cfg.MaxTasks {
			m.refusals++
			return "", false
		}
	}

	m.nextID++
	id := fmt.Sprintf("task-%d", m.nextID)
	now := m.clk.NowMS()
	m.tasks[id] = &Task{
		ID:             id,
		Status:         Working,
		CreatedAtMS:    now,
		LastUpdatedMS:  now,
		TTLMS:          -1,
		PollIntervalMS: m.cfg.DefaultPollIntervalMS,
		ToolName:       tool,
	}
	m.order = append(m.order, id)
	return id, true
}

// evictTerminalLocked removes terminal tasks in FIFO order until the
// store has room for one more task without exceeding 2*MaxTasks, or no
// terminal tasks remain
// (spec.md §9: "evict terminal tasks in FIFO order until count <=
// 2*max_tasks; if no terminal tasks remain and count is still over,
// refuse new creation" — this fixes the source's short-circuiting
// break-inside-while bug).
func (m *Manager) evictTerminalLocked() {
	newOrder := make([]string, 0, len(m.order))
	for i, id := range m.order {
		if len(m.tasks)+1 <= 2*m.cfg.MaxTasks {
			newOrder = append(newOrder, m.order[i:]...)
			break
		}
		t := m.tasks[id]
		if t != nil && t.Status.Terminal() {
			delete(m.tasks, id)
			continue
		}
		newOrder = append(newOrder, id)
	}
	m.order = newOrder
}

// UpdateStatus transitions a non-terminal task's status, refusing
// transitions out of a terminal state or into an invalid one.
func (m *Manager) UpdateStatus(id string, newStatus Status, message string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	if !validTransition(t.Status, newStatus) {
		return false
	}
	t.Status = newStatus
	t.StatusMessage = message
	t.LastUpdatedMS = m.clk.NowMS()
	return true
}

func validTransition(from, to Status) bool {
	switch from {
	case Working:
		switch to {
		case InputRequired, Completed, Failed, Cancelled:
			return true
		}
	case InputRequired:
		switch to {
		case Working, Completed, Failed, Cancelled:
			return true
		}
	}
	return false
}

// CompleteTask marks id Completed with an opaque result, refusing if the
// task is unknown or already terminal.
func (m *Manager) CompleteTask(id string, result []byte) bool {
	return m.finish(id, Completed, "", result)
}

// FailTask marks id Failed with a message, refusing if unknown or
// already terminal.
func (m *Manager) FailTask(id string, message string) bool {
	return m.finish(id, Failed, message, nil)
}

// CancelTask marks id Cancelled, refusing if unknown or already terminal.
func (m *Manager) CancelTask(id string) bool {
	return m.finish(id, Cancelled, "", nil)
}

func (m *Manager) finish(id string, status Status, message string, result []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok || t.Status.Terminal() {
		return false
	}
	t.Status = status
	t.StatusMessage = message
	t.Result = result
	t.LastUpdatedMS = m.clk.NowMS()
	return true
}

// Get returns a copy of the task, if known.
func (m *Manager) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// ListTasks returns a paginated snapshot in insertion order starting at
// start, along with the next offset (0 when exhausted).
func (m *Manager) ListTasks(start, pageSize int) ([]Task, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pageSize <= 0 {
		pageSize = 20
	}
	if start < 0 || start >= len(m.order) {
		return nil, 0
	}

	end := start + pageSize
	if end > len(m.order) {
		end = len(m.order)
	}
	page := make([]Task, 0, end-start)
	for _, id := range m.order[start:end] {
		if t, ok := m.tasks[id]; ok {
			page = append(page, t.clone())
		}
	}
	next := end
	if end >= len(m.order) {
		next = 0
	}
	return page, next
}

// Stats is the diagnostic projection for the manager.
type Stats struct {
	TaskCount int    `json:"taskCount"`
	MaxTasks  int    `json:"maxTasks"`
	Refusals  uint64 `json:"refusals"`
}

// Snapshot returns the current diagnostic projection.
func (m *Manager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TaskCount: len(m.order),
		MaxTasks:  m.cfg.MaxTasks,
		Refusals:  m.refusals,
	}
}
