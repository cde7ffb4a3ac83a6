// Package dispatch wires every other package in this module into the
// single per-request pipeline spec.md §4.8 describes: session validate,
// RBAC check, rate limit, circuit breaker gate, retry-driven invocation
// (or task creation for long-running tools), breaker bookkeeping, and
// audit/event recording. Nothing here is grounded on a single teacher
// file — it is the glue the teacher's own server/dispatcher package
// (server/router.go-equivalent call sites scattered through cmd/) plays
// the same role for, reshaped around this module's fixed six-stage
// pipeline instead of a generic middleware chain.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/quantumnic/mcpd-core/audit"
	"github.com/quantumnic/mcpd-core/circuit"
	"github.com/quantumnic/mcpd-core/clock"
	"github.com/quantumnic/mcpd-core/deadline"
	"github.com/quantumnic/mcpd-core/event"
	"github.com/quantumnic/mcpd-core/observe"
	"github.com/quantumnic/mcpd-core/ratelimit"
	"github.com/quantumnic/mcpd-core/rbac"
	"github.com/quantumnic/mcpd-core/retry"
	"github.com/quantumnic/mcpd-core/sched"
	"github.com/quantumnic/mcpd-core/session"
	"github.com/quantumnic/mcpd-core/task"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ToolHandler is the synchronous tool invocation contract (spec.md §6):
// given the raw params, it reports a tri-state Attempt the RetryExecutor
// drives. The core never interprets params or a successful Value.
type ToolHandler func(ctx context.Context, params json.RawMessage) retry.Attempt

// AsyncToolHandler drives a long-running tool invocation to a terminal
// state via mgr, keyed by taskID. It runs on the scheduler's loop, not a
// dedicated goroutine — see Dispatcher.Dispatch's task path.
type AsyncToolHandler func(ctx context.Context, mgr *task.Manager, taskID string, params json.RawMessage)

type toolEntry struct {
	sync  ToolHandler
	async AsyncToolHandler
	// requireSession, when true, rejects calls lacking a validated
	// session before any other pipeline stage runs.
	requireSession bool
}

// Config configures a Dispatcher's policy knobs that aren't owned by one
// of the wired subsystems directly.
type Config struct {
	// DefaultRetryPolicy is used for tools with no policy registered
	// under their own name in the retry.PolicyRegistry.
	DefaultRetryPolicy retry.Policy

	// RateLimitCost is charged against the keyed rate limiter per call.
	// Default: 1.
	RateLimitCost float64

	// ToolTimeout bounds how long a synchronous tool invocation may run
	// before the deadline.Guard aborts it (spec.md §5 notes the core
	// itself never blocks past its tick, but a hosted process still
	// needs a ceiling on a handler that never returns).
	ToolTimeout time.Duration
}

// Dispatcher wires the resilience/resource-governance subsystems into
// the fixed pipeline from spec.md §4.8.
type Dispatcher struct {
	clk clock.Clock
	cfg Config

	Sessions    *session.Manager
	RBAC        *rbac.Authorizer
	RateLimiter *ratelimit.Keyed
	Breakers    *circuit.Registry
	Retry       *retry.PolicyRegistry
	Tasks       *task.Manager
	Scheduler   *sched.Scheduler
	Watchdog    *sched.Watchdog
	Events      *event.Store
	Audit       *audit.Log
	Observer    observe.Observer

	tools map[string]*toolEntry
	guard *deadline.Guard
}

// New builds a Dispatcher from its already-constructed subsystems. obs
// may be nil, in which case telemetry calls are skipped.
func New(clk clock.Clock, cfg Config, sessions *session.Manager, rbacAuth *rbac.Authorizer, rl *ratelimit.Keyed, breakers *circuit.Registry, retryReg *retry.PolicyRegistry, tasks *task.Manager, scheduler *sched.Scheduler, watchdog *sched.Watchdog, events *event.Store, auditLog *audit.Log, obs observe.Observer) *Dispatcher {
	if cfg.RateLimitCost <= 0 {
		cfg.RateLimitCost = 1
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	return &Dispatcher{
		clk:         clk,
		cfg:         cfg,
		Sessions:    sessions,
		RBAC:        rbacAuth,
		RateLimiter: rl,
		Breakers:    breakers,
		Retry:       retryReg,
		Tasks:       tasks,
		Scheduler:   scheduler,
		Watchdog:    watchdog,
		Events:      events,
		Audit:       auditLog,
		Observer:    obs,
		tools:       make(map[string]*toolEntry),
		guard:       deadline.New(deadline.Config{Timeout: cfg.ToolTimeout}),
	}
}

// RegisterTool registers a synchronous tool handler invoked via
// tools/call through the retry executor and circuit breaker.
func (d *Dispatcher) RegisterTool(name string, requireSession bool, h ToolHandler) {
	d.tools[name] = &toolEntry{sync: h, requireSession: requireSession}
}

// RegisterAsyncTool registers a long-running tool handler invoked via
// tasks/create, driven asynchronously off the scheduler's loop.
func (d *Dispatcher) RegisterAsyncTool(name string, requireSession bool, h AsyncToolHandler) {
	d.tools[name] = &toolEntry{async: h, requireSession: requireSession}
}

// Dispatch runs req through the full pipeline and returns the response
// to deliver to the caller. It never panics and never returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	switch req.Method {
	case "tasks/get":
		return d.dispatchTaskGet(req)
	case "tasks/cancel":
		return d.dispatchTaskCancel(req)
	case "tasks/list":
		return d.dispatchTaskList(req)
	case "tasks/create":
		return d.dispatchCall(ctx, req, true)
	case "tools/call":
		return d.dispatchCall(ctx, req, false)
	default:
		// Unqualified method names map directly to a registered tool,
		// dispatched via whichever path that tool was registered for.
		if entry, ok := d.tools[req.Method]; ok {
			return d.dispatchCall(ctx, req, entry.async != nil)
		}
		return errorResponse(req.ID, CodeToolFatal, fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

func (d *Dispatcher) dispatchCall(ctx context.Context, req Request, asyncPath bool) (resp Response) {
	ctx, span := d.startSpan(ctx, "dispatch.call", req.Tool)
	defer func() {
		endSpan(span, resp.Error)
	}()

	entry, ok := d.tools[req.Tool]
	if !ok {
		return errorResponse(req.ID, CodeToolFatal, fmt.Sprintf("unknown tool %q", req.Tool), nil)
	}
	if asyncPath && entry.async == nil {
		return errorResponse(req.ID, CodeToolFatal, fmt.Sprintf("tool %q does not support tasks/create", req.Tool), nil)
	}
	if !asyncPath && entry.sync == nil {
		return errorResponse(req.ID, CodeToolFatal, fmt.Sprintf("tool %q requires tasks/create", req.Tool), nil)
	}

	// 1. Session.
	if entry.requireSession {
		if req.SessionID == "" || !d.Sessions.Validate(req.SessionID) {
			return errorResponse(req.ID, CodeSessionInvalid, "session missing or expired", nil)
		}
	}

	// 2. RBAC.
	if !d.RBAC.CanAccess(req.Tool, req.APIKey) {
		d.Audit.Append(audit.AccessDenied, actorFor(req), req.Tool, "", false)
		d.logDenied(ctx, req)
		return errorResponse(req.ID, CodeAccessDenied, "access denied", nil)
	}

	// 3. Rate limiter.
	decision := d.RateLimiter.TryAcquire(req.APIKey, d.cfg.RateLimitCost)
	if d.Observer != nil {
		d.Observer.Metrics().RecordRateLimit(ctx, req.APIKey, decision.Allowed)
	}
	if !decision.Allowed {
		return errorResponse(req.ID, CodeRateLimited, "rate limit exceeded", map[string]any{"retry_after_ms": decision.RetryAfterMS})
	}

	// 4. Circuit breaker.
	breaker := d.Breakers.Get(req.Tool)
	if !breaker.AllowRequest() {
		return errorResponse(req.ID, CodeCircuitOpen, "circuit open", map[string]any{"retry_after_ms": breaker.RetryAfterMS()})
	}

	if asyncPath {
		return d.dispatchTaskCreate(ctx, req, entry, breaker)
	}
	return d.dispatchSync(ctx, req, entry, breaker)
}

func (d *Dispatcher) dispatchSync(ctx context.Context, req Request, entry *toolEntry, breaker *circuit.Breaker) Response {
	start := d.clk.NowMS()
	op := func() retry.Attempt {
		invokeCtx, invokeSpan := d.startSpan(ctx, "dispatch.invoke", req.Tool)
		var attempt retry.Attempt
		err := d.guard.Run(invokeCtx, func(ctx context.Context) error {
			attempt = entry.sync(ctx, req.Params)
			return nil
		})
		if err != nil {
			attempt = retry.Attempt{Outcome: retry.Fatal, Err: err}
		}
		if attempt.Outcome == retry.Success {
			invokeSpan.SetStatus(codes.Ok, "")
		} else {
			msg := ""
			if attempt.Err != nil {
				msg = attempt.Err.Error()
			}
			invokeSpan.SetStatus(codes.Error, msg)
		}
		invokeSpan.End()
		return attempt
	}

	result := d.Retry.Execute(req.Tool, d.cfg.DefaultRetryPolicy, op)

	success := result.Outcome == retry.Success
	if success {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}

	if d.Observer != nil {
		d.Observer.Metrics().RecordDispatch(ctx, req.Tool, time.Duration(clock.Elapsed(d.clk.NowMS(), start))*time.Millisecond, result.Err)
		d.Observer.Metrics().RecordRetry(ctx, req.Tool, result.Attempts, outcomeLabel(result.Outcome))
	}

	detail := ""
	if result.Err != nil {
		detail = result.Err.Error()
	}
	d.Audit.Append(audit.ToolCall, actorFor(req), req.Tool, detail, success)
	d.Events.Append("tool_completed", req.Tool, eventSeverity(success))

	if !success {
		return errorResponse(req.ID, CodeToolFatal, detail, nil)
	}
	payload, _ := json.Marshal(result.Value)
	return Response{ID: req.ID, Result: payload}
}

func (d *Dispatcher) dispatchTaskCreate(ctx context.Context, req Request, entry *toolEntry, breaker *circuit.Breaker) Response {
	id, ok := d.Tasks.CreateTask(req.Tool)
	if !ok {
		return errorResponse(req.ID, CodeToolFatal, "task pool exhausted", nil)
	}
	if !d.Tasks.AcquireHandlerSlot() {
		d.Tasks.FailTask(id, "handler concurrency gate exhausted")
		return errorResponse(req.ID, CodeToolFatal, "handler concurrency gate exhausted", nil)
	}

	// The handler runs off the scheduler's loop rather than a dedicated
	// goroutine, preserving the single-logical-thread model spec.md §5
	// describes: invocation is deferred to the next Loop tick instead of
	// running concurrently with it.
	taskName := "task:" + id
	d.Scheduler.At(taskName, 0, func() {
		defer d.Tasks.ReleaseHandlerSlot()
		entry.async(ctx, d.Tasks, id, req.Params)
		if t, ok := d.Tasks.Get(id); ok {
			if t.Status == task.Failed {
				breaker.RecordFailure()
			} else {
				breaker.RecordSuccess()
			}
			if d.Observer != nil {
				d.Observer.Metrics().RecordTaskTransition(ctx, req.Tool, t.Status.String())
			}
		}
	})

	t, _ := d.Tasks.Get(id)
	payload, _ := json.Marshal(TaskCreated{TaskID: id, PollIntervalMS: t.PollIntervalMS})
	return Response{ID: req.ID, Result: payload}
}

func (d *Dispatcher) dispatchTaskGet(req Request) Response {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, CodeToolFatal, "invalid params", nil)
	}
	t, ok := d.Tasks.Get(p.TaskID)
	if !ok {
		return errorResponse(req.ID, CodeToolFatal, "unknown task id", nil)
	}
	payload, _ := json.Marshal(t)
	return Response{ID: req.ID, Result: payload}
}

func (d *Dispatcher) dispatchTaskCancel(req Request) Response {
	var p struct {
		TaskID string `json:"task_id"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return errorResponse(req.ID, CodeToolFatal, "invalid params", nil)
	}
	if !d.Tasks.CancelTask(p.TaskID) {
		return errorResponse(req.ID, CodeToolFatal, "task not found or already terminal", nil)
	}
	return Response{ID: req.ID, Result: json.RawMessage("true")}
}

func (d *Dispatcher) dispatchTaskList(req Request) Response {
	var p struct {
		Start    int `json:"start"`
		PageSize int `json:"page_size"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errorResponse(req.ID, CodeToolFatal, "invalid params", nil)
		}
	}
	tasks, next := d.Tasks.ListTasks(p.Start, p.PageSize)
	payload, _ := json.Marshal(TaskPage{Tasks: tasks, NextOffset: next})
	return Response{ID: req.ID, Result: payload}
}

// startSpan opens a span around a dispatch pipeline stage, falling back
// to a no-op span when no Observer is wired.
func (d *Dispatcher) startSpan(ctx context.Context, name, tool string) (context.Context, trace.Span) {
	if d.Observer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return d.Observer.Tracer().Start(ctx, name, trace.WithAttributes(attribute.String("tool", tool)))
}

func endSpan(span trace.Span, rpcErr *RPCError) {
	if rpcErr != nil {
		span.SetStatus(codes.Error, rpcErr.Message)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (d *Dispatcher) logDenied(ctx context.Context, req Request) {
	if d.Observer == nil {
		return
	}
	d.Observer.Logger().Warn(ctx, "access denied", observe.Field{Key: "tool", Value: req.Tool})
}

func actorFor(req Request) string {
	if req.APIKey != "" {
		return rbac.HashKey(req.APIKey)
	}
	return "anonymous"
}

func eventSeverity(success bool) event.Severity {
	if success {
		return event.Info
	}
	return event.Warning
}

func outcomeLabel(o retry.Outcome) string {
	switch o {
	case retry.Success:
		return "success"
	case retry.Fatal:
		return "fatal"
	default:
		return "retryable"
	}
}

// TaskCreated is the result payload for a successful tasks/create call.
type TaskCreated struct {
	TaskID         string `json:"task_id"`
	PollIntervalMS uint32 `json:"poll_interval_ms"`
}

// TaskPage is the result payload for tasks/list.
type TaskPage struct {
	Tasks      []task.Task `json:"tasks"`
	NextOffset int         `json:"next_offset"`
}
