package dispatch

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/quantumnic/mcpd-core/audit"
	"github.com/quantumnic/mcpd-core/circuit"
	"github.com/quantumnic/mcpd-core/clock"
	"github.com/quantumnic/mcpd-core/event"
	"github.com/quantumnic/mcpd-core/ratelimit"
	"github.com/quantumnic/mcpd-core/rbac"
	"github.com/quantumnic/mcpd-core/retry"
	"github.com/quantumnic/mcpd-core/rng"
	"github.com/quantumnic/mcpd-core/sched"
	"github.com/quantumnic/mcpd-core/session"
	"github.com/quantumnic/mcpd-core/task"
)

func newTestDispatcher(clk *clock.Test) *Dispatcher {
	rngSrc := rng.NewDeterministic(1)
	return New(
		clk,
		Config{DefaultRetryPolicy: retry.Policy{MaxRetries: 0}},
		session.New(clk, rngSrc, session.Config{MaxSessions: 4}),
		rbac.New(rbac.Config{Enabled: true, DefaultRole: "guest"}),
		ratelimit.NewKeyed(clk, ratelimit.KeyedConfig{BucketConfig: ratelimit.Config{Capacity: 100, RatePerSec: 100}}),
		circuit.NewRegistry(clk, circuit.RegistryConfig{}),
		retry.NewPolicyRegistry(clk, rngSrc, retry.RealSleeper{}, retry.PolicyRegistryConfig{}),
		task.New(clk, task.Config{MaxTasks: 4}),
		sched.New(clk, sched.Config{}),
		sched.NewWatchdog(clk, sched.WatchdogConfig{}),
		event.New(clk, event.Config{}),
		audit.New(clk, audit.Config{}),
		nil,
	)
}

// TestRBACDefaultRoleDispatchScenario implements the literal E2E
// scenario from spec.md §8.6, exercised through the full dispatcher
// instead of the rbac package alone.
func TestRBACDefaultRoleDispatchScenario(t *testing.T) {
	clk := clock.NewTest(0)
	d := newTestDispatcher(clk)
	d.RBAC.RestrictTool("gpio_write", "admin")
	d.RegisterTool("gpio_write", false, func(ctx context.Context, params json.RawMessage) retry.Attempt {
		return retry.Attempt{Outcome: retry.Success, Value: "ok"}
	})

	resp := d.Dispatch(context.Background(), Request{ID: 1, Method: "tools/call", Tool: "gpio_write"})
	if resp.Error == nil || resp.Error.Code != CodeAccessDenied {
		t.Fatalf("expected access denied, got %+v", resp)
	}

	d.RBAC.MapKey("K", "admin")
	resp = d.Dispatch(context.Background(), Request{ID: 2, Method: "tools/call", Tool: "gpio_write", APIKey: "K"})
	if resp.Error != nil {
		t.Fatalf("expected success, got %+v", resp.Error)
	}

	entries := d.Audit.ByAction(audit.AccessDenied)
	if len(entries) != 1 {
		t.Fatalf("expected 1 AccessDenied audit row, got %d", len(entries))
	}
	calls := d.Audit.ByAction(audit.ToolCall)
	if len(calls) != 1 || !calls[0].Success {
		t.Fatalf("expected 1 successful ToolCall audit row, got %+v", calls)
	}
}

func TestRateLimitedCallSurfacesRetryAfter(t *testing.T) {
	clk := clock.NewTest(0)
	d := newTestDispatcher(clk)
	d.RateLimiter = ratelimit.NewKeyed(clk, ratelimit.KeyedConfig{BucketConfig: ratelimit.Config{Capacity: 1, RatePerSec: 1}})
	d.RegisterTool("noop", false, func(ctx context.Context, params json.RawMessage) retry.Attempt {
		return retry.Attempt{Outcome: retry.Success}
	})

	first := d.Dispatch(context.Background(), Request{ID: 1, Method: "tools/call", Tool: "noop", APIKey: "k"})
	if first.Error != nil {
		t.Fatalf("first call should be allowed, got %+v", first.Error)
	}
	second := d.Dispatch(context.Background(), Request{ID: 2, Method: "tools/call", Tool: "noop", APIKey: "k"})
	if second.Error == nil || second.Error.Code != CodeRateLimited {
		t.Fatalf("expected rate limited, got %+v", second)
	}
	if second.Error.Data["retry_after_ms"] == nil {
		t.Fatal("expected retry_after_ms in error data")
	}
}

func TestCircuitOpenBlocksDispatch(t *testing.T) {
	clk := clock.NewTest(0)
	d := newTestDispatcher(clk)
	d.Breakers = circuit.NewRegistry(clk, circuit.RegistryConfig{BreakerConfig: circuit.Config{FailureThreshold: 1}})
	d.RegisterTool("flaky", false, func(ctx context.Context, params json.RawMessage) retry.Attempt {
		return retry.Attempt{Outcome: retry.Fatal, Err: context.DeadlineExceeded}
	})

	first := d.Dispatch(context.Background(), Request{ID: 1, Method: "tools/call", Tool: "flaky"})
	if first.Error == nil || first.Error.Code != CodeToolFatal {
		t.Fatalf("expected tool fatal on first call, got %+v", first)
	}

	second := d.Dispatch(context.Background(), Request{ID: 2, Method: "tools/call", Tool: "flaky"})
	if second.Error == nil || second.Error.Code != CodeCircuitOpen {
		t.Fatalf("expected circuit open after trip, got %+v", second)
	}
}

func TestSessionRequiredRejectsMissingSession(t *testing.T) {
	clk := clock.NewTest(0)
	d := newTestDispatcher(clk)
	d.RegisterTool("needs_session", true, func(ctx context.Context, params json.RawMessage) retry.Attempt {
		return retry.Attempt{Outcome: retry.Success}
	})

	resp := d.Dispatch(context.Background(), Request{ID: 1, Method: "tools/call", Tool: "needs_session"})
	if resp.Error == nil || resp.Error.Code != CodeSessionInvalid {
		t.Fatalf("expected session invalid, got %+v", resp)
	}

	id, ok := d.Sessions.Create("client")
	if !ok {
		t.Fatal("session create should succeed")
	}
	resp = d.Dispatch(context.Background(), Request{ID: 2, Method: "tools/call", Tool: "needs_session", SessionID: id})
	if resp.Error != nil {
		t.Fatalf("expected success with valid session, got %+v", resp.Error)
	}
}

// TestTaskLifecycleDispatchScenario implements spec.md §8.4 driven
// through the full dispatcher: createTask, a scheduler-driven async
// completion, and a subsequent tasks/get.
func TestTaskLifecycleDispatchScenario(t *testing.T) {
	clk := clock.NewTest(0)
	d := newTestDispatcher(clk)
	d.RegisterAsyncTool("scan", false, func(ctx context.Context, mgr *task.Manager, taskID string, params json.RawMessage) {
		mgr.CompleteTask(taskID, []byte("done"))
	})

	resp := d.Dispatch(context.Background(), Request{ID: 1, Method: "tasks/create", Tool: "scan"})
	if resp.Error != nil {
		t.Fatalf("expected task creation to succeed, got %+v", resp.Error)
	}
	var created TaskCreated
	if err := json.Unmarshal(resp.Result, &created); err != nil {
		t.Fatalf("bad task creation payload: %v", err)
	}

	d.Scheduler.Loop() // drives the async handler to completion

	params, _ := json.Marshal(map[string]string{"task_id": created.TaskID})
	getResp := d.Dispatch(context.Background(), Request{ID: 2, Method: "tasks/get", Params: params})
	var got task.Task
	if err := json.Unmarshal(getResp.Result, &got); err != nil {
		t.Fatalf("bad tasks/get payload: %v", err)
	}
	if got.Status != task.Completed {
		t.Fatalf("status = %v, want Completed", got.Status)
	}
}
