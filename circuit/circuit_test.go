package circuit

import (
	"testing"

	"github.com/quantumnic/mcpd-core/clock"
)

// TestTripAndRecoverScenario implements the literal E2E scenario from
// spec.md §8.2: threshold=3, R=500, K=2.
func TestTripAndRecoverScenario(t *testing.T) {
	clk := clock.NewTest(0)
	b := New(clk, "svc", Config{FailureThreshold: 3, RecoveryTimeoutMS: 500, HalfOpenSuccessThreshold: 2})

	for i := 0; i < 3; i++ {
		if !b.AllowRequest() {
			t.Fatalf("failure %d: expected allowed while closed", i)
		}
		b.RecordFailure()
	}
	if b.State() != Open {
		t.Fatal("expected Open after 3 consecutive failures")
	}

	clk.Set(499)
	if b.AllowRequest() {
		t.Fatal("probe at t=499: expected rejected, recovery timeout not yet elapsed")
	}

	clk.Set(500)
	if !b.AllowRequest() {
		t.Fatal("probe at t=500: expected allowed, transitioning to half-open")
	}
	if b.State() != HalfOpen {
		t.Fatal("expected HalfOpen after probe admitted")
	}
	b.RecordSuccess()
	if b.State() != HalfOpen {
		t.Fatal("expected to remain HalfOpen after first of two required successes")
	}

	if !b.AllowRequest() {
		t.Fatal("second probe: expected allowed")
	}
	b.RecordSuccess()
	if b.State() != Closed {
		t.Fatal("expected Closed after two consecutive half-open successes")
	}

	snap := b.Snapshot()
	if snap.TripCount != 1 {
		t.Fatalf("TripCount = %d, want 1", snap.TripCount)
	}
	if snap.TotalRejected != 1 {
		t.Fatalf("TotalRejected = %d, want 1", snap.TotalRejected)
	}
}

func TestHalfOpenSingleProbe(t *testing.T) {
	clk := clock.NewTest(0)
	b := New(clk, "svc", Config{FailureThreshold: 1, RecoveryTimeoutMS: 100, HalfOpenSuccessThreshold: 1})

	b.AllowRequest()
	b.RecordFailure()
	clk.Advance(100)

	if !b.AllowRequest() {
		t.Fatal("first half-open call: expected allowed (the probe)")
	}
	if b.AllowRequest() {
		t.Fatal("second concurrent half-open call: expected rejected, probe already in flight")
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clk := clock.NewTest(0)
	b := New(clk, "svc", Config{FailureThreshold: 1, RecoveryTimeoutMS: 100, HalfOpenSuccessThreshold: 1})

	b.AllowRequest()
	b.RecordFailure()
	clk.Advance(100)
	b.AllowRequest()
	b.RecordFailure()

	if b.State() != Open {
		t.Fatal("expected Open again after half-open probe failed")
	}
	if b.Snapshot().TripCount != 2 {
		t.Fatalf("TripCount = %d, want 2", b.Snapshot().TripCount)
	}
}

func TestRetryAfterMSCountsDown(t *testing.T) {
	clk := clock.NewTest(0)
	b := New(clk, "svc", Config{FailureThreshold: 1, RecoveryTimeoutMS: 500})
	b.AllowRequest()
	b.RecordFailure()

	clk.Set(100)
	if got := b.RetryAfterMS(); got != 400 {
		t.Fatalf("RetryAfterMS() = %d, want 400", got)
	}

	clk.Set(500)
	if got := b.RetryAfterMS(); got != 0 {
		t.Fatalf("RetryAfterMS() = %d, want 0 once recovery elapsed", got)
	}
}

func TestSuccessInClosedResetsFailureCount(t *testing.T) {
	clk := clock.NewTest(0)
	b := New(clk, "svc", Config{FailureThreshold: 3})

	b.AllowRequest()
	b.RecordFailure()
	b.AllowRequest()
	b.RecordFailure()
	b.AllowRequest()
	b.RecordSuccess()

	b.AllowRequest()
	b.RecordFailure()
	b.AllowRequest()
	b.RecordFailure()
	if b.State() != Closed {
		t.Fatal("failure count should have reset on the intervening success")
	}
}

func TestStateChangeCallbackFiresOnlyOnTransition(t *testing.T) {
	clk := clock.NewTest(0)
	var transitions []State
	b := New(clk, "svc", Config{
		FailureThreshold: 1,
		OnStateChange: func(key string, from, to State) {
			transitions = append(transitions, to)
		},
	})

	b.AllowRequest()
	b.RecordFailure() // Closed -> Open
	b.AllowRequest()  // still Open, no transition (rejected)

	if len(transitions) != 1 || transitions[0] != Open {
		t.Fatalf("transitions = %v, want [Open]", transitions)
	}
}

func TestRegistryEvictsLeastRecentlyAccessed(t *testing.T) {
	clk := clock.NewTest(0)
	r := NewRegistry(clk, RegistryConfig{MaxBreakers: 2})

	r.Get("a")
	clk.Advance(10)
	r.Get("b")
	clk.Advance(10)
	r.Get("a").AllowRequest() // touches "a" again via lastAccessMS update

	r.Get("c") // pool full, must evict "b"

	if r.ActiveBreakers() != 2 {
		t.Fatalf("ActiveBreakers() = %d, want 2", r.ActiveBreakers())
	}
	if _, ok := r.BreakerSnapshot("b"); ok {
		t.Fatal("expected breaker b to have been evicted")
	}
	if r.Snapshot().Evictions != 1 {
		t.Fatalf("Evictions = %d, want 1", r.Snapshot().Evictions)
	}
}
