package sched

import (
	"testing"

	"github.com/quantumnic/mcpd-core/clock"
)

func TestEveryNoDriftBound(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{})
	s.Every("tick", 100, func() {})

	// Advance in irregular increments, calling Loop at each stop, and
	// check the no-drift bound from spec.md §8: exec_count(t) <=
	// floor((t-start)/I) + 1.
	steps := []uint32{0, 50, 100, 250, 300, 999, 1000}
	for _, t0 := range steps {
		clk.Set(t0)
		s.Loop()
		count, _ := s.ExecCount("tick")
		bound := t0/100 + 1
		if uint32(count) > bound {
			t.Fatalf("at t=%d: exec_count=%d exceeds bound %d", t0, count, bound)
		}
	}
}

func TestOneShotFiresOnceAndCompacts(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{})
	calls := 0
	s.At("once", 50, func() { calls++ })

	clk.Set(49)
	s.Loop()
	if calls != 0 {
		t.Fatal("should not have fired before delay elapsed")
	}

	clk.Set(50)
	s.Loop()
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}

	clk.Set(1000)
	s.Loop()
	if calls != 1 {
		t.Fatal("one-shot must not fire again")
	}
	if s.Snapshot().TaskCount != 0 {
		t.Fatal("expired one-shot should have been compacted out")
	}
}

func TestBoundedRepeaterStopsAtN(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{})
	calls := 0
	s.Times("thrice", 10, 3, func() { calls++ })

	for i := 0; i < 10; i++ {
		clk.Advance(10)
		s.Loop()
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestPauseResumeSkipsInvocation(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{})
	calls := 0
	s.Every("t", 10, func() { calls++ })
	s.Pause("t")

	clk.Advance(100)
	s.Loop()
	if calls != 0 {
		t.Fatal("paused task must not fire")
	}

	s.Resume("t")
	clk.Advance(10)
	s.Loop()
	if calls == 0 {
		t.Fatal("resumed task should fire")
	}
}

func TestMidIterationMutationDeferred(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{})

	var installed bool
	s.Every("installer", 10, func() {
		installed = s.Every("spawned", 10, func() {})
		if !installed {
			t.Fatal("Every called mid-loop should report success even though it's deferred")
		}
	})

	clk.Advance(10)
	s.Loop()
	// The spawned task must not exist mid-cycle (it was only queued),
	// but must exist by the time the next Loop begins.
	if _, ok := s.ExecCount("spawned"); ok {
		t.Fatal("deferred installs must not be visible until after the cycle completes")
	}

	clk.Advance(10)
	s.Loop()
	if _, ok := s.ExecCount("spawned"); !ok {
		t.Fatal("deferred install should be applied by the following Loop call")
	}
}

func TestDuplicateNameRejected(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{})
	if !s.Every("x", 10, func() {}) {
		t.Fatal("first install should succeed")
	}
	if s.Every("x", 10, func() {}) {
		t.Fatal("duplicate name should be rejected")
	}
}

func TestWatchdogEdgeTriggeredFiring(t *testing.T) {
	clk := clock.NewTest(0)
	fires := 0
	w := NewWatchdog(clk, WatchdogConfig{})
	w.Add("svc", 100, func(name string) { fires++ })

	clk.Set(99)
	w.Check()
	if fires != 0 {
		t.Fatal("should not fire before timeout")
	}

	clk.Set(100)
	w.Check()
	if fires != 1 {
		t.Fatalf("fires = %d, want 1", fires)
	}

	clk.Set(200)
	w.Check()
	w.Check()
	if fires != 1 {
		t.Fatalf("fires = %d, want 1 (edge-triggered, not level-triggered)", fires)
	}

	w.Kick("svc")
	clk.Set(299)
	w.Check()
	if fires != 1 {
		t.Fatal("freshly kicked entry should not have fired yet")
	}

	clk.Set(400)
	w.Check()
	if fires != 2 {
		t.Fatalf("fires = %d, want 2 after re-kick and re-expiry", fires)
	}
}

func TestWatchdogPauseResumeMasks(t *testing.T) {
	clk := clock.NewTest(0)
	fires := 0
	w := NewWatchdog(clk, WatchdogConfig{})
	w.Add("svc", 50, func(name string) { fires++ })
	w.Pause("svc")

	clk.Set(1000)
	w.Check()
	if fires != 0 {
		t.Fatal("paused entry must never fire")
	}

	w.Resume("svc")
	clk.Set(1049)
	w.Check()
	if fires != 0 {
		t.Fatal("resumed entry deadline resets on Resume")
	}
	clk.Set(1050)
	w.Check()
	if fires != 1 {
		t.Fatalf("fires = %d, want 1", fires)
	}
}

func TestWatchdogNameLengthLimit(t *testing.T) {
	clk := clock.NewTest(0)
	w := NewWatchdog(clk, WatchdogConfig{})
	tooLong := make([]byte, MaxWatchdogNameLen+1)
	for i := range tooLong {
		tooLong[i] = 'a'
	}
	if w.Add(string(tooLong), 100, nil) {
		t.Fatal("expected name exceeding MaxWatchdogNameLen to be rejected")
	}
}
