package event

import (
	"testing"

	"github.com/quantumnic/mcpd-core/clock"
)

func TestStoreSeqMonotonicAcrossEviction(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{Capacity: 2})

	s.Append("a", "1", Info)
	s.Append("a", "2", Info)
	s.Append("a", "3", Info) // evicts seq 0

	events := s.LastN(10)
	if len(events) != 2 {
		t.Fatalf("LastN(10) len = %d, want 2", len(events))
	}
	if events[0].Seq != 1 || events[1].Seq != 2 {
		t.Fatalf("seqs = %d,%d, want 1,2", events[0].Seq, events[1].Seq)
	}
}

func TestStoreClearKeepsSeq(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{Capacity: 4})
	s.Append("a", "x", Info)
	s.Append("a", "y", Info)

	s.Clear()
	if s.Snapshot().Count != 0 {
		t.Fatal("expected empty buffer after Clear")
	}

	ev := s.Append("a", "z", Info)
	if ev.Seq != 2 {
		t.Fatalf("seq after Clear = %d, want 2 (Clear must not reset seq)", ev.Seq)
	}
}

func TestStoreResetRewindsSeq(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{Capacity: 4})
	s.Append("a", "x", Info)
	s.Reset()

	ev := s.Append("a", "y", Info)
	if ev.Seq != 0 {
		t.Fatalf("seq after Reset = %d, want 0", ev.Seq)
	}
}

func TestStoreListenerFires(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{Capacity: 4})

	var got []Event
	s.AddListener(func(e Event) { got = append(got, e) })

	s.Append("tag", "payload", Warning)

	if len(got) != 1 {
		t.Fatalf("listener fired %d times, want 1", len(got))
	}
	if got[0].Tag != "tag" || got[0].Severity != Warning {
		t.Fatalf("unexpected event delivered to listener: %+v", got[0])
	}
}

func TestStoreListenerPanicAbsorbed(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{Capacity: 4})

	s.AddListener(func(Event) { panic("boom") })
	s.Append("tag", "payload", Info) // must not panic the caller

	if s.ListenerErrors() != 1 {
		t.Fatalf("ListenerErrors() = %d, want 1", s.ListenerErrors())
	}
}

func TestStoreRemoveListener(t *testing.T) {
	clk := clock.NewTest(0)
	s := New(clk, Config{Capacity: 4})

	calls := 0
	id := s.AddListener(func(Event) { calls++ })
	s.Append("a", "1", Info)
	s.RemoveListener(id)
	s.Append("a", "2", Info)

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestStoreQueries(t *testing.T) {
	clk := clock.NewTest(100)
	s := New(clk, Config{Capacity: 10})

	s.Append("x", "1", Debug)
	clk.Advance(50)
	s.Append("y", "2", Error)
	clk.Advance(50)
	s.Append("x", "3", Critical)

	if got := s.ByTag("x"); len(got) != 2 {
		t.Fatalf("ByTag(x) len = %d, want 2", len(got))
	}
	if got := s.MinSeverity(Error); len(got) != 2 {
		t.Fatalf("MinSeverity(Error) len = %d, want 2", len(got))
	}
	if got := s.SinceMS(150); len(got) != 2 {
		t.Fatalf("SinceMS(150) len = %d, want 2", len(got))
	}
	if got := s.AfterSeq(0); len(got) != 2 {
		t.Fatalf("AfterSeq(0) len = %d, want 2", len(got))
	}
}
