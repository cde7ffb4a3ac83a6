// Package retry implements the retry executor from spec.md §3/§4.3:
// bounded attempts with exponential backoff and four jitter strategies,
// grounded on the teacher's resilience.Retry (resilience/retry.go) but
// reshaped around the spec's tri-state Outcome (Success/Retryable/Fatal)
// instead of a plain error, driven by an injected clock.Clock and
// rng.Source instead of time.Now/math/rand/v2 directly, and suspending
// through a Sleeper so the "single delay primitive" spec.md §5 describes
// can be swapped for a deterministic one in tests.
package retry

import (
	"math"
	"time"

	"github.com/quantumnic/mcpd-core/clock"
	"github.com/quantumnic/mcpd-core/rng"
)

// Outcome is the three-way result an operation reports to the executor.
type Outcome int

const (
	// Success ends the retry loop immediately.
	Success Outcome = iota
	// Retryable may be retried, subject to policy limits.
	Retryable
	// Fatal ends the retry loop immediately without success.
	Fatal
)

// Attempt is what an operation returns to the executor on each call.
type Attempt struct {
	Outcome Outcome
	Value   any
	Err     error
}

// Op is the operation the executor drives.
type Op func() Attempt

// JitterStrategy selects how delayForAttempt randomizes backoff.
type JitterStrategy int

const (
	JitterNone JitterStrategy = iota
	JitterFull
	JitterEqual
	JitterDecorrelated
)

// Policy configures a retry run (spec.md §3 RetryPolicy).
type Policy struct {
	MaxRetries     int
	BaseDelayMS    uint32
	Multiplier     float64
	MaxDelayMS     uint32
	TotalTimeoutMS uint32 // 0 = no budget
	Jitter         JitterStrategy

	OnRetry  func(attempt int, delayMS uint32, err error)
	OnGiveUp func(attempts int, err error)
}

func (p *Policy) applyDefaults() {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelayMS <= 0 {
		p.BaseDelayMS = 100
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2
	}
	if p.MaxDelayMS <= 0 {
		p.MaxDelayMS = 30_000
	}
}

// Sleeper abstracts the executor's single suspension primitive (spec.md
// §5: "conceptual only... on a hosted runtime this may be a non-blocking
// sleep").
type Sleeper interface {
	Sleep(ms uint32)
}

// RealSleeper suspends the calling goroutine via time.Sleep.
type RealSleeper struct{}

func (RealSleeper) Sleep(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}

// Stats is the cumulative counter set from spec.md §3 RetryStats.
type Stats struct {
	Attempts     uint64 `json:"attempts"`
	Successes    uint64 `json:"successes"`
	Retries      uint64 `json:"retries"`
	Failures     uint64 `json:"failures"`
	FatalErrors  uint64 `json:"fatalErrors"`
	Timeouts     uint64 `json:"timeouts"`
	TotalDelayMS uint64 `json:"totalDelayMs"`
}

// Result is what Execute returns.
type Result struct {
	Outcome  Outcome
	Value    any
	Err      error
	Attempts int
}

// Executor runs operations under a Policy, collecting Stats.
type Executor struct {
	clk     clock.Clock
	rngSrc  rng.Source
	sleeper Sleeper
	stats   Stats
}

// New creates an Executor. sleeper may be nil to use RealSleeper.
func New(clk clock.Clock, rngSrc rng.Source, sleeper Sleeper) *Executor {
	if sleeper == nil {
		sleeper = RealSleeper{}
	}
	return &Executor{clk: clk, rngSrc: rngSrc, sleeper: sleeper}
}

// Execute runs op under policy p (spec.md §4.3's algorithm).
func (e *Executor) Execute(p Policy, op Op) Result {
	p.applyDefaults()
	start := e.clk.NowMS()
	var lastDelay uint32

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		e.stats.Attempts++

		if attempt > 0 && p.TotalTimeoutMS > 0 && clock.Elapsed(e.clk.NowMS(), start) >= p.TotalTimeoutMS {
			e.stats.Timeouts++
			err := errTimeout{}
			return Result{Outcome: Fatal, Err: err, Attempts: attempt + 1}
		}

		a := op()

		switch a.Outcome {
		case Success:
			e.stats.Successes++
			return Result{Outcome: Success, Value: a.Value, Attempts: attempt + 1}
		case Fatal:
			e.stats.FatalErrors++
			return Result{Outcome: Fatal, Err: a.Err, Attempts: attempt + 1}
		}

		if attempt == p.MaxRetries {
			e.stats.Failures++
			if p.OnGiveUp != nil {
				p.OnGiveUp(attempt+1, a.Err)
			}
			return Result{Outcome: Retryable, Err: a.Err, Attempts: attempt + 1}
		}

		delay := e.delayForAttempt(p, attempt, lastDelay)
		lastDelay = delay
		if p.TotalTimeoutMS > 0 {
			remaining := budgetRemaining(p.TotalTimeoutMS, clock.Elapsed(e.clk.NowMS(), start))
			if delay > remaining {
				delay = remaining
			}
		}

		e.stats.Retries++
		e.stats.TotalDelayMS += uint64(delay)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, a.Err)
		}
		e.sleeper.Sleep(delay)
	}

	// Unreachable: the loop always returns from within, this satisfies
	// the compiler's control-flow analysis.
	return Result{Outcome: Fatal, Err: errTimeout{}, Attempts: p.MaxRetries + 1}
}

func budgetRemaining(total, elapsed uint32) uint32 {
	if elapsed >= total {
		return 0
	}
	return total - elapsed
}

// delayForAttempt implements spec.md §4.3's backoff + jitter formula.
func (e *Executor) delayForAttempt(p Policy, attempt int, lastDelay uint32) uint32 {
	d := float64(p.BaseDelayMS)
	for i := 0; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelayMS) {
			d = float64(p.MaxDelayMS)
			break
		}
	}
	base := uint32(math.Min(d, float64(p.MaxDelayMS)))

	switch p.Jitter {
	case JitterNone:
		return base
	case JitterFull:
		if base == 0 {
			return 0
		}
		return e.rngSrc.Range(0, base)
	case JitterEqual:
		half := base / 2
		if half == 0 {
			return base
		}
		return half + e.rngSrc.Range(0, half)
	case JitterDecorrelated:
		prev := lastDelay
		if prev < p.BaseDelayMS {
			prev = p.BaseDelayMS
		}
		upper := prev * 3
		if upper > p.MaxDelayMS {
			upper = p.MaxDelayMS
		}
		lower := p.BaseDelayMS
		if lower > upper {
			lower = upper
		}
		if upper <= lower {
			return lower
		}
		return lower + e.rngSrc.Range(0, upper-lower)
	default:
		return base
	}
}

// Stats returns the cumulative counters observed so far.
func (e *Executor) Stats() Stats {
	return e.stats
}

type errTimeout struct{}

func (errTimeout) Error() string { return "total timeout exceeded" }
