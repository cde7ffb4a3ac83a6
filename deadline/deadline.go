// Package deadline wraps a tool invocation with a wall-clock timeout on
// the hosted runtime — spec.md §5 notes that "tool handlers may
// themselves suspend... the core treats that as normal elapsed time",
// but a hosted Go process still needs a way to stop waiting on a handler
// that never returns. Grounded on the teacher's resilience.Timeout
// (resilience/timeout.go), kept nearly as-is since the spec doesn't ask
// for anything the teacher's shape doesn't already provide.
package deadline

import (
	"context"
	"errors"
	"time"
)

// ErrExceeded is returned when an operation exceeds its deadline.
var ErrExceeded = errors.New("deadline: operation exceeded its deadline")

// Config configures a Guard.
type Config struct {
	// Timeout is the maximum duration for the operation. Default: 30s.
	Timeout time.Duration
}

// Guard wraps operations with a timeout, running them on a separate
// goroutine so a handler that never checks ctx still gets bounded.
type Guard struct {
	cfg Config
}

// New creates a Guard.
func New(cfg Config) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Guard{cfg: cfg}
}

// Run executes op under the configured deadline. A goroutine leak is
// possible if op never returns after ctx is cancelled — callers must
// write handlers that check ctx.Done().
func (g *Guard) Run(ctx context.Context, op func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return ErrExceeded
		}
		return ctx.Err()
	}
}
