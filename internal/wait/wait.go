// Package wait implements the WAIT primitive (spec.md §4.8), the only
// place script execution blocks the process. Grounded on Wait_Ports_Throws
// (do-async-process equivalent in sys-ports.r) and the libuv wait-timer /
// halt-poll-timer race dev-event.c sets up for every synchronous wait.
package wait

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ankit-kulkarni/netrt/internal/port"
	"github.com/ankit-kulkarni/netrt/internal/reactor"
)

// HaltPollInterval is the always-armed recheck that keeps even an
// unbounded WAIT responsive to a halt request (§4.8 "the halt-poll
// timer never depends on the caller's timeout").
const HaltPollInterval = 500 * time.Millisecond

// ErrHalted signals that ctx was cancelled mid-wait. Per §4.8 a halt
// is a control transfer, not an ordinary WAIT result: callers must
// propagate it up rather than hand it back as a timed-out/ready Result.
var ErrHalted = errors.New("halted")

// Request is what a script-level WAIT call accepts: zero or more ports
// to watch, and optionally a timeout. HasTimeout distinguishes "no
// duration argument" from "WAIT 0" -- both are zero time.Duration in Go
// but mean different things (the latter polls once and returns).
type Request struct {
	Ports      []*port.Port
	Timeout    time.Duration
	HasTimeout bool
}

// Result reports why Wait returned: TimedOut is set if the duration
// elapsed with nothing ready; Ready lists whichever watched ports (if
// any) had pending work.
type Result struct {
	Ready    []*port.Port
	TimedOut bool
}

// Wait blocks until one of: a watched port has work, req.Timeout
// elapses (if HasTimeout), or ctx is cancelled. A halt-poll timer is
// armed alongside the user timeout so ctx cancellation is observed
// within HaltPollInterval even when the caller asked to wait forever.
func Wait(ctx context.Context, loop *reactor.Loop, req Request) (Result, error) {
	if ready := pollReady(ctx, req.Ports); len(ready) > 0 {
		return Result{Ready: ready}, nil
	}
	if req.HasTimeout && req.Timeout <= 0 {
		return Result{TimedOut: true}, nil
	}

	var timedOut bool
	if req.HasTimeout {
		t := loop.StartTimer(req.Timeout, 0, func() { timedOut = true })
		defer reclaim(loop, t)
	}

	halt := loop.StartTimer(HaltPollInterval, HaltPollInterval, func() {})
	defer reclaim(loop, halt)

	for {
		if ctx.Err() != nil {
			return Result{}, ErrHalted
		}
		if ready := pollReady(ctx, req.Ports); len(ready) > 0 {
			return Result{Ready: ready}, nil
		}
		if timedOut {
			return Result{TimedOut: true}, nil
		}
		if err := loop.RunOnce(ctx); err != nil && ctx.Err() != nil {
			return Result{}, ErrHalted
		}
	}
}

// pollReady arms the check for every watched port concurrently
// (errgroup), mirroring the original's per-port fd registration before
// the single uv_run call -- here there's no fd to register, only a
// readiness predicate, but the fan-out stays so N ports cost one round
// trip instead of N.
func pollReady(ctx context.Context, ports []*port.Port) []*port.Port {
	if len(ports) == 0 {
		return nil
	}
	ready := make([]bool, len(ports))
	g, _ := errgroup.WithContext(ctx)
	for i, p := range ports {
		i, p := i, p
		g.Go(func() error {
			ready[i] = p.Ready()
			return nil
		})
	}
	_ = g.Wait()

	var out []*port.Port
	for i, ok := range ready {
		if ok {
			out = append(out, ports[i])
		}
	}
	return out
}

// reclaim stops a timer and reclaims its slot in the loop's live-handle
// set, then pumps once so the reclaim is observable to RunToDrain --
// the same Stop-then-Close-then-pump discipline §4.1 requires of every
// reactor handle.
func reclaim(loop *reactor.Loop, t *reactor.Timer) {
	t.Stop()
	t.Close()
	loop.RunNoWait()
}
