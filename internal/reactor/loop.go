// Package reactor is the Go stand-in for the single-threaded libuv event
// loop dev-net.c/mod-network.c drive every socket operation through. Go's
// runtime already multiplexes socket readiness beneath net.Conn, so Loop's
// job isn't polling fds — it's sequencing *completions* onto one goroutine
// and giving every other component the same "pump until my result slot is
// set" primitive the original gets from uv_run(UV_RUN_ONCE/UV_RUN_NOWAIT).
package reactor

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "reactor")

// Loop is the process-wide event sequencer. There is exactly one live
// instance for the life of the process (see netrt.Startup/Shutdown),
// matching §4.1's "exactly one reactor instance" invariant.
type Loop struct {
	funcs  chan func()
	notify chan struct{}

	// closeMu guards the closed-check-then-send in Submit against a
	// concurrent Close: Submit holds a read lock across both the check
	// and the send so Close's write lock (taken before close(funcs))
	// can never land in the middle of an in-flight send (which would
	// panic with "send on closed channel" -- e.g. an accept-loop
	// goroutine racing netrt.Shutdown).
	closeMu sync.RWMutex
	closed  bool

	mu      sync.Mutex
	timers  map[*Timer]struct{}
	drained chan struct{}
}

// New constructs and starts a Loop. Tests may create private instances;
// production code uses the single instance returned by netrt.Startup.
func New() *Loop {
	l := &Loop{
		funcs:   make(chan func(), 256),
		notify:  make(chan struct{}, 1),
		timers:  make(map[*Timer]struct{}),
		drained: make(chan struct{}),
	}
	go l.drive()
	return l
}

func (l *Loop) drive() {
	for fn := range l.funcs {
		fn()
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
	close(l.drained)
}

// Submit schedules fn to run on the loop goroutine. Every socket callback
// (connect result, read/write completion, accept, timer fire) is delivered
// this way so that no two callbacks ever run concurrently with each other,
// the Go equivalent of the original's single uv thread (§5 Scheduling
// model: "no parallelism in the core").
func (l *Loop) Submit(fn func()) {
	l.closeMu.RLock()
	defer l.closeMu.RUnlock()
	if l.closed {
		return
	}
	l.funcs <- fn
}

// RunOnce blocks until at least one callback has run, or ctx is done —
// the direct analogue of uv_run(UV_RUN_ONCE), with ctx standing in for
// the halt-signal cancellation §5 requires WAIT to observe promptly.
func (l *Loop) RunOnce(ctx context.Context) error {
	select {
	case <-l.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNoWait drains whatever completions have already landed without
// blocking for more, the analogue of uv_run(UV_RUN_NOWAIT).
func (l *Loop) RunNoWait() {
	for {
		select {
		case <-l.notify:
		default:
			return
		}
	}
}

// RunToDrain pumps until no timers remain armed. Used only during
// Shutdown to finalize timer closures (§4.1).
func (l *Loop) RunToDrain() {
	for {
		l.mu.Lock()
		empty := len(l.timers) == 0
		l.mu.Unlock()
		if empty {
			return
		}
		l.RunNoWait()
		time.Sleep(time.Millisecond)
	}
}

// Close stops accepting new submissions and waits for the drive
// goroutine to exit. Callers must RunToDrain before Close. Close does
// not abort when timers are still registered: it logs an error and
// closes the loop anyway.
func (l *Loop) Close() {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return
	}
	l.closed = true

	l.mu.Lock()
	remaining := len(l.timers)
	l.mu.Unlock()

	if remaining != 0 {
		log.WithField("remaining_timers", remaining).
			Error("closing reactor loop with armed timers outstanding")
	}

	// close(l.funcs) while still holding the write lock: any Submit that
	// had already acquired the read lock finishes its send before Close
	// can get here (RWMutex blocks the writer until readers release),
	// and every Submit arriving afterward observes l.closed under its
	// own read lock and returns before touching the channel.
	close(l.funcs)
	l.closeMu.Unlock()

	<-l.drained
}

// Timer is a one-shot callback scheduled after Delay, or a repeating
// callback when Repeat is non-zero — the wait timer and halt-poll timer
// of §4.8 are built from this. Closing a timer is itself asynchronous
// (it must be Stopped, and the loop run once more to reclaim it), which
// is the normal shutdown discipline for any reactor handle per §4.1.
type Timer struct {
	loop  *Loop
	timer *time.Timer
	done  chan struct{}
}

// StartTimer arms a timer that calls cb (on the loop goroutine) after
// delay, and every repeat thereafter if repeat != 0.
func (l *Loop) StartTimer(delay, repeat time.Duration, cb func()) *Timer {
	t := &Timer{loop: l, done: make(chan struct{})}
	l.mu.Lock()
	l.timers[t] = struct{}{}
	l.mu.Unlock()

	t.timer = time.AfterFunc(delay, func() { t.fire(repeat, cb) })
	return t
}

func (t *Timer) fire(repeat time.Duration, cb func()) {
	select {
	case <-t.done:
		return
	default:
	}
	t.loop.Submit(cb)
	if repeat > 0 {
		t.timer.Reset(repeat)
	}
}

// Stop cancels any pending fire. Safe to call more than once.
func (t *Timer) Stop() {
	select {
	case <-t.done:
		return
	default:
		close(t.done)
	}
	t.timer.Stop()
}

// Close reclaims the timer's slot in the loop's live-handle set. Must be
// called after Stop; the loop should be pumped (RunNoWait/RunOnce) at
// least once afterward for the reclaim to be observable in RunToDrain,
// matching the uv_close-is-asynchronous discipline of §4.1.
func (t *Timer) Close() {
	t.loop.Submit(func() {
		t.loop.mu.Lock()
		delete(t.loop.timers, t)
		t.loop.mu.Unlock()
	})
}
