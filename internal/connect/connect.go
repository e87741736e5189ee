// Package connect implements the Connector (spec.md §4.4), the first of
// the two centrally important state machines: open-connect-retry across
// a resolver's address list with a per-attempt timeout, grounded on
// Connect_Socket_Maybe_Queued (dev-net.c) and the libuv getaddrinfo/
// uv_tcp_connect/timer dance in mod-network.c.
package connect

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ankit-kulkarni/netrt/internal/ipv4"
	"github.com/ankit-kulkarni/netrt/internal/reactor"
	"github.com/ankit-kulkarni/netrt/internal/resolve"
	"github.com/ankit-kulkarni/netrt/internal/sockio"
)

var log = logrus.WithField("component", "connect")

// DefaultTimeout is the per-attempt connect ceiling (§4.4), mandatory
// when connecting via hostname.
const DefaultTimeout = 2500 * time.Millisecond

// ErrConnectionTimeout is returned (wrapped) for a single attempt that
// did not complete within its per-attempt timeout.
var ErrConnectionTimeout = errors.New("connection timeout")

// ErrAllAddressesFailed aggregates a failed pass over every resolved
// address; per-address errors are logged but not retained (§4.4 "Result
// reporting").
var ErrAllAddressesFailed = errors.New("connection failed to all IP addresses")

type options struct {
	timeout time.Duration
}

// Option configures a Dial call.
type Option func(*options)

// WithTimeout overrides the per-attempt timeout. Passing 0 means "wait
// indefinitely" (only meaningful combined with ctx cancellation), the
// direct-IP dial path's default per §4.4.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Dial resolves host and tries each returned address in turn, applying
// opts.timeout (default DefaultTimeout) to each attempt, per the
// pseudocode in §4.4.
func Dial(ctx context.Context, loop *reactor.Loop, host string, port uint16, opts ...Option) (*sockio.Handle, error) {
	o := options{timeout: DefaultTimeout}
	for _, fn := range opts {
		fn(&o)
	}

	addrs, err := resolve.Resolve(ctx, host, port)
	if err != nil {
		return nil, err
	}
	return dialAddrs(ctx, loop, addrs, o.timeout)
}

// DialIP connects directly to ep with no DNS step and, per §4.4, no
// per-attempt timeout by default (timeout=0 means wait indefinitely;
// only ctx can cancel it).
func DialIP(ctx context.Context, loop *reactor.Loop, ep ipv4.Endpoint, opts ...Option) (*sockio.Handle, error) {
	o := options{timeout: 0}
	for _, fn := range opts {
		fn(&o)
	}
	return dialAddrs(ctx, loop, []ipv4.Endpoint{ep}, o.timeout)
}

func dialAddrs(ctx context.Context, loop *reactor.Loop, addrs []ipv4.Endpoint, timeout time.Duration) (*sockio.Handle, error) {
	for _, addr := range addrs {
		h, err := attempt(ctx, loop, addr, timeout)
		if err == nil {
			return h, nil
		}
		log.WithFields(logrus.Fields{"addr": addr.String(), "err": err}).
			Debug("connect attempt failed, trying next address")
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "connect cancelled")
		}
	}
	return nil, ErrAllAddressesFailed
}

// attempt opens one socket, submits a non-blocking connect, and pumps
// the reactor until the attempt resolves or its timeout fires. On
// timeout the expired attemptCtx makes DialContext abandon the connect,
// and attempt stops pumping and blocks until the connect goroutine's own
// completion is observed. A connect that raced the deadline to success
// is still closed rather than leaked (§4.4 "Resource safety on timeout").
func attempt(ctx context.Context, loop *reactor.Loop, addr ipv4.Endpoint, timeout time.Duration) (*sockio.Handle, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type dialOutcome struct {
		conn net.Conn
		err  error
	}
	var result dialOutcome
	done := make(chan struct{})

	var d net.Dialer
	go func() {
		c, err := d.DialContext(attemptCtx, "tcp4", addr.String())
		result = dialOutcome{c, err}
		close(done) // happens-before the <-done receive below; safe without a mutex
		if loop != nil {
			loop.Submit(func() {})
		}
	}()

	if loop != nil {
	pump:
		for {
			select {
			case <-done:
				break pump
			default:
			}
			if loop.RunOnce(attemptCtx) != nil {
				break // attemptCtx done: timeout or outer cancellation
			}
		}
	}

	// Whether or not the pump above broke on a timeout, the dial
	// goroutine must still be allowed to finish.
	<-done
	c, err := result.conn, result.err

	timedOut := timeout > 0 && attemptCtx.Err() == context.DeadlineExceeded

	if err != nil {
		if timedOut {
			return nil, ErrConnectionTimeout
		}
		return nil, errors.Wrap(err, "connect")
	}

	if timedOut {
		// Connect succeeded precisely as we gave up on it: release the
		// live socket rather than leak it (§9 Open Questions).
		_ = c.Close()
		return nil, ErrConnectionTimeout
	}

	h := sockio.New(sockio.TCP)
	h.AttachConn(c)
	return h, nil
}
