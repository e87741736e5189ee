// Package listen implements the Listener/Acceptor (spec.md §4.5),
// grounded on Start_Listening_On_Socket and Accept_Socket_Finishing in
// dev-net.c. The systemd-activation adoption path is a recovered/
// supplemented feature, grounded on the teacher's
// graceful_restarts/systemd-socket-activation experiment: instead of
// always calling bind()+listen(), a listener can adopt an
// already-bound socket handed down by systemd.
package listen

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ankit-kulkarni/netrt/internal/netevent"
	"github.com/ankit-kulkarni/netrt/internal/reactor"
	"github.com/ankit-kulkarni/netrt/internal/sockio"
)

var log = logrus.WithField("component", "listen")

// DefaultPort is the fallback local-id for a listener spec that omits
// net-port-id, per §6.
const DefaultPort = 8000

// Spec describes the bind request, drawn from the port spec fields
// net-host (must be absent/blank to reach this path)/net-port-id/
// net-local-id.
type Spec struct {
	Port               uint16
	UseSystemdActivate bool
}

// Accepted is a child connection handed from the acceptor to whatever
// owns the connections list (internal/port's TAKE verb wraps these into
// full ports). Kept decoupled from internal/port to avoid an import
// cycle.
type Accepted struct {
	Handle *sockio.Handle
}

// Listener is a bound+listening TCP socket plus its pending-connections
// list (§3 "Listener state").
type Listener struct {
	Handle *sockio.Handle

	mu          sync.Mutex
	connections []*Accepted
	stopped     bool

	loop    *reactor.Loop
	events  *netevent.Queue
	portID  uint64
	onError func(error)
}

// Listen binds INADDR_ANY:spec.Port and starts listening, or adopts a
// systemd-activated socket when spec.UseSystemdActivate is set and one
// is available. portID identifies the owning port in posted events.
// onError is invoked (before the ERROR event is posted) for an accept
// failure, which arrives with no operation in flight on the listening
// port (§4.5, §7 point (d)) -- it is how the owning port's LastError
// gets set for an error that has nowhere else to go. May be nil.
func Listen(loop *reactor.Loop, events *netevent.Queue, portID uint64, spec Spec, onError func(error)) (*Listener, error) {
	h := sockio.New(sockio.TCP)
	h.Modes |= sockio.ModeWantListen

	port := spec.Port
	if port == 0 {
		port = DefaultPort
	}

	ln, err := bind(spec, port)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	h.AttachListener(ln)

	l := &Listener{Handle: h, loop: loop, events: events, portID: portID, onError: onError}
	go l.acceptLoop()
	return l, nil
}

func bind(spec Spec, port uint16) (net.Listener, error) {
	if spec.UseSystemdActivate {
		if ln, ok := adoptSystemdListener(); ok {
			log.Debug("adopted systemd-activated listener")
			return ln, nil
		}
	}

	lc := net.ListenConfig{Control: sockio.ReuseAddrControl}
	return lc.Listen(context.Background(), "tcp4", fmt.Sprintf(":%d", port))
}

// adoptSystemdListener looks for sockets handed down via the systemd
// socket-activation protocol (LISTEN_FDS), the same mechanism the
// teacher's graceful_restarts/systemd-socket-activation demo falls back
// away from when no sockets are found.
func adoptSystemdListener() (net.Listener, bool) {
	listeners, err := activation.Listeners()
	if err != nil || len(listeners) == 0 || listeners[0] == nil {
		return nil, false
	}
	return listeners[0], true
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.Handle.Listener.Accept()
		if err != nil {
			l.mu.Lock()
			stopped := l.stopped
			l.mu.Unlock()
			if stopped {
				return
			}
			// Accept errors are surfaced as an ERROR event on the
			// listening port, never raised synchronously, because the
			// loop may be running on behalf of unrelated READ/WRITE
			// operations at the time (§4.5). onError records the error
			// on the owning port before the event fires, since the
			// event itself only carries a PortID, not a place to stash
			// the error value.
			if l.onError != nil {
				l.onError(err)
			}
			l.postAsync(netevent.Error)
			log.WithError(err).Warn("accept failed")
			return
		}

		child := sockio.New(sockio.TCP)
		child.AttachConn(conn)

		l.mu.Lock()
		l.connections = append(l.connections, &Accepted{Handle: child})
		l.mu.Unlock()

		l.postAsync(netevent.Accept)
	}
}

func (l *Listener) postAsync(t netevent.Type) {
	evt := netevent.Event{Type: t, PortID: l.portID}
	if l.loop != nil {
		l.loop.Submit(func() { l.events.Post(evt) })
		return
	}
	l.events.Post(evt)
}

// Take removes up to n accepted connections from the front (or back, if
// last is true) of the connections list, per the TAKE verb (§4.7). n<0
// means "all available".
func (l *Listener) Take(n int, last bool) []*Accepted {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n < 0 || n > len(l.connections) {
		n = len(l.connections)
	}
	var taken []*Accepted
	if last {
		idx := len(l.connections) - n
		taken = l.connections[idx:]
		l.connections = l.connections[:idx]
	} else {
		taken = l.connections[:n]
		l.connections = l.connections[n:]
	}
	return taken
}

// PendingCount reports how many accepted connections are waiting to be
// taken.
func (l *Listener) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.connections)
}

// Close stops the accept loop and closes the listening socket.
func (l *Listener) Close(loop *reactor.Loop) error {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	return l.Handle.Close(loop)
}
