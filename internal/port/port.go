// Package port implements the Port Actor (spec.md §4.7): the verb
// dispatch table mapping OPEN/READ/WRITE/QUERY/CLOSE/LENGTH-OF/OPEN?/TAKE
// onto the Connector, Listener, and Transfer Engine, and enforcing the
// open/unopened state tables. Grounded on Transport_Actor in p-net.c.
package port

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ankit-kulkarni/netrt/internal/connect"
	"github.com/ankit-kulkarni/netrt/internal/ipv4"
	"github.com/ankit-kulkarni/netrt/internal/listen"
	"github.com/ankit-kulkarni/netrt/internal/netevent"
	"github.com/ankit-kulkarni/netrt/internal/reactor"
	"github.com/ankit-kulkarni/netrt/internal/sockio"
	"github.com/ankit-kulkarni/netrt/internal/transfer"
)

var log = logrus.WithField("component", "port")

// Error taxonomy (§6 / §7). Transport errors from OS calls are wrapped
// around these with pkg/errors so callers can still errors.Is() them.
var (
	ErrNotOpen      = errors.New("port not open")
	ErrNotConnected = transfer.ErrNotConnected
	ErrInvalidSpec  = errors.New("invalid spec")
	ErrBadRefines   = errors.New("bad refines")
)

// DefaultTCPPort is net-port-id's default for a hostname/IP OPEN (§6).
const DefaultTCPPort = 80

var idSeq uint64

// Spec is the subset of port spec fields the core consumes (§6).
type Spec struct {
	HostText *string        // net-host as text: resolve+connect
	HostIP   *ipv4.Endpoint // net-host as tuple: direct open+connect, no timeout
	PortID   uint16         // net-port-id; 0 means "use default"
	LocalID  uint16         // net-local-id; 0 means listen.DefaultPort for a TCP listener, a system-picked port for UDP
}

// Refinements mirrors the refinement set READ/WRITE/TAKE accept or
// reject (§4.7).
type Refinements struct {
	Part   *int // :part n, for READ or WRITE
	Seek   bool
	Append bool
	Allow  bool
	Lines  bool
	Deep   bool // TAKE :deep
	Last   bool // TAKE :last
}

// Port is one script-visible port handle: a SocketState, a spec, a data
// buffer, and (for listeners) a connections list.
type Port struct {
	mu sync.Mutex

	id         uint64
	Transport  sockio.Transport
	Spec       Spec
	everOpened bool

	Handle   *sockio.Handle
	listener *listen.Listener
	Data     bytes.Buffer

	// LastError is port.error from §4.7: set when an asynchronous error
	// arrives with no operation in flight (§7, §9).
	LastError error

	loop   *reactor.Loop
	events *netevent.Queue
}

// New allocates an unopened port. loop/events may be process-wide
// singletons (netrt.Startup) or private instances in tests.
func New(loop *reactor.Loop, events *netevent.Queue, transport sockio.Transport, spec Spec) *Port {
	return &Port{
		id:        atomic.AddUint64(&idSeq, 1),
		Transport: transport,
		Spec:      spec,
		loop:      loop,
		events:    events,
	}
}

// ID is the opaque identifier events.Event.PortID refers to.
func (p *Port) ID() uint64 { return p.id }

// OpenQ is the OPEN? verb, whose meaning differs between the unopened
// and open dispatch tables (§4.7).
func (p *Port) OpenQ() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.everOpened {
		return false
	}
	if p.listener != nil {
		return p.Handle.Modes.Has(sockio.ModeBind)
	}
	return p.Handle.IsOpen()
}

// Open dispatches on the spec's host field exactly as §4.7's unopened
// OPEN row describes: text host -> resolve+connect; tuple host ->
// direct open+connect with no timeout; absent host -> WANT_LISTEN+bind+
// listen.
func (p *Port) Open(ctx context.Context) error {
	p.mu.Lock()
	alreadyOpen := p.everOpened && p.Handle != nil && p.Handle.IsOpen()
	p.mu.Unlock()
	if alreadyOpen {
		return nil // R3-Alpha tolerated OPEN on an already-open port
	}

	switch {
	case p.Spec.HostIP != nil:
		ep := *p.Spec.HostIP
		if ep.Port == 0 {
			ep.Port = DefaultTCPPort
		}
		h, err := connect.DialIP(ctx, p.loop, ep)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.Handle, p.Transport, p.everOpened = h, sockio.TCP, true
		p.mu.Unlock()
		p.postEvent(netevent.Connect)
		return nil

	case p.Spec.HostText != nil:
		portID := p.Spec.PortID
		if portID == 0 {
			portID = DefaultTCPPort
		}
		h, err := connect.Dial(ctx, p.loop, *p.Spec.HostText, portID)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.Handle, p.Transport, p.everOpened = h, sockio.TCP, true
		p.mu.Unlock()
		p.postEvent(netevent.Connect)
		return nil

	default: // host absent: WANT_LISTEN
		if p.Transport == sockio.UDP {
			h, err := openUDP(p.Spec.LocalID)
			if err != nil {
				return err
			}
			p.mu.Lock()
			p.Handle, p.everOpened = h, true
			p.mu.Unlock()
			return nil
		}
		l, err := listen.Listen(p.loop, p.events, p.id, listen.Spec{Port: p.Spec.LocalID}, p.setAsyncError)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.listener, p.Handle, p.everOpened = l, l.Handle, true
		p.mu.Unlock()
		return nil
	}
}

// openUDP binds a datagram socket. UDP has no LISTEN/ACCEPT phase
// (§4.6 UDP specifics): OPEN sets the handle's stream immediately and
// every subsequent READ/WRITE targets whatever peer last sent to or was
// addressed by this socket.
func openUDP(localID uint16) (*sockio.Handle, error) {
	port := int(localID)
	lc := net.ListenConfig{Control: sockio.ReuseAddrControl}
	pc, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrap(err, "listen udp")
	}
	h := sockio.New(sockio.UDP)
	h.AttachPacket(pc)
	return h, nil
}

// Close is the CLOSE verb: a no-op on an unopened port (§4.7 unopened
// table), otherwise releases the OS handle and resets modes (§3).
func (p *Port) Close() error {
	p.mu.Lock()
	h := p.Handle
	l := p.listener
	p.mu.Unlock()

	if h == nil {
		return nil
	}
	if l != nil {
		return l.Close(p.loop)
	}
	return h.Close(p.loop)
}

// LengthOf is the LENGTH-OF verb.
func (p *Port) LengthOf() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Data.Len()
}

// Read is the READ verb. refine.Part, if set, requests :part n (exact
// length); otherwise the call is Unlimited.
func (p *Port) Read(refine Refinements) (int, error) {
	if refine.Seek || refine.Allow || refine.Lines {
		return 0, ErrBadRefines
	}
	p.mu.Lock()
	h := p.Handle
	connected := h != nil && (p.Transport == sockio.UDP || h.IsOpen())
	p.mu.Unlock()
	if !connected {
		return 0, ErrNotConnected
	}

	length := transfer.Unlimited
	if refine.Part != nil {
		length = transfer.Exactly(*refine.Part)
	}

	res := transfer.Read(h, &p.Data, length)
	if res.Err != nil {
		// This error is in flight on the READ call that produced it, so
		// it travels through the return value only (§7 point (c)); it
		// is not also synthesized into an ERROR event, which is
		// reserved for errors with no operation in flight (§7 point
		// (d), e.g. internal/listen's accept-loop errors).
		log.WithError(res.Err).WithField("port_id", p.id).Debug("read failed")
		return res.Actual, res.Err
	}

	p.postEvent(netevent.Read)
	if res.Closed {
		p.postEvent(netevent.Close)
		p.mu.Lock()
		p.Handle = nil
		p.mu.Unlock()
	}
	return res.Actual, nil
}

// Write is the WRITE verb. refine.Part clips data to n bytes.
func (p *Port) Write(data []byte, refine Refinements) (int, error) {
	if refine.Seek || refine.Append || refine.Allow || refine.Lines {
		return 0, ErrBadRefines
	}
	p.mu.Lock()
	h := p.Handle
	connected := h != nil && (p.Transport == sockio.UDP || h.IsOpen())
	p.mu.Unlock()
	if !connected {
		return 0, ErrNotConnected
	}

	part := -1
	if refine.Part != nil {
		part = *refine.Part
	}

	res := transfer.Write(h, data, part)
	if res.Err != nil {
		// In flight on this WRITE call: return it synchronously only,
		// same reasoning as Read above.
		log.WithError(res.Err).WithField("port_id", p.id).Debug("write failed")
		return res.Actual, res.Err
	}

	p.postEvent(netevent.Wrote)
	return res.Actual, nil
}

// SchemeInfo is the shallow copy QUERY returns (§4.7, §6 "Scheme info").
type SchemeInfo struct {
	LocalIP    ipv4.Addr
	LocalPort  uint16
	RemoteIP   ipv4.Addr
	RemotePort uint16
}

// Query is the QUERY verb.
func (p *Port) Query() SchemeInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Handle == nil {
		return SchemeInfo{}
	}
	return SchemeInfo{
		LocalIP:    p.Handle.Local.IP,
		LocalPort:  p.Handle.Local.Port,
		RemoteIP:   p.Handle.Remote.IP,
		RemotePort: p.Handle.Remote.Port,
	}
}

// Take is the TAKE verb: listener-only, removes accepted connections
// from the connections list and wraps each as a connected child Port.
func (p *Port) Take(refine Refinements) ([]*Port, error) {
	p.mu.Lock()
	l := p.listener
	transportKind := p.Transport
	p.mu.Unlock()

	if l == nil || transportKind == sockio.UDP {
		return nil, errors.New("TAKE is only available on TCP LISTEN ports")
	}

	n := 1
	if refine.Part != nil {
		n = *refine.Part
	} else if refine.Deep {
		n = -1 // take all
	}

	accepted := l.Take(n, refine.Last)
	out := make([]*Port, 0, len(accepted))
	for _, a := range accepted {
		child := New(p.loop, p.events, sockio.TCP, Spec{})
		child.Handle = a.Handle
		child.everOpened = true
		out = append(out, child)
	}
	return out, nil
}

// Ready reports whether the port already has work waiting for it --
// buffered read data, or (for a listener) an accepted connection not
// yet taken -- letting WAIT skip the reactor entirely when it can.
func (p *Port) Ready() bool {
	p.mu.Lock()
	l := p.listener
	dataLen := p.Data.Len()
	p.mu.Unlock()
	if l != nil {
		return l.PendingCount() > 0
	}
	return dataLen > 0
}

// JoinMulticast and LeaveMulticast surface p-net.c's SET-UDP-MULTICAST
// native: membership control is only meaningful on an open UDP port.
func (p *Port) JoinMulticast(group, member ipv4.Endpoint) error {
	p.mu.Lock()
	h, transportKind := p.Handle, p.Transport
	p.mu.Unlock()
	if h == nil || transportKind != sockio.UDP {
		return ErrNotOpen
	}
	return h.JoinMulticast(group, member)
}

func (p *Port) LeaveMulticast(group, member ipv4.Endpoint) error {
	p.mu.Lock()
	h, transportKind := p.Handle, p.Transport
	p.mu.Unlock()
	if h == nil || transportKind != sockio.UDP {
		return ErrNotOpen
	}
	return h.LeaveMulticast(group, member)
}

// SetMulticastTTL surfaces p-net.c's SET-UDP-TTL native.
func (p *Port) SetMulticastTTL(ttl int) error {
	p.mu.Lock()
	h, transportKind := p.Handle, p.Transport
	p.mu.Unlock()
	if h == nil || transportKind != sockio.UDP {
		return ErrNotOpen
	}
	return h.SetTTL(ttl)
}

func (p *Port) setAsyncError(err error) {
	p.mu.Lock()
	p.LastError = err
	p.mu.Unlock()
	log.WithError(err).WithField("port_id", p.id).Debug("port error recorded")
}

// OnWakeUp is the p-net.c SYM_ON_WAKE_UP bookkeeping step (SPEC_FULL §4
// "ON-WAKE-UP bookkeeping"): the awake dispatcher runs it against an
// event immediately before that event is handed to script-level awake
// logic. A completed WRITE clears the port's data buffer, since the
// bytes just drained to the OS have nothing left to keep queued; every
// other event type leaves the buffer exactly as the Transfer Engine or
// Connector left it.
func (p *Port) OnWakeUp(evt netevent.Event) {
	if evt.PortID != p.id || evt.Type != netevent.Wrote {
		return
	}
	p.mu.Lock()
	p.Data.Reset()
	p.mu.Unlock()
}

func (p *Port) postEvent(t netevent.Type) {
	evt := netevent.Event{Type: t, PortID: p.id}
	p.OnWakeUp(evt)
	if p.loop != nil {
		p.loop.Submit(func() { p.events.Post(evt) })
		return
	}
	p.events.Post(evt)
}
