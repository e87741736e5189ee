// Package sockio implements the per-port socket state described in
// spec.md §3 (SocketState) — the open/closed oracle every other
// component reads before acting, and the only place OS handles are
// created or released.
package sockio

import (
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ankit-kulkarni/netrt/internal/ipv4"
	"github.com/ankit-kulkarni/netrt/internal/reactor"
)

var log = logrus.WithField("component", "sockio")

// Transport is the enumeration from §3: TCP is fully specified, UDP is
// preserved structurally.
type Transport int

const (
	TCP Transport = iota
	UDP
)

func (t Transport) String() string {
	if t == UDP {
		return "UDP"
	}
	return "TCP"
}

// Mode is the §3 bitset. WANT_LISTEN is requested before OPEN; BIND and
// LISTEN are achieved states only set after the matching OS call
// succeeds.
type Mode uint8

const (
	ModeAttempt Mode = 1 << iota
	ModeBind
	ModeListen
	ModeWantListen
)

func (m Mode) Has(bit Mode) bool { return m&bit != 0 }

// Handle is one SocketState. At most one of Conn/Listener/Packet is
// non-nil at a time; that field being non-nil is the open/closed oracle
// (§3: "stream = Some means open").
type Handle struct {
	mu sync.Mutex

	Transport Transport
	Modes     Mode

	Conn     net.Conn       // connected TCP or a post-connect UDP session
	Listener net.Listener   // listening TCP
	Packet   net.PacketConn // listening/sending UDP

	Local  ipv4.Endpoint
	Remote ipv4.Endpoint
}

// New constructs an unopened handle for the given transport.
func New(transport Transport) *Handle {
	return &Handle{Transport: transport}
}

// IsOpen reports whether a live OS handle is attached (§3 invariant: for
// TCP non-listening, stream=Some implies fully connected).
func (h *Handle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Conn != nil || h.Listener != nil || h.Packet != nil
}

// AttachConn records a freshly connected or accepted TCP socket.
func (h *Handle) AttachConn(c net.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Conn = c
	h.Modes &^= ModeAttempt
	h.populateAddrsLocked(c.LocalAddr(), c.RemoteAddr())
}

// AttachListener records a bound+listening TCP socket.
func (h *Handle) AttachListener(l net.Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Listener = l
	h.Modes |= ModeBind | ModeListen
	h.populateAddrsLocked(l.Addr(), nil)
}

// AttachPacket records a UDP socket (listening, sending, or both —
// §4.6 UDP specifics: "OPEN sets stream=fd immediately").
func (h *Handle) AttachPacket(p net.PacketConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Packet = p
	h.populateAddrsLocked(p.LocalAddr(), nil)
}

func (h *Handle) populateAddrsLocked(local, remote net.Addr) {
	if ep, ok := endpointOf(local); ok {
		h.Local = ep
	}
	if remote != nil {
		if ep, ok := endpointOf(remote); ok {
			h.Remote = ep
		}
	}
}

func endpointOf(a net.Addr) (ipv4.Endpoint, bool) {
	switch v := a.(type) {
	case *net.TCPAddr:
		addr, ok := ipv4.FromNetIP(v.IP)
		return ipv4.Endpoint{IP: addr, Port: uint16(v.Port)}, ok
	case *net.UDPAddr:
		addr, ok := ipv4.FromNetIP(v.IP)
		return ipv4.Endpoint{IP: addr, Port: uint16(v.Port)}, ok
	default:
		return ipv4.Endpoint{}, false
	}
}

// SetRemote records the peer of a UDP receive (§4.6: "capture peer
// address into remote_ip/remote_port").
func (h *Handle) SetRemote(addr net.Addr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep, ok := endpointOf(addr); ok {
		h.Remote = ep
	}
}

// Close drives the scoped close-then-drain discipline §3 Ownership
// requires: request close, then pump the reactor until any in-flight
// callback for this handle has had a chance to run, before the handle's
// fields are reset. loop may be nil in tests that never arm a reactor.
func (h *Handle) Close(loop *reactor.Loop) error {
	h.mu.Lock()
	var closer interface{ Close() error }
	switch {
	case h.Conn != nil:
		closer = h.Conn
	case h.Listener != nil:
		closer = h.Listener
	case h.Packet != nil:
		closer = h.Packet
	default:
		h.mu.Unlock()
		return nil // R3-Alpha tolerated closing an already-closed socket
	}
	h.mu.Unlock()

	err := closer.Close()

	if loop != nil {
		done := make(chan struct{})
		loop.Submit(func() { close(done) })
		<-done
	}

	h.mu.Lock()
	h.Conn, h.Listener, h.Packet = nil, nil, nil
	h.Modes = 0
	h.mu.Unlock()

	if err != nil {
		log.WithError(err).Debug("socket close returned an error")
		return errors.Wrap(err, "close")
	}
	return nil
}
