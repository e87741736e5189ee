// Multicast and TTL control for UDP handles, recovered from p-net.c's
// SET-UDP-MULTICAST and SET-UDP-TTL natives (mod-network.c), which the
// distilled spec dropped along with the rest of the UDP surface. Grounded
// on golang.org/x/sys/unix the way the retrieval pack's subtrace socket.go
// and the teacher's sendfl/main.go reach for raw setsockopt-level control
// instead of a higher-level wrapper.
package sockio

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ankit-kulkarni/netrt/internal/ipv4"
)

// rawControl runs fn with the raw fd of the handle's UDP packet
// connection, the same SyscallConn pattern graceful_restarts/SocketHandoff
// uses to inspect a listener's fd.
func (h *Handle) rawControl(fn func(fd uintptr) error) error {
	h.mu.Lock()
	pc := h.Packet
	h.mu.Unlock()

	udp, ok := pc.(*net.UDPConn)
	if !ok {
		return errors.New("multicast control requires a UDP packet connection")
	}
	raw, err := udp.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "syscallconn")
	}

	var opErr error
	err = raw.Control(func(fd uintptr) {
		opErr = fn(fd)
	})
	if err != nil {
		return errors.Wrap(err, "raw control")
	}
	return opErr
}

// JoinMulticast joins group (224.0.0.0-239.255.255.255) using member as
// the local interface address, or INADDR_ANY if member is unspecified.
func (h *Handle) JoinMulticast(group, member ipv4.Endpoint) error {
	return h.rawControl(func(fd uintptr) error {
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], group.IP.Tuple()[:])
		copy(mreq.Interface[:], member.IP.Tuple()[:])
		return errors.Wrap(
			unix.SetsockoptIPMreq(int(fd), unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq),
			"setsockopt IP_ADD_MEMBERSHIP",
		)
	})
}

// LeaveMulticast drops membership previously established by
// JoinMulticast.
func (h *Handle) LeaveMulticast(group, member ipv4.Endpoint) error {
	return h.rawControl(func(fd uintptr) error {
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], group.IP.Tuple()[:])
		copy(mreq.Interface[:], member.IP.Tuple()[:])
		return errors.Wrap(
			unix.SetsockoptIPMreq(int(fd), unix.IPPROTO_IP, unix.IP_DROP_MEMBERSHIP, mreq),
			"setsockopt IP_DROP_MEMBERSHIP",
		)
	})
}

// SetTTL sets the outgoing multicast TTL (0 = local machine only, 1 =
// subnet, up to 255).
func (h *Handle) SetTTL(ttl int) error {
	return h.rawControl(func(fd uintptr) error {
		return errors.Wrap(
			unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_TTL, ttl),
			"setsockopt IP_MULTICAST_TTL",
		)
	})
}
