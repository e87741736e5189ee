// Package ipv4 holds the 32-bit network-byte-order address representation
// the rest of netrt builds on, mirroring dev-net.c's Set_Addr/Get_Local_IP
// helpers instead of scattering net.IP <-> uint32 conversions everywhere.
package ipv4

import (
	"encoding/binary"
	"net"
	"strconv"
)

// Addr is an IPv4 address stored in network byte order, the same layout
// the original REBOL runtime keeps inside its SOCKREQ (it never calls
// htonl on the stored value).
type Addr uint32

// FromNetIP converts a net.IP (v4 or v4-in-v6) to network byte order.
// Returns false if ip is not an IPv4 address.
func FromNetIP(ip net.IP) (Addr, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return Addr(binary.BigEndian.Uint32(v4)), true
}

// FromTuple builds an Addr from four bytes in wire order, as surfaced to
// script callers via a 4-tuple (§6 IP address representation).
func FromTuple(a, b, c, d byte) Addr {
	return Addr(binary.BigEndian.Uint32([]byte{a, b, c, d}))
}

// NetIP converts back to a net.IP for use with the standard library.
func (a Addr) NetIP() net.IP {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(a))
	return net.IP(buf)
}

// Tuple returns the four address bytes in wire order.
func (a Addr) Tuple() [4]byte {
	var t [4]byte
	binary.BigEndian.PutUint32(t[:], uint32(a))
	return t
}

func (a Addr) String() string {
	return a.NetIP().String()
}

// Endpoint pairs an address with a port number, the unit the Connector
// iterates over and the unit QUERY reports back for local/remote.
type Endpoint struct {
	IP   Addr
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
}
