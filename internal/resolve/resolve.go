// Package resolve implements the synchronous hostname lookup of spec.md
// §4.3. dev-net.c's Lookup_Socket uses gethostbyname, which the comment
// there explicitly calls out as obsolete because it returns only one
// address; this package always asks for the full list and filters it to
// IPv4, the modern net.LookupIPAddr equivalent of getaddrinfo.
package resolve

import (
	"context"
	"net"

	"github.com/pkg/errors"

	"github.com/ankit-kulkarni/netrt/internal/ipv4"
)

// ErrResolveFailed wraps the underlying OS/resolver error, matching the
// ResolveFailed(os_err) taxonomy entry in §6.
var ErrResolveFailed = errors.New("resolve failed")

// Resolve looks up host and returns its IPv4 addresses in the order the
// resolver returned them, each paired with port. ctx allows a hung
// lookup (e.g. against a black-holed DNS server) to be cancelled by a
// WAIT-level halt, a capability dev-dns.c's blocking gethostbyname never
// had.
func Resolve(ctx context.Context, host string, port uint16) ([]ipv4.Endpoint, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Wrapf(ErrResolveFailed, "%s: %v", host, err)
	}

	var out []ipv4.Endpoint
	for _, a := range addrs {
		addr, ok := ipv4.FromNetIP(a.IP)
		if !ok {
			continue // IPv4 filtering of getaddrinfo-equivalent results, per §4.3
		}
		out = append(out, ipv4.Endpoint{IP: addr, Port: port})
	}

	if len(out) == 0 {
		return nil, errors.Wrapf(ErrResolveFailed, "%s: no IPv4 addresses", host)
	}
	return out, nil
}
