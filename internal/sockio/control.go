package sockio

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReuseAddrControl is passed to net.ListenConfig.Control so that binding a
// listener sets SO_REUSEADDR before bind(2) runs, matching
// Start_Listening_On_Socket in dev-net.c ("Allow listen socket reuse").
// Go's net package already sets this on most platforms, but mod-network.c
// sets it explicitly rather than relying on net's default, and so do we.
func ReuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
