package port

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankit-kulkarni/netrt/internal/netevent"
	"github.com/ankit-kulkarni/netrt/internal/reactor"
	"github.com/ankit-kulkarni/netrt/internal/sockio"
)

func newTestPort(t *testing.T, transport sockio.Transport, spec Spec) (*Port, *reactor.Loop, *netevent.Queue) {
	t.Helper()
	loop := reactor.New()
	events := netevent.New()
	return New(loop, events, transport, spec), loop, events
}

func TestOpenQUnopenedIsFalse(t *testing.T) {
	p, loop, _ := newTestPort(t, sockio.TCP, Spec{})
	defer loop.Close()
	assert.False(t, p.OpenQ())
}

func TestCloseOnUnopenedIsNoop(t *testing.T) {
	p, loop, _ := newTestPort(t, sockio.TCP, Spec{})
	defer loop.Close()
	assert.NoError(t, p.Close())
}

// TestListenOpenReadWriteTake exercises the full OPEN (listener) / TAKE /
// READ / WRITE / CLOSE cycle a TCP server script would drive.
func TestListenOpenReadWriteTake(t *testing.T) {
	listener, loop, events := newTestPort(t, sockio.TCP, Spec{})
	defer loop.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, listener.Open(ctx))
	assert.True(t, listener.OpenQ())

	addr := listener.Handle.Listener.Addr().String()
	conn, err := net.Dial("tcp4", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return listener.listener.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	children, err := listener.Take(Refinements{})
	require.NoError(t, err)
	require.Len(t, children, 1)
	child := children[0]

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	n, err := child.Read(Refinements{Part: intPtr(4)})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, child.LengthOf())

	_, err = child.Write([]byte("pong"), Refinements{})
	require.NoError(t, err)

	reply := make([]byte, 4)
	_, err = conn.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(reply))

	_ = events.Drain()
	require.NoError(t, child.Close())
	require.NoError(t, listener.Close())
}

// TestReadRejectsSeekRefine covers the refinement-rejection list.
func TestReadRejectsSeekRefine(t *testing.T) {
	p, loop, _ := newTestPort(t, sockio.TCP, Spec{})
	defer loop.Close()
	_, err := p.Read(Refinements{Seek: true})
	assert.ErrorIs(t, err, ErrBadRefines)
}

func TestWriteRejectsAppendRefine(t *testing.T) {
	p, loop, _ := newTestPort(t, sockio.TCP, Spec{})
	defer loop.Close()
	_, err := p.Write([]byte("x"), Refinements{Append: true})
	assert.ErrorIs(t, err, ErrBadRefines)
}

func TestReadBeforeConnectFails(t *testing.T) {
	p, loop, _ := newTestPort(t, sockio.TCP, Spec{})
	defer loop.Close()
	_, err := p.Read(Refinements{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectOpenWriteRead(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 4)
		n, _ := c.Read(buf)
		c.Write(buf[:n])
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	loop := reactor.New()
	defer loop.Close()
	events := netevent.New()

	host := "127.0.0.1"
	portNum, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	p := New(loop, events, sockio.TCP, Spec{HostText: &host, PortID: uint16(portNum)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Open(ctx))
	assert.True(t, p.OpenQ())

	n, err := p.Write([]byte("ping"), Refinements{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	n, err = p.Read(Refinements{Part: intPtr(4)})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "ping", p.Data.String())

	require.NoError(t, p.Close())
}

// TestOnWakeUpResetsDataOnWrote covers the ON-WAKE-UP bookkeeping step as
// its own separately-testable operation: a Wrote event for this port
// clears the data buffer, matching what Write used to do inline.
func TestOnWakeUpResetsDataOnWrote(t *testing.T) {
	p, loop, _ := newTestPort(t, sockio.TCP, Spec{})
	defer loop.Close()

	p.Data.WriteString("leftover")
	p.OnWakeUp(netevent.Event{Type: netevent.Wrote, PortID: p.ID()})
	assert.Equal(t, 0, p.Data.Len())
}

// TestOnWakeUpIgnoresOtherEventTypes covers the negative cases: an event
// of any other type, or one addressed to a different port, leaves the
// data buffer untouched.
func TestOnWakeUpIgnoresOtherEventTypes(t *testing.T) {
	p, loop, _ := newTestPort(t, sockio.TCP, Spec{})
	defer loop.Close()

	p.Data.WriteString("leftover")
	p.OnWakeUp(netevent.Event{Type: netevent.Read, PortID: p.ID()})
	assert.Equal(t, "leftover", p.Data.String())

	p.OnWakeUp(netevent.Event{Type: netevent.Wrote, PortID: p.ID() + 1})
	assert.Equal(t, "leftover", p.Data.String())
}

// TestReadWriteErrorsDoNotPostEvent covers §7's propagation split: a
// transfer error that is in flight on a READ/WRITE call travels through
// the return value only, never also as a synthesized ERROR event or
// port.LastError, unlike the listener's genuinely-async accept errors.
func TestReadWriteErrorsDoNotPostEvent(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	loop := reactor.New()
	defer loop.Close()
	events := netevent.New()

	host := "127.0.0.1"
	p := New(loop, events, sockio.TCP, Spec{HostText: &host, PortID: uint16(portNum)})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Open(ctx))

	var serverConn net.Conn
	select {
	case serverConn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted connection")
	}
	defer serverConn.Close()

	// Sever the underlying connection out from under the port so the
	// next Write/Read hits a genuine transfer error synchronously,
	// without going through the listener's async accept-error path.
	require.NoError(t, p.Handle.Conn.Close())

	_, err = p.Write([]byte("x"), Refinements{})
	require.Error(t, err)
	_, err = p.Read(Refinements{})
	require.Error(t, err)

	// Only the CONNECT posted by Open is queued: no ERROR (and no
	// WROTE/READ) event was added by the failed Write/Read.
	assert.Equal(t, []netevent.Event{{Type: netevent.Connect, PortID: p.ID()}}, events.Drain())
	assert.NoError(t, p.LastError)
}

func intPtr(n int) *int { return &n }
