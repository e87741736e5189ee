package netrt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankit-kulkarni/netrt/internal/port"
	"github.com/ankit-kulkarni/netrt/internal/wait"
)

// TestStartupShutdownIdempotent covers §4.1's single-instance
// invariant: repeated Startup calls return the same Core, and Shutdown
// after Shutdown is a no-op.
func TestStartupShutdownIdempotent(t *testing.T) {
	c1 := Startup()
	c2 := Startup()
	assert.Same(t, c1, c2)

	Shutdown()
	Shutdown() // must not panic
}

// TestListenConnectEchoRoundTrip covers S1 end-to-end through the root
// facade: listen, connect, a WAIT for the listener's ACCEPT event, TAKE,
// then a WRITE/READ round trip, all torn down by Shutdown.
func TestListenConnectEchoRoundTrip(t *testing.T) {
	core := Startup()
	defer Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	server, err := core.Listen(ctx, 0)
	require.NoError(t, err)

	serverInfo := server.Query()
	require.NotZero(t, serverInfo.LocalPort)

	client, err := core.Connect(ctx, "127.0.0.1", serverInfo.LocalPort)
	require.NoError(t, err)

	res, err := core.Wait(ctx, wait.Request{
		Ports:      []*port.Port{server},
		Timeout:    time.Second,
		HasTimeout: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Ready, 1)

	children, err := server.Take(port.Refinements{})
	require.NoError(t, err)
	require.Len(t, children, 1)
	accepted := children[0]

	n, err := client.Write([]byte("hello"), port.Refinements{})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = accepted.Read(port.Refinements{Part: intPtr(5)})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", accepted.Data.String())

	require.NoError(t, client.Close())
	require.NoError(t, accepted.Close())
	require.NoError(t, server.Close())
}

func intPtr(n int) *int { return &n }
