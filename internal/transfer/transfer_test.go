package transfer

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankit-kulkarni/netrt/internal/sockio"
)

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		require.NoError(t, err)
		accepted <- c
	}()

	client, err = net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	server = <-accepted
	return client, server
}

// TestReadExactPart covers a :part read that must accumulate across
// more than one OS-level read before it is satisfied.
func TestReadExactPart(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	go func() {
		server.Write([]byte("AB"))
		time.Sleep(20 * time.Millisecond)
		server.Write([]byte("CDE"))
	}()

	h := sockio.New(sockio.TCP)
	h.AttachConn(client)

	var buf bytes.Buffer
	res := Read(h, &buf, Exactly(5))
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Actual)
	assert.Equal(t, "ABCDE", buf.String())
	assert.False(t, res.Closed)
}

// TestReadEOFIsSuccessNotError covers the invariant that a clean TCP
// close is reported as ReadResult.Closed, not as an error, even on a
// short :part read.
func TestReadEOFIsSuccessNotError(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()

	server.Write([]byte("hi"))
	server.Close()

	h := sockio.New(sockio.TCP)
	h.AttachConn(client)

	var buf bytes.Buffer
	res := Read(h, &buf, Exactly(100))
	require.NoError(t, res.Err)
	assert.True(t, res.Closed)
	assert.Equal(t, "hi", buf.String())
}

// TestReadUnlimitedOneIterationIsEnough covers Unlimited reads: one
// non-empty OS read is a completed call, not a request to keep going
// until the requested length is hit (there is no requested length).
func TestReadUnlimitedOneIterationIsEnough(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	server.Write([]byte("partial"))

	h := sockio.New(sockio.TCP)
	h.AttachConn(client)

	var buf bytes.Buffer
	res := Read(h, &buf, Unlimited)
	require.NoError(t, res.Err)
	assert.Equal(t, "partial", buf.String())
	assert.False(t, res.Closed)
}

// TestUDPZeroLengthDatagramIsNotEOF covers the UDP-specific carveout:
// a zero-byte datagram is a legal receive, not end-of-stream.
func TestUDPZeroLengthDatagramIsNotEOF(t *testing.T) {
	serverConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer serverConn.Close()

	clientConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer clientConn.Close()

	_, err = clientConn.WriteTo(nil, serverConn.LocalAddr())
	require.NoError(t, err)

	h := sockio.New(sockio.UDP)
	h.AttachPacket(serverConn)

	var buf bytes.Buffer
	res := Read(h, &buf, Unlimited)
	require.NoError(t, res.Err)
	assert.False(t, res.Closed)
	assert.Equal(t, 0, res.Actual)
	assert.Equal(t, clientConn.LocalAddr().String(), h.Remote.String())
}

// TestWriteCopiesCallerBuffer covers S6: the caller is free to mutate
// its buffer the instant Write returns, because Write took a private
// copy before handing anything to the OS.
func TestWriteCopiesCallerBuffer(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	h := sockio.New(sockio.TCP)
	h.AttachConn(client)

	src := []byte("hello")
	res := Write(h, src, -1)
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Actual)

	src[0] = 'X' // mutate after Write returns

	readBuf := make([]byte, 5)
	n, err := server.Read(readBuf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(readBuf[:n]))
}

// TestWritePartClipsLength covers :part n on WRITE.
func TestWritePartClipsLength(t *testing.T) {
	client, server := tcpPair(t)
	defer client.Close()
	defer server.Close()

	h := sockio.New(sockio.TCP)
	h.AttachConn(client)

	res := Write(h, []byte("hello world"), 5)
	require.NoError(t, res.Err)
	assert.Equal(t, 5, res.Actual)

	readBuf := make([]byte, 5)
	n, err := server.Read(readBuf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(readBuf[:n]))
}
