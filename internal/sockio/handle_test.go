package sockio

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleIsOpenTracksAttachedListener(t *testing.T) {
	h := New(TCP)
	assert.False(t, h.IsOpen())

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	h.AttachListener(ln)

	assert.True(t, h.IsOpen())
	assert.True(t, h.Modes.Has(ModeBind))
	assert.True(t, h.Modes.Has(ModeListen))
	assert.NotZero(t, h.Local.Port)

	require.NoError(t, h.Close(nil))
	assert.False(t, h.IsOpen())
	assert.Zero(t, h.Modes)
}

func TestHandleCloseOnUnopenedIsNoop(t *testing.T) {
	h := New(TCP)
	assert.NoError(t, h.Close(nil))
}

func TestHandlePopulatesRemoteOnConnect(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err == nil {
			c.Close()
		}
	}()

	conn, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)

	h := New(TCP)
	h.AttachConn(conn)
	assert.True(t, h.IsOpen())
	assert.NotZero(t, h.Remote.Port)
	assert.NoError(t, h.Close(nil))
}
