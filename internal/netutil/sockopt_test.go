package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drazic/iperfd/internal/ioerr"
)

func tcpLoopbackPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	var server *net.TCPConn
	accepted := make(chan struct{})
	go func() {
		c, acceptErr := ln.Accept()
		require.NoError(t, acceptErr)
		server = c.(*net.TCPConn)
		close(accepted)
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-accepted

	return client.(*net.TCPConn), server
}

func TestSetNoDelay(t *testing.T) {
	client, server := tcpLoopbackPair(t)
	defer client.Close()
	defer server.Close()

	assert.NoError(t, SetNoDelay(client, true))
}

func TestSetBufDirect(t *testing.T) {
	client, server := tcpLoopbackPair(t)
	defer client.Close()
	defer server.Close()

	assert.NoError(t, SetBuf(client, 64*1024))
}

func TestSetBuf2ReadsBackActual(t *testing.T) {
	client, server := tcpLoopbackPair(t)
	defer client.Close()
	defer server.Close()

	actual, err := SetBuf2(client, 64*1024)
	// Either the kernel honored the request (no error, actual >= requested)
	// or it fell short and returned KindSetBuf2 without aborting.
	if err != nil {
		assert.True(t, ioerr.Is(err, ioerr.KindSetBuf2))
	}
	assert.Greater(t, actual, 0)
}

func TestSetBuf2ZeroIsNoop(t *testing.T) {
	client, _ := tcpLoopbackPair(t)
	defer client.Close()

	actual, err := SetBuf2(client, 0)
	assert.NoError(t, err)
	assert.Equal(t, 0, actual)
}

func TestSetReuseAddr(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	assert.NoError(t, SetReuseAddr(pc, true))
}

func TestSetMSSZeroIsNoop(t *testing.T) {
	client, server := tcpLoopbackPair(t)
	defer client.Close()
	defer server.Close()

	assert.NoError(t, SetMSS(client, 0))
}

func TestSetCongestionEmptyIsNoop(t *testing.T) {
	client, server := tcpLoopbackPair(t)
	defer client.Close()
	defer server.Close()

	assert.NoError(t, SetCongestion(client, ""))
}

func TestWithFdRejectsNonSyscallConn(t *testing.T) {
	err := SetReuseAddr(struct{}{}, true)
	require.Error(t, err)
	assert.True(t, ioerr.Is(err, ioerr.KindSetReuseAddr))
}
