package protocol

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drazic/iperfd/internal/session"
	"github.com/drazic/iperfd/internal/wire"
)

func TestUDPConnectHandshake(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	sess := &session.Session{Cookie: []byte(strings.Repeat("a", testCookieSize)), BlockSize: 1200}

	resultCh := make(chan *session.Stream, 1)
	errCh := make(chan error, 1)
	go func() {
		st, acceptErr := udpEngine{}.Accept(context.Background(), pc, time.Now().Add(3*time.Second), sess, session.DirectionReceiving, ListenerOptions{})
		resultCh <- st
		errCh <- acceptErr
	}()

	client, err := net.Dial("udp", pc.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(wire.UDPConnectMsg[:])
	require.NoError(t, err)

	reply := make([]byte, 4)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := client.Read(reply)
	require.NoError(t, err)
	assert.Equal(t, wire.UDPConnectReply[:], reply[:n])

	_, err = client.Write(sess.Cookie)
	require.NoError(t, err)

	st := <-resultCh
	require.NoError(t, <-errCh)
	require.NotNil(t, st)
}

func TestUDPHeaderFramingRoundTrip(t *testing.T) {
	buf := make([]byte, wire.HeaderSize(true))
	h := wire.Header{Sec: 123, Usec: 456, Sequence: 789}
	wire.EncodeHeader(buf, h, true)
	got := wire.DecodeHeader(buf, true)
	assert.Equal(t, h, got)
}
