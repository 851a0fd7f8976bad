package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drazic/iperfd/internal/config"
	"github.com/drazic/iperfd/internal/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.Config {
	var cfg config.Config
	cfg.Test.Protocol = config.ProtocolTCP
	cfg.Test.Mode = config.ModeSender
	cfg.Test.Streams = 1
	cfg.Test.BlockSize = 1024
	cfg.Test.CookieSize = 37
	cfg.Test.DurationSeconds = 0.2
	cfg.Timeouts.CtrlWaitMillis = 2000
	cfg.Timeouts.CreateStreamsWatchdogSeconds = 2
	cfg.Timeouts.RcvTimeoutSeconds = 5
	return cfg
}

func dialAndSendCookie(t *testing.T, addr string, size int) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err, "dial failed")
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Write(make([]byte, size))
	require.NoError(t, err, "cookie write failed")
	return conn
}

// TestEventLoop_FullSessionLifecycle drives one client through every
// control phase (§4.3) over a single reused TCP listener, including the
// data stream handed off mid CREATE_STREAMS (§4.4's listener-reuse
// default).
func TestEventLoop_FullSessionLifecycle(t *testing.T) {
	cfg := testConfig()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen failed")

	loop := NewEventLoop(cfg, NoopCallbacks(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx, ln) }()

	addr := ln.Addr().String()
	ctrl := dialAndSendCookie(t, addr, cfg.Test.CookieSize)
	defer ctrl.Close()

	phase, err := wire.ReadPhase(ctrl, time.Now().Add(2*time.Second))
	require.NoError(t, err, "param_exchange phase read failed")
	assert.Equal(t, wire.PhaseParamExchange, phase)

	require.NoError(t, wire.WriteJSON(ctrl, time.Now().Add(2*time.Second), wire.Params{}))

	phase, err = wire.ReadPhase(ctrl, time.Now().Add(2*time.Second))
	require.NoError(t, err, "create_streams phase read failed")
	assert.Equal(t, wire.PhaseCreateStreams, phase)

	data := dialAndSendCookie(t, addr, cfg.Test.CookieSize)
	defer data.Close()

	phase, err = wire.ReadPhase(ctrl, time.Now().Add(2*time.Second))
	require.NoError(t, err, "test_start phase read failed")
	assert.Equal(t, wire.PhaseTestStart, phase)

	phase, err = wire.ReadPhase(ctrl, time.Now().Add(2*time.Second))
	require.NoError(t, err, "test_running phase read failed")
	assert.Equal(t, wire.PhaseTestRunning, phase)

	// The client signals ordinary completion itself rather than waiting
	// out the server's duration-timer backstop (§4.2, §4.6 step 6).
	require.NoError(t, wire.WritePhase(ctrl, time.Now().Add(2*time.Second), wire.PhaseTestEnd))

	phase, err = wire.ReadPhase(ctrl, time.Now().Add(5*time.Second))
	require.NoError(t, err, "test_end phase read failed")
	assert.Equal(t, wire.PhaseTestEnd, phase)

	phase, err = wire.ReadPhase(ctrl, time.Now().Add(2*time.Second))
	require.NoError(t, err, "exchange_results phase read failed")
	assert.Equal(t, wire.PhaseExchangeResults, phase)

	var results wire.Results
	require.NoError(t, wire.ReadJSON(ctrl, time.Now().Add(2*time.Second), &results))
	require.Len(t, results.Streams, 1, "expected one stream in results")

	phase, err = wire.ReadPhase(ctrl, time.Now().Add(2*time.Second))
	require.NoError(t, err, "display_results phase read failed")
	assert.Equal(t, wire.PhaseDisplayResults, phase)

	phase, err = wire.ReadPhase(ctrl, time.Now().Add(2*time.Second))
	require.NoError(t, err, "iperf_done phase read failed")
	assert.Equal(t, wire.PhaseIperfDone, phase)

	cancel()
	_ = ln.Close()
	<-errCh
}

// TestEventLoop_DeniesSecondClientWhileBusy exercises §8 S5: a second
// control connection arriving while a session is active and past
// CREATE_STREAMS gets exactly one ACCESS_DENIED byte and nothing else.
func TestEventLoop_DeniesSecondClientWhileBusy(t *testing.T) {
	cfg := testConfig()
	cfg.Test.DurationSeconds = 1

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "listen failed")

	loop := NewEventLoop(cfg, NoopCallbacks(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- loop.Run(ctx, ln) }()

	addr := ln.Addr().String()
	ctrl := dialAndSendCookie(t, addr, cfg.Test.CookieSize)
	defer ctrl.Close()

	phase, err := wire.ReadPhase(ctrl, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, wire.PhaseParamExchange, phase)
	require.NoError(t, wire.WriteJSON(ctrl, time.Now().Add(2*time.Second), wire.Params{}))

	phase, err = wire.ReadPhase(ctrl, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, wire.PhaseCreateStreams, phase)

	data := dialAndSendCookie(t, addr, cfg.Test.CookieSize)
	defer data.Close()

	phase, err = wire.ReadPhase(ctrl, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, wire.PhaseTestStart, phase)
	phase, err = wire.ReadPhase(ctrl, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, wire.PhaseTestRunning, phase)

	// The session is now in TEST_RUNNING, not CREATE_STREAMS, so a
	// second connection is a competing control connection, not a
	// stray data stream, and must be denied.
	second, err := net.Dial("tcp", addr)
	require.NoError(t, err, "second dial failed")
	defer second.Close()

	denyPhase, err := wire.ReadPhase(second, time.Now().Add(2*time.Second))
	require.NoError(t, err, "expected an ACCESS_DENIED byte")
	assert.Equal(t, wire.PhaseAccessDenied, denyPhase)

	buf := make([]byte, 1)
	_ = second.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, err = second.Read(buf)
	assert.Error(t, err, "expected the denied connection to be closed")

	cancel()
	_ = ln.Close()
	<-errCh
}

func TestDenyBusy_WritesAccessDeniedAndCloses(t *testing.T) {
	server, client := net.Pipe()
	go denyBusy(server, testConfig())

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	b := make([]byte, 1)
	n, err := io.ReadFull(client, b)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, byte(wire.PhaseAccessDenied), b[0])
}

func TestStopTimer_NilSafe(t *testing.T) {
	assert.NotPanics(t, func() { stopTimer(nil) })
	tm := time.NewTimer(time.Second)
	assert.NotPanics(t, func() { stopTimer(tm) })
}
