package server

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/drazic/iperfd/internal/config"
	"github.com/drazic/iperfd/internal/ioerr"
	"github.com/drazic/iperfd/internal/protocol"
	"github.com/drazic/iperfd/internal/ratelimit"
	"github.com/drazic/iperfd/internal/session"
	"github.com/drazic/iperfd/internal/timer"
	"github.com/drazic/iperfd/internal/wire"
)

// createStreamsWatchdogDefault is used when the configured watchdog is
// zero or negative (§4.3 "Create-streams watchdog").
const createStreamsWatchdogDefault = 5 * time.Second

// ctrlWaitDefault is the deadline applied to individual control-socket
// reads/writes when the server isn't configured with one.
const ctrlWaitDefault = 5 * time.Second

func ctrlWaitOf(cfg config.Config) time.Duration {
	if cfg.Timeouts.CtrlWaitMillis > 0 {
		return time.Duration(cfg.Timeouts.CtrlWaitMillis) * time.Millisecond
	}
	return ctrlWaitDefault
}

// runControl drives one client session end to end over ctrlConn, from
// cookie receipt through IPERF_DONE (§4.3). Go's scheduler plays the
// role the source's select/poll loop played for multiplexing many
// connections: each accepted control connection gets its own
// goroutine, while the one-active-session gate in eventloop.go still
// enforces "only one active client."
//
// ctrlListener is accepted for symmetry with eventloop.go, which owns
// and Accepts on it; this session never calls Accept on it directly
// (its TCP data streams arrive pre-accepted over streamCh instead).
func runControl(ctx context.Context, sess *session.Session, ctrlConn net.Conn, ctrlListener net.Listener, streamCh <-chan net.Conn, cfg config.Config, cb Callbacks, logger *slog.Logger) {
	defer ctrlConn.Close()
	cb = cb.fillDefaults()
	ctrlWait := ctrlWaitOf(cfg)
	logger = logger.With("session_id", sess.ID, "remote", ctrlConn.RemoteAddr())

	cookie, err := wire.ReadCookie(ctrlConn, time.Now().Add(ctrlWait), cfg.Test.CookieSize)
	if err != nil {
		logger.Warn("cookie read failed", "err", err)
		return
	}
	logger.Info("session admitted")
	// The control connection's cookie establishes this session's
	// identity; later data-stream connections must echo it back (§3
	// "Cookie", §4.4/§4.5 accept).
	sess.Cookie = cookie

	cb.OnConnect(sess)

	if !sess.Transition(session.PhaseParamExchange) {
		return
	}
	if err := wire.WritePhase(ctrlConn, time.Now().Add(ctrlWait), wire.PhaseParamExchange); err != nil {
		logger.Warn("param_exchange phase send failed", "err", err)
		return
	}
	var params wire.Params
	if err := wire.ReadJSON(ctrlConn, time.Now().Add(ctrlWait), &params); err != nil {
		logger.Warn("param exchange read failed", "err", err)
		return
	}
	sess.ApplyParams(params)

	if !sess.Transition(session.PhaseCreateStreams) {
		return
	}
	if err := wire.WritePhase(ctrlConn, time.Now().Add(ctrlWait), wire.PhaseCreateStreams); err != nil {
		logger.Warn("create_streams phase send failed", "err", err)
		return
	}

	streams, err := acceptStreams(ctx, sess, streamCh, cfg, logger)
	if err != nil {
		logger.Warn("create_streams watchdog or accept failed", "err", err)
		return
	}
	for _, st := range streams {
		cb.OnNewStream(sess, st)
	}

	if err := ratelimit.CheckAggregate(sess.RateBitsPerSec, len(streams), sess.AggregateLimit); err != nil {
		logger.Warn("aggregate rate rejected", "err", err)
		return
	}

	if !sess.Transition(session.PhaseTestStart) {
		return
	}
	if err := wire.WritePhase(ctrlConn, time.Now().Add(ctrlWait), wire.PhaseTestStart); err != nil {
		return
	}
	if !sess.Transition(session.PhaseTestRunning) {
		return
	}
	if err := wire.WritePhase(ctrlConn, time.Now().Add(ctrlWait), wire.PhaseTestRunning); err != nil {
		return
	}

	sess.StartedAt = time.Now()
	runTestLoop(ctx, sess, ctrlConn, streams, cfg, cb, logger)
}

// directionForIndex assigns the server-side direction of the i'th
// accepted stream. streamsPerDir is the client-requested N; in
// bidirectional mode the first N streams receive and the remaining N
// send (§3 "mode (sender | receiver | bidirectional)").
func directionForIndex(mode config.Mode, i, streamsPerDir int) session.Direction {
	switch mode {
	case config.ModeReceiver:
		return session.DirectionSending
	case config.ModeBidirectional:
		if i < streamsPerDir {
			return session.DirectionReceiving
		}
		return session.DirectionSending
	default:
		return session.DirectionReceiving
	}
}

// acceptStreams waits for the session's required data connections,
// aborting with ioerr.KindInitTest once the create-streams watchdog
// elapses (§4.3). Per the resolved Open Question, the watchdog is
// checked every loop pass rather than only after the loop exits.
//
// UDP has no listener to share with the control connection (each data
// stream is its own bound/connected socket), so it still goes through
// udpEngine.Listen/Accept directly. TCP has no wire-protocol slot to
// tell the client about a second port, so per §4.4 the control
// listener's own accept loop is reused for data: eventloop.go routes
// connections accepted while this session is in CREATE_STREAMS onto
// streamCh, and this function only validates them.
func acceptStreams(ctx context.Context, sess *session.Session, streamCh <-chan net.Conn, cfg config.Config, logger *slog.Logger) ([]*session.Stream, error) {
	opts := protocol.ListenerOptions{
		NoDelay:        sess.NoDelay,
		MSS:            sess.MSS,
		SocketBuf:      sess.SocketBufferSize,
		PacingRate:     sess.RateBitsPerSec / 8,
		CongestionAlgo: cfg.Server.CongestionAlgo,
	}

	watchdog := time.Duration(cfg.Timeouts.CreateStreamsWatchdogSeconds) * time.Second
	if watchdog <= 0 {
		watchdog = createStreamsWatchdogDefault
	}
	deadline := time.Now().Add(watchdog)

	required := sess.RequiredStreamCount()
	streams := make([]*session.Stream, 0, required)

	if sess.Protocol == config.ProtocolUDP {
		eng := protocol.ForProtocol(sess.Protocol)
		for len(streams) < required {
			if time.Now().After(deadline) {
				return nil, ioerr.New(ioerr.KindInitTest, nil)
			}
			// Each UDP accept connects the bound socket to its peer and
			// consumes it; the next stream needs a fresh one (§4.5).
			ln, err := eng.Listen(ctx, sess, opts)
			if err != nil {
				return nil, err
			}
			dir := directionForIndex(sess.Mode, len(streams), sess.Streams)
			st, acceptErr := eng.Accept(ctx, ln, deadline, sess, dir, opts)
			if acceptErr != nil {
				if ioerr.KindOf(acceptErr) == ioerr.KindAccept {
					logger.Warn("stray stream connection rejected", "err", acceptErr)
					continue
				}
				return nil, acceptErr
			}
			streams = append(streams, st)
		}
		return streams, nil
	}

	if opts.NeedsRebuild() {
		// The wire protocol has no field to hand the client an alternate
		// data port, so the control listener's accept loop is reused
		// regardless of what NeedsRebuild reports (§4.4).
		logger.Debug("listener rebuild would be warranted but control listener is reused", "no_delay", opts.NoDelay, "mss", opts.MSS, "socket_buf", opts.SocketBuf, "congestion_algo", opts.CongestionAlgo)
	}

	for len(streams) < required {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ioerr.New(ioerr.KindInitTest, nil)
		}
		tk := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			tk.Stop()
			return nil, ctx.Err()
		case <-tk.C:
			return nil, ioerr.New(ioerr.KindInitTest, nil)
		case conn := <-streamCh:
			tk.Stop()
			dir := directionForIndex(sess.Mode, len(streams), sess.Streams)
			st, acceptErr := protocol.AcceptConn(conn, sess, dir, opts)
			if acceptErr != nil {
				if ioerr.KindOf(acceptErr) == ioerr.KindAccept {
					logger.Warn("stray stream connection rejected", "err", acceptErr)
					continue
				}
				return nil, acceptErr
			}
			streams = append(streams, st)
		}
	}
	return streams, nil
}

// watchControlSignal blocks reading phase bytes from ctrlConn for the
// lifetime of the test (§4.6 step 6 "on the control socket readable:
// read one phase byte and dispatch"). The client signals ordinary
// completion by sending TEST_END itself once its own duration/byte
// budget is reached — the server's own duration timer only exists as
// a watchdog for a client that never signals (§4.2's 40s grace would
// otherwise delay every bounded test by that much). CLIENT_TERMINATE
// is accepted at any time (§4.3). Any other byte, or a read error,
// ends the watch silently; the caller falls back to its own timers.
func watchControlSignal(ctrlConn net.Conn, sigCh chan<- wire.Phase) {
	for {
		p, err := wire.ReadPhase(ctrlConn, time.Now().Add(24*time.Hour))
		if err != nil {
			return
		}
		if p == wire.PhaseTestEnd || p == wire.PhaseClientTerminate {
			select {
			case sigCh <- p:
			default:
			}
			return
		}
	}
}

func sumBytes(streams []*session.Stream) int64 {
	var total int64
	for _, st := range streams {
		total += st.BytesTotal()
	}
	return total
}

// runTestLoop drives TEST_RUNNING: it starts the duration/stats/
// reporter/omit timers (§4.2), spawns one worker per stream, and waits
// for whichever ends the test first: the client signalling ordinary
// completion with its own TEST_END byte, CLIENT_TERMINATE, the
// receive-progress watchdog (§4.6, §8 S6), or — only if the client
// never signals — the server's own duration+grace backstop timer. It
// then tears down and walks the session through TEST_END,
// EXCHANGE_RESULTS, DISPLAY_RESULTS, IPERF_DONE, and back to IDLE.
func runTestLoop(ctx context.Context, sess *session.Session, ctrlConn net.Conn, streams []*session.Stream, cfg config.Config, cb Callbacks, logger *slog.Logger) {
	eng := protocol.ForProtocol(sess.Protocol)

	var testDone atomic.Bool
	join := runWorkers(sess, streams, eng, sess.Bit64Counters, sess.RateBitsPerSec, logger, testDone.Load)

	q := timer.NewQueue()
	now := time.Now()

	// grace = max_rtt(4s) x state_transitions(10), §4.2.
	const grace = 40 * time.Second
	durationDeadline := time.Duration(sess.DurationSeconds*float64(time.Second)) + time.Duration(sess.OmitSeconds*float64(time.Second)) + grace
	if sess.DurationSeconds <= 0 && sess.Bytes > 0 {
		// Workers do not stop at a byte target; a byte-bounded test ends
		// on the client's TEST_END or CLIENT_TERMINATE, so the duration
		// timer is pushed far enough out to be only a backstop.
		durationDeadline = 24 * time.Hour
	}
	doneCh := make(chan struct{})
	q.Add(now, durationDeadline, func(time.Time) { close(doneCh) })

	if sess.IntervalSeconds > 0 {
		interval := time.Duration(sess.IntervalSeconds * float64(time.Second))
		q.AddPeriodic(now, interval, func(time.Time) {
			records := FoldInterval(streams)
			cb.OnStats(sess, records)
			cb.OnReport(sess, records)
		})
	}
	if sess.OmitSeconds > 0 {
		q.Add(now, time.Duration(sess.OmitSeconds*float64(time.Second)), func(time.Time) {
			for _, st := range streams {
				st.ResetOmit()
			}
		})
	}

	cpuStart := sampleCPU(ctx)

	sigCh := make(chan wire.Phase, 1)
	go watchControlSignal(ctrlConn, sigCh)

	// The server receives in sender and bidirectional modes (see
	// directionForIndex).
	recvCapable := sess.Mode == config.ModeSender || sess.Mode == config.ModeBidirectional
	rcvTimeout := sess.RcvTimeoutOrDefault()
	lastTotal := int64(-1)
	lastCheck := now
	terminated := false

loop:
	for {
		wait := time.Second
		if nextDeadline, ok := q.NextDeadline(); ok {
			if d := time.Until(nextDeadline); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}
		tk := time.NewTimer(wait)

		select {
		case <-doneCh:
			tk.Stop()
			break loop
		case sig := <-sigCh:
			tk.Stop()
			terminated = sig == wire.PhaseClientTerminate
			break loop
		case <-ctx.Done():
			tk.Stop()
			break loop
		case n := <-tk.C:
			q.Run(n)
			if recvCapable && n.Sub(lastCheck) >= rcvTimeout {
				total := sumBytes(streams)
				if total == lastTotal {
					logger.Warn("no data received before rcv_timeout elapsed")
					break loop
				}
				lastTotal = total
				lastCheck = n
			}
		}
	}

	testDone.Store(true)
	for _, st := range streams {
		st.MarkDone()
		if st.Conn != nil {
			_ = st.Conn.Close()
		}
	}
	join()

	cpuEnd := sampleCPU(ctx)
	elapsed := time.Since(sess.StartedAt).Seconds()
	results := BuildResults(streams, utilizationPercent(cpuStart, cpuEnd), elapsed)
	cb.OnTestFinish(sess, results)

	finishSession(sess, ctrlConn, cfg, results, terminated)
}

// finishSession walks the session through its remaining phases and
// sends the corresponding control-wire bytes (§4.3). When terminated
// (CLIENT_TERMINATE was received), EXCHANGE_RESULTS is skipped per
// "the server briefly enters DISPLAY_RESULTS for reporting."
func finishSession(sess *session.Session, ctrlConn net.Conn, cfg config.Config, results wire.Results, terminated bool) {
	ctrlWait := ctrlWaitOf(cfg)

	if !terminated {
		sess.Transition(session.PhaseTestEnd)
		_ = wire.WritePhase(ctrlConn, time.Now().Add(ctrlWait), wire.PhaseTestEnd)
		sess.Transition(session.PhaseExchangeResults)
		_ = wire.WritePhase(ctrlConn, time.Now().Add(ctrlWait), wire.PhaseExchangeResults)
		_ = wire.WriteJSON(ctrlConn, time.Now().Add(ctrlWait), results)
	}

	sess.Transition(session.PhaseDisplayResults)
	_ = wire.WritePhase(ctrlConn, time.Now().Add(ctrlWait), wire.PhaseDisplayResults)
	sess.Transition(session.PhaseIperfDone)
	_ = wire.WritePhase(ctrlConn, time.Now().Add(ctrlWait), wire.PhaseIperfDone)
	sess.Transition(session.PhaseIdle)
	sess.MarkDone()
}
