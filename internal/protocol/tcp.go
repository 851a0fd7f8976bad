package protocol

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/drazic/iperfd/internal/config"
	"github.com/drazic/iperfd/internal/ioerr"
	"github.com/drazic/iperfd/internal/netutil"
	"github.com/drazic/iperfd/internal/session"
	"github.com/drazic/iperfd/internal/wire"
)

type tcpEngine struct{}

// Listen produces the TCP data listener. The control wire protocol has
// no field to hand the client an alternate data port, so in practice
// the control listener's own accept loop is always reused instead
// (§4.4, acceptStreams in control.go) and this is never called in
// production; it remains as the rebuild path ListenerOptions.NeedsRebuild
// signals a need for, and for test coverage of Engine.Listen in isolation.
func (tcpEngine) Listen(ctx context.Context, sess *session.Session, opts ListenerOptions) (any, error) {
	ln, err := netutil.Announce(ctx, sess.Family, config.ProtocolTCP, sess.BindAddr, sess.BindDevice, sess.Port)
	if err != nil {
		return nil, ioerr.New(ioerr.KindStreamListen, err)
	}
	return ln, nil
}

// Accept waits for the next TCP data connection up to deadline, then
// delegates to AcceptConn (§4.4).
func (tcpEngine) Accept(ctx context.Context, lnAny any, deadline time.Time, sess *session.Session, dir session.Direction, opts ListenerOptions) (*session.Stream, error) {
	ln, ok := lnAny.(net.Listener)
	if !ok {
		return nil, ioerr.New(ioerr.KindStreamAccept, nil)
	}

	if tl, ok := ln.(*net.TCPListener); ok {
		_ = tl.SetDeadline(deadline)
	}

	conn, err := ln.Accept()
	if err != nil {
		return nil, classifyAcceptErr(err)
	}
	return AcceptConn(conn, sess, dir, opts)
}

// AcceptConn validates an already-accepted TCP data connection: it
// applies the session's socket options, reads and checks the cookie,
// and returns a registered Stream (§4.4). It is split out from Accept
// so a connection handed off by the control listener's own accept
// loop (the "listener reuse" default path) can be validated the same
// way as one accepted from a rebuilt data listener.
func AcceptConn(conn net.Conn, sess *session.Session, dir session.Direction, opts ListenerOptions) (*session.Stream, error) {
	tc, isTCP := conn.(*net.TCPConn)
	if isTCP {
		if err := applyDataSocketOptions(tc, opts); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	cookie, err := wire.ReadCookie(conn, time.Now().Add(sess.RcvTimeoutOrDefault()), len(sess.Cookie))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if !sess.CookieMatches(cookie) {
		sendCookieDenied(conn, time.Now().Add(2*time.Second))
		_ = conn.Close()
		return nil, ioerr.New(ioerr.KindAccept, nil)
	}

	if opts.PacingRate > 0 && isTCP {
		if e := netutil.SetPacingRate(tc, uint32(opts.PacingRate)); e != nil {
			// Pacing is a best-effort optimization; a failure is ignored.
			_ = e
		}
	}

	st := session.NewStream(conn, dir, sess.BlockSize)
	sess.AddStream(st)
	return st, nil
}

// applyDataSocketOptions applies the session's requested socket options
// to a just-accepted TCP data connection. A requested buffer size that
// comes back smaller than asked for is fatal (§4.1, "the source accepts
// actual < requested as fatal"), matching applyUDPBufferPolicy's
// handling of the same condition on the UDP path. MSS and congestion
// algorithm failures are surfaced as warnings only, not aborted.
func applyDataSocketOptions(tc *net.TCPConn, opts ListenerOptions) error {
	if opts.NoDelay {
		_ = netutil.SetNoDelay(tc, true)
	}
	if opts.MSS > 0 {
		// §9 Open Question: MSS is known-fragile; failures are logged
		// as a warning rather than aborting the accept.
		if err := netutil.SetMSS(tc, opts.MSS); err != nil {
			slog.Warn("set mss failed", "mss", opts.MSS, "err", err)
		}
	}
	if opts.SocketBuf > 0 {
		if _, err := netutil.SetBuf2(tc, opts.SocketBuf); err != nil {
			return err
		}
	}
	if opts.CongestionAlgo != "" {
		if err := netutil.SetCongestion(tc, opts.CongestionAlgo); err != nil {
			slog.Warn("set congestion algorithm failed", "algo", opts.CongestionAlgo, "err", err)
		}
	}
	return nil
}

func classifyAcceptErr(err error) error {
	var ne net.Error
	if e, ok := err.(net.Error); ok {
		ne = e
		if ne.Timeout() {
			return ioerr.New(ioerr.KindTimeout, err)
		}
	}
	return ioerr.New(ioerr.KindAccept, err)
}

// Send writes up to *pending bytes from buf[:*pending] in one system
// call (§4.4). A partial write decrements *pending so the next call
// retries the remainder; once *pending reaches zero the caller refills
// the buffer to blksize. A soft (would-block) error counts only the
// bytes written before the buffer filled (often none), so the worker
// retries the rest; a hard error is returned.
func (tcpEngine) Send(st *session.Stream, buf []byte, pending *int) (int, error) {
	if *pending <= 0 {
		*pending = len(buf)
	}
	n, result, err := netutil.SendNoSelect(st.Conn, buf[len(buf)-*pending:])
	switch result {
	case netutil.RecvHardError:
		return 0, ioerr.New(ioerr.KindStreamWrite, err)
	default:
		// A would-block result can still carry a partial write (n > 0).
		*pending -= n
		st.AddBytes(int64(n))
		return n, nil
	}
}

// Recv reads up to len(buf) bytes in one non-blocking call, counting
// bytes only while phase is TEST_RUNNING (§4.4).
func (tcpEngine) Recv(st *session.Stream, buf []byte, phase session.Phase, _ bool) (int, error) {
	n, result, err := netutil.RecvNoSelect(st.Conn, buf)
	switch result {
	case netutil.RecvWouldBlock:
		return 0, nil
	case netutil.RecvClosed:
		return 0, ioerr.New(ioerr.KindPeerClosed, nil)
	case netutil.RecvHardError:
		return 0, ioerr.New(ioerr.KindStreamRead, err)
	default:
		if phase == session.PhaseTestRunning {
			st.AddBytes(int64(n))
		}
		return n, nil
	}
}
