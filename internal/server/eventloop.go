package server

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/drazic/iperfd/internal/config"
	"github.com/drazic/iperfd/internal/session"
	"github.com/drazic/iperfd/internal/wire"
)

// EventLoop accepts control connections and enforces the "only one
// active client" rule from §4.3/§8 S5: a second control connection
// while a session is live gets one ACCESS_DENIED byte and is closed
// without being read from, since reading could block the ongoing test.
//
// It also plays the part of §4.4's "the control-accept listener is
// reused for data" default path: while the active session is in
// CREATE_STREAMS, a newly accepted connection is handed to that
// session's stream channel instead of being treated as a competing
// control connection.
//
// The source multiplexed a single OS thread over {listener, control,
// protocol-listener} with select/poll; here the Go scheduler plays
// that role instead — each admitted session runs its own goroutine
// (runControl) while EventLoop.Run stays free to keep accepting.
type EventLoop struct {
	cfg    config.Config
	cb     Callbacks
	logger *slog.Logger

	mu       sync.Mutex
	busy     bool
	active   *session.Session
	streamCh chan net.Conn
}

// NewEventLoop constructs an EventLoop ready to serve ln.
func NewEventLoop(cfg config.Config, cb Callbacks, logger *slog.Logger) *EventLoop {
	return &EventLoop{cfg: cfg, cb: cb.fillDefaults(), logger: logger}
}

// Run accepts control connections on ln until ctx is canceled or the
// listener errors. In "one-off" mode, it returns after the first
// session completes. The idle timer restarts the wait for a client
// rather than tearing down and rebuilding ln: this listener carries no
// per-client state, so there is nothing a literal close/reopen would
// reset (§4.6 step 4's "restart").
func (e *EventLoop) Run(ctx context.Context, ln net.Listener) error {
	acceptCh := make(chan net.Conn)
	acceptErrCh := make(chan error, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				acceptErrCh <- err
				return
			}
			acceptCh <- conn
		}
	}()

	idleTimeout := time.Duration(e.cfg.Timeouts.IdleSeconds) * time.Second

	for {
		var timeoutCh <-chan time.Time
		var idleTimer *time.Timer
		if idleTimeout > 0 {
			idleTimer = time.NewTimer(idleTimeout)
			timeoutCh = idleTimer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(idleTimer)
			_ = ln.Close()
			return nil

		case err := <-acceptErrCh:
			stopTimer(idleTimer)
			return err

		case <-timeoutCh:
			if e.cfg.Server.OneOff && !e.isBusy() {
				e.logger.Info("idle timeout reached in one-off mode, shutting down")
				_ = ln.Close()
				return nil
			}
			e.logger.Debug("idle timeout reached, still waiting for a client")

		case conn := <-acceptCh:
			stopTimer(idleTimer)
			sessionDone := e.handleConn(ctx, ln, conn)
			if e.cfg.Server.OneOff && sessionDone != nil {
				// One-off mode serves exactly one session then exits
				// (§6 CLI/env "one-off mode").
				<-sessionDone
				_ = ln.Close()
				return nil
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (e *EventLoop) isBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// handleConn decides what a newly accepted connection is for:
//   - no session in flight: conn is a new control connection, admitted.
//   - a session is in flight and in CREATE_STREAMS: conn is handed to
//     that session's data-stream channel (§4.4 listener reuse).
//   - otherwise: conn is denied per S5.
//
// It returns a channel that closes once an admitted session returns to
// IDLE, or nil if conn was routed elsewhere or denied.
func (e *EventLoop) handleConn(ctx context.Context, ln net.Listener, conn net.Conn) <-chan struct{} {
	e.mu.Lock()
	if e.busy {
		active, streamCh := e.active, e.streamCh
		e.mu.Unlock()
		if active != nil && active.Phase() == session.PhaseCreateStreams {
			select {
			case streamCh <- conn:
			default:
				_ = conn.Close()
			}
			return nil
		}
		denyBusy(conn, e.cfg)
		return nil
	}

	sess := session.New(e.cfg, nil)
	streamCh := make(chan net.Conn, 4)
	e.busy = true
	e.active = sess
	e.streamCh = streamCh
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			e.mu.Lock()
			e.busy = false
			e.active = nil
			e.streamCh = nil
			e.mu.Unlock()
		}()
		runControl(ctx, sess, conn, ln, streamCh, e.cfg, e.cb, e.logger)
	}()
	return done
}

// denyBusy sends ACCESS_DENIED and closes conn without reading from it
// (§4.3, §8 S5): reading could block behind the in-progress test.
func denyBusy(conn net.Conn, cfg config.Config) {
	defer conn.Close()
	_ = wire.WritePhase(conn, time.Now().Add(ctrlWaitOf(cfg)), wire.PhaseAccessDenied)
}
