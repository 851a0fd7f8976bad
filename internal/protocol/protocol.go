// Package protocol implements the TCP and UDP data-engine behavior
// from §4.4 and §4.5, behind the small capability-record
// abstraction §9's design notes call for: the event loop and worker
// threads call Listen/Accept/Send/Recv without switching on protocol
// id except to pick the record.
//
// The accept and read/write-loop shapes follow the same pattern as a
// pooled-buffer, socket-option-aware TCP/UDP server loop, generalized
// from message framing to measurement-stream accounting.
package protocol

import (
	"context"
	"net"
	"time"

	"github.com/drazic/iperfd/internal/config"
	"github.com/drazic/iperfd/internal/session"
	"github.com/drazic/iperfd/internal/wire"
)

// ListenerOptions carries the per-session socket options that decide
// whether a data listener can reuse the control-accept listener or
// must be rebuilt (§4.4 "No delay flag reopening the listener").
type ListenerOptions struct {
	NoDelay        bool
	MSS            int
	SocketBuf      int
	PacingRate     int64 // bytes/sec, 0 = unset
	CongestionAlgo string
}

// NeedsRebuild reports whether any option requires data sockets to
// inherit settings the control-accept listener was not built with.
// acceptStreams (control.go) calls this to log when a rebuild would
// have been warranted, even though the control listener is reused
// regardless (§4.4).
func (o ListenerOptions) NeedsRebuild() bool {
	return o.NoDelay || o.MSS > 0 || o.SocketBuf > 0 || o.CongestionAlgo != ""
}

// Engine is the capability record: the event loop selects one based
// on session.Protocol and never branches on protocol again (§9).
type Engine interface {
	// Listen produces the protocol's listening/bound socket.
	Listen(ctx context.Context, sess *session.Session, opts ListenerOptions) (any, error)
	// Accept waits for and validates the next data connection/stream,
	// cookie-checking it against sess.
	Accept(ctx context.Context, ln any, deadline time.Time, sess *session.Session, dir session.Direction, opts ListenerOptions) (*session.Stream, error)
	// Send writes one block from the stream's buffer, applying the
	// pending-size retry contract of §4.4/§4.5.
	Send(st *session.Stream, buf []byte, pending *int) (n int, err error)
	// Recv reads one block (TCP) or one datagram (UDP) and updates
	// accounting if phase is TEST_RUNNING.
	Recv(st *session.Stream, buf []byte, phase session.Phase, bit64 bool) (n int, err error)
}

// ForProtocol returns the capability record for proto.
func ForProtocol(proto config.Protocol) Engine {
	if proto == config.ProtocolUDP {
		return udpEngine{}
	}
	return tcpEngine{}
}

func closeDeadline(ctx context.Context, fallback time.Duration) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		return dl
	}
	return time.Now().Add(fallback)
}

func sendCookieDenied(conn net.Conn, deadline time.Time) {
	// ACCESS_DENIED is a single byte (§6); errors writing it are ignored
	// per §4.3 ("ignores any send error").
	_ = wire.WritePhase(conn, deadline, wire.PhaseAccessDenied)
}
