// Package netutil implements the bounded-time socket primitives and
// dual-stack listener setup described in §4.1: read/write
// helpers with a hard deadline, a single-syscall "no select" receive
// for the worker hot path, and an announce() that prefers dual-stack
// v6 the way the source does.
//
// The bounded-read/write contract mirrors the deadline-based pattern
// used by network probe tools in the reference corpus (e.g. the
// doublezero uping sender/listener), translated to net.Conn deadlines
// instead of raw fd polling — the idiomatic Go equivalent of a
// select()-bounded read.
package netutil

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/drazic/iperfd/internal/ioerr"
)

// WaitRead reads exactly len(buf) bytes from a stream-oriented conn
// (TCP) before deadline, or one datagram into buf from a packet-oriented
// conn (UDP). It returns the byte count and distinguishes a peer close
// (ioerr.KindPeerClosed, with the count read before the close) from a
// timeout (ioerr.KindTimeout) from a hard I/O error, per §4.1.
func WaitRead(conn net.Conn, buf []byte, deadline time.Time) (int, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, ioerr.New(ioerr.KindStreamRead, err)
	}

	if _, isPacket := conn.(net.PacketConn); isPacket {
		n, err := conn.Read(buf)
		return n, classifyReadErr(err)
	}

	n, err := io.ReadFull(conn, buf)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return n, ioerr.New(ioerr.KindPeerClosed, err)
		}
		return n, classifyReadErr(err)
	}
	return n, nil
}

func classifyReadErr(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ioerr.New(ioerr.KindTimeout, err)
	}
	if errors.Is(err, io.EOF) {
		return ioerr.New(ioerr.KindPeerClosed, err)
	}
	return ioerr.New(ioerr.KindStreamRead, err)
}

// WaitWrite delivers all of buf to conn before deadline, or fails with
// {timeout, io-error}, per §4.1's symmetric write contract.
func WaitWrite(conn net.Conn, buf []byte, deadline time.Time) error {
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return ioerr.New(ioerr.KindStreamWrite, err)
	}
	_, err := conn.Write(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ioerr.New(ioerr.KindTimeout, err)
		}
		return ioerr.New(ioerr.KindStreamWrite, err)
	}
	return nil
}

// RecvResult classifies the outcome of a RecvNoSelect call.
type RecvResult int

const (
	RecvOK RecvResult = iota
	RecvClosed
	RecvWouldBlock
	RecvHardError
)

// RecvNoSelect performs a single non-blocking-equivalent receive on
// conn: an immediate deadline stands in for O_NONBLOCK, since the
// net package does not expose true non-blocking mode. Returns the
// byte count and a classification: RecvClosed for a clean TCP close
// (n==0), RecvWouldBlock for no data currently available, RecvHardError
// for anything else. UDP streams never observe RecvClosed (a "closed"
// datagram socket surfaces as RecvHardError).
func RecvNoSelect(conn net.Conn, buf []byte) (int, RecvResult, error) {
	_ = conn.SetReadDeadline(time.Now())
	n, err := conn.Read(buf)
	if err == nil {
		return n, RecvOK, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return 0, RecvWouldBlock, nil
	}
	if errors.Is(err, io.EOF) {
		return 0, RecvClosed, nil
	}
	return n, RecvHardError, err
}

// SendNoSelect performs a single non-blocking-equivalent send on conn,
// the write-side analogue of RecvNoSelect used by the TCP/UDP send hot
// path (§4.4, §4.5): an immediate deadline stands in for O_NONBLOCK.
// RecvWouldBlock means the socket buffer filled before all of buf was
// written; n is the part that did go out (often 0), and the caller
// retries the rest on the next loop iteration.
func SendNoSelect(conn net.Conn, buf []byte) (int, RecvResult, error) {
	_ = conn.SetWriteDeadline(time.Now())
	n, err := conn.Write(buf)
	if err == nil {
		return n, RecvOK, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, RecvWouldBlock, nil
	}
	if errors.Is(err, io.EOF) {
		return n, RecvClosed, nil
	}
	return n, RecvHardError, err
}
