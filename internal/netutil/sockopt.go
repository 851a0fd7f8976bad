package netutil

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/drazic/iperfd/internal/ioerr"
)

var errNotSyscallConn = errors.New("connection does not expose a raw fd")

// rawConnOf extracts the syscall.RawConn from a net.Conn or net.PacketConn
// that supports it (TCPConn, UDPConn). Returns an error if the
// underlying conn does not expose one (e.g. it has already been closed);
// withFd tags that error with the caller's Kind.
func rawConnOf(conn any) (syscall.RawConn, error) {
	type syscallConn interface {
		SyscallConn() (syscall.RawConn, error)
	}
	sc, ok := conn.(syscallConn)
	if !ok {
		return nil, errNotSyscallConn
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func withFd(conn any, kind ioerr.Kind, fn func(fd int) error) error {
	rc, err := rawConnOf(conn)
	if err != nil {
		return ioerr.New(kind, err)
	}
	var opErr error
	ctrlErr := rc.Control(func(fd uintptr) {
		opErr = fn(int(fd))
	})
	if ctrlErr != nil {
		return ioerr.New(kind, ctrlErr)
	}
	if opErr != nil {
		return ioerr.New(kind, opErr)
	}
	return nil
}

// SetNoDelay toggles TCP_NODELAY on a TCP connection (§4.4).
func SetNoDelay(conn *net.TCPConn, enabled bool) error {
	return conn.SetNoDelay(enabled)
}

// SetMSS sets TCP_MAXSEG on a TCP connection. The kernel treats this as
// advisory before the handshake completes and the setting can be
// unreliable in practice (§9 Open Question: "MSS is very buggy"), so
// callers should log failures here as warnings rather than aborting.
func SetMSS(conn *net.TCPConn, mss int) error {
	if mss <= 0 {
		return nil
	}
	return withFd(conn, ioerr.KindSetMSS, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_MAXSEG, mss)
	})
}

// SetBuf sets the socket send and receive buffer sizes directly
// (SO_SNDBUF/SO_RCVBUF), without the doubled-size readback check that
// SetBuf2 performs.
func SetBuf(conn any, size int) error {
	if size <= 0 {
		return nil
	}
	if err := withFd(conn, ioerr.KindSetBuf, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size)
	}); err != nil {
		return err
	}
	return withFd(conn, ioerr.KindSetBuf, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size)
	})
}

// SetBuf2 sets the socket buffer size and reads it back with
// getsockopt, per §4.1: Linux doubles the requested value internally,
// so the raw requested size is compared against half of what the
// kernel reports. If the kernel still reports less than requested, the
// caller receives ioerr.KindSetBuf2 ("requested is larger than actual
// set"); unlike MSS and congestion-algorithm failures, this is fatal
// and callers must abort the accept rather than warn and continue.
func SetBuf2(conn any, requested int) (actual int, err error) {
	if requested <= 0 {
		return 0, nil
	}
	if setErr := withFd(conn, ioerr.KindSetBuf, func(fd int) error {
		if e := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, requested); e != nil {
			return e
		}
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, requested)
	}); setErr != nil {
		return 0, setErr
	}

	var got int
	getErr := withFd(conn, ioerr.KindSetBuf, func(fd int) error {
		v, e := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
		if e != nil {
			return e
		}
		got = v
		return nil
	})
	if getErr != nil {
		return 0, getErr
	}

	// Linux reports double the requested value (kernel bookkeeping
	// overhead); compare against the halved figure.
	effective := got / 2
	if effective < requested {
		return effective, ioerr.New(ioerr.KindSetBuf2, nil)
	}
	return effective, nil
}

// SetPacingRate sets SO_MAX_PACING_RATE in bytes/sec, used to pace a
// stream's send rate toward a per-stream rate limit (§4.5 supplement,
// SPEC_FULL.md domain stack). A failure, including an unsupported
// kernel, is returned wrapped as ioerr.KindSetFlow.
func SetPacingRate(conn any, bytesPerSec uint32) error {
	return withFd(conn, ioerr.KindSetFlow, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_MAX_PACING_RATE, int(bytesPerSec))
	})
}

// SetReuseAddr sets SO_REUSEADDR, used when rebinding a UDP socket
// between streams in the same session (§4.5).
func SetReuseAddr(conn any, enabled bool) error {
	v := 0
	if enabled {
		v = 1
	}
	return withFd(conn, ioerr.KindSetReuseAddr, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, v)
	})
}

// SetCongestion sets the TCP congestion control algorithm by name. A
// missing algorithm (ENOENT, module not loaded) is non-fatal per the
// supplemented behavior in SPEC_FULL.md: callers should log this as a
// warning, not abort the session.
func SetCongestion(conn *net.TCPConn, name string) error {
	if name == "" {
		return nil
	}
	return withFd(conn, ioerr.KindSetCongestion, func(fd int) error {
		return unix.SetsockoptString(fd, unix.IPPROTO_TCP, unix.TCP_CONGESTION, name)
	})
}
