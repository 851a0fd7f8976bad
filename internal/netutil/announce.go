package netutil

import (
	"context"
	"net"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/drazic/iperfd/internal/config"
	"github.com/drazic/iperfd/internal/ioerr"
)

// controlFunc builds a net.ListenConfig.Control callback that binds to
// dev (if non-empty, Linux SO_BINDTODEVICE) and, for dual-stack v6
// sockets, disables V6ONLY so the socket accepts v4-mapped peers too
// (§4.1 "prefer a dual-stack v6 socket with V6ONLY disabled").
func controlFunc(dev string, dualStack bool) func(string, string, syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			if dualStack {
				if e := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); e != nil {
					opErr = ioerr.New(ioerr.KindSetV6Only, e)
					return
				}
			}
			if dev != "" {
				if e := unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, dev); e != nil {
					opErr = ioerr.New(ioerr.KindListen, e)
					return
				}
			}
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return opErr
	}
}

// Announce produces a bound+listening socket (TCP) or a bound datagram
// socket (UDP), per §4.1. On an unspecified family with no bind address
// it prefers a dual-stack v6 socket with V6ONLY disabled; if the kernel
// rejects v6 entirely, it retries with v4.
func Announce(ctx context.Context, family config.Family, proto config.Protocol, addr, dev string, port int) (any, error) {
	host, dualStack := resolveHost(family, addr)
	hostPort := net.JoinHostPort(host, strconv.Itoa(port))
	lc := net.ListenConfig{Control: controlFunc(dev, dualStack)}

	if proto == config.ProtocolUDP {
		return announceUDP(ctx, lc, dualStack, hostPort, family, dev, port)
	}
	return announceTCP(ctx, lc, dualStack, hostPort, family, dev, port)
}

// resolveHost picks the literal bind host and reports whether a
// dual-stack v6 socket should be attempted first.
func resolveHost(family config.Family, addr string) (string, bool) {
	if addr != "" {
		return addr, false
	}
	if family == config.FamilyV4 {
		return "0.0.0.0", false
	}
	return "::", true
}

func announceTCP(ctx context.Context, lc net.ListenConfig, dualStack bool, hostPort string, family config.Family, dev string, port int) (net.Listener, error) {
	network := "tcp"
	if dualStack {
		network = "tcp6"
	}
	ln, err := lc.Listen(ctx, network, hostPort)
	if err != nil && dualStack && family == config.FamilyUnspecified {
		// Kernel rejected v6 entirely; retry with v4 per §4.1.
		lc.Control = controlFunc(dev, false)
		ln, err = lc.Listen(ctx, "tcp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	}
	if err != nil {
		return nil, ioerr.New(ioerr.KindListen, err)
	}
	return ln, nil
}

func announceUDP(ctx context.Context, lc net.ListenConfig, dualStack bool, hostPort string, family config.Family, dev string, port int) (net.PacketConn, error) {
	network := "udp"
	if dualStack {
		network = "udp6"
	}
	pc, err := lc.ListenPacket(ctx, network, hostPort)
	if err != nil && dualStack && family == config.FamilyUnspecified {
		lc.Control = controlFunc(dev, false)
		pc, err = lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	}
	if err != nil {
		return nil, ioerr.New(ioerr.KindListen, err)
	}
	return pc, nil
}
