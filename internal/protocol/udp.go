package protocol

import (
	"context"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/drazic/iperfd/internal/config"
	"github.com/drazic/iperfd/internal/ioerr"
	"github.com/drazic/iperfd/internal/netutil"
	"github.com/drazic/iperfd/internal/session"
	"github.com/drazic/iperfd/internal/wire"
)

type udpEngine struct{}

// udpBufferExtra is added to blksize when raising socket buffers that
// were not explicitly requested but are smaller than the block size
// (§4.5 "socket-buffer policy").
const udpBufferExtra = 4096

// udpAcceptRetries is the number of one-second accept attempts before
// failing with IESTREAMACCEPT (§4.5).
const udpAcceptRetries = 30

// Listen produces a fresh bound UDP datagram socket. Because accepting
// a stream consumes the bound socket (see Accept), the caller must call
// Listen again before the next stream.
func (udpEngine) Listen(ctx context.Context, sess *session.Session, opts ListenerOptions) (any, error) {
	pc, err := netutil.Announce(ctx, sess.Family, config.ProtocolUDP, sess.BindAddr, sess.BindDevice, sess.Port)
	if err != nil {
		return nil, ioerr.New(ioerr.KindStreamListen, err)
	}
	return pc, nil
}

// Accept performs the UDP "connect" handshake (§4.5): it waits up to
// udpAcceptRetries one-second windows for the UDP_CONNECT_MSG sentinel,
// extracts the peer address, connects the socket to it, and replies
// with UDP_CONNECT_REPLY. It then reads the cookie the same way TCP
// does, over the now-connected socket.
func (udpEngine) Accept(ctx context.Context, pcAny any, deadline time.Time, sess *session.Session, dir session.Direction, opts ListenerOptions) (*session.Stream, error) {
	pc, ok := pcAny.(net.PacketConn)
	if !ok {
		return nil, ioerr.New(ioerr.KindStreamAccept, nil)
	}

	buf := make([]byte, 4)
	var peer net.Addr
	var err error

	for i := 0; i < udpAcceptRetries; i++ {
		_ = pc.SetReadDeadline(time.Now().Add(time.Second))
		var n int
		n, peer, err = pc.ReadFrom(buf)
		if err == nil && n == 4 && string(buf) == string(wire.UDPConnectMsg[:]) {
			break
		}
		if ctx.Err() != nil {
			return nil, ioerr.New(ioerr.KindStreamAccept, ctx.Err())
		}
		peer = nil
	}
	if peer == nil {
		return nil, ioerr.New(ioerr.KindStreamAccept, err)
	}

	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		return nil, ioerr.New(ioerr.KindStreamAccept, nil)
	}
	udpAddr, ok := peer.(*net.UDPAddr)
	if !ok {
		return nil, ioerr.New(ioerr.KindStreamAccept, nil)
	}

	conn, err := net.DialUDP("udp", localAddrOf(udpConn), udpAddr)
	if err != nil {
		return nil, ioerr.New(ioerr.KindStreamAccept, err)
	}
	_ = udpConn.Close()

	if err := applyUDPBufferPolicy(conn, sess, opts); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, _ = conn.Write(wire.UDPConnectReply[:])

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

	st := session.NewStream(conn, dir, sess.BlockSize)
	sess.AddStream(st)
	return st, nil
}

func localAddrOf(conn *net.UDPConn) *net.UDPAddr {
	if a, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return a
	}
	return nil
}

// applyUDPBufferPolicy implements §4.5's buffer policy: an explicitly
// requested size must be met exactly (KindSetBuf2 otherwise); an
// unrequested size smaller than blksize is raised once to
// blksize+udpBufferExtra and re-checked.
func applyUDPBufferPolicy(conn *net.UDPConn, sess *session.Session, opts ListenerOptions) error {
	if opts.SocketBuf > 0 {
		_, err := netutil.SetBuf2(conn, opts.SocketBuf)
		return err
	}

	// The kernel reports double the stored size; halve it as SetBuf2 does.
	var cur int
	if rc, err := conn.SyscallConn(); err == nil {
		_ = rc.Control(func(fd uintptr) {
			cur, _ = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
		})
	}
	if cur/2 >= sess.BlockSize {
		return nil
	}

	target := sess.BlockSize + udpBufferExtra
	_, err := netutil.SetBuf2(conn, target)
	return err
}

// Send writes one already-framed datagram (the caller stamps the
// header via wire.EncodeHeader before calling Send, since sequence
// numbering is a worker-owned counter) (§4.5). On a soft (would-block)
// error, packet_count is not incremented, and the worker re-stamps the
// next attempt with the same sequence number.
func (udpEngine) Send(st *session.Stream, buf []byte, pending *int) (int, error) {
	n, result, err := netutil.SendNoSelect(st.Conn, buf)
	switch result {
	case netutil.RecvWouldBlock:
		return 0, nil
	case netutil.RecvHardError, netutil.RecvClosed:
		return 0, ioerr.New(ioerr.KindStreamWrite, err)
	default:
		st.AddBytes(int64(n))
		st.AddPacket()
		return n, nil
	}
}

// Recv reads one datagram, decodes its header, and performs the
// sequence/loss/out-of-order/jitter accounting of §4.5, only while
// phase is TEST_RUNNING.
func (udpEngine) Recv(st *session.Stream, buf []byte, phase session.Phase, bit64 bool) (int, error) {
	n, result, err := netutil.RecvNoSelect(st.Conn, buf)
	switch result {
	case netutil.RecvWouldBlock:
		return 0, nil
	case netutil.RecvClosed:
		return 0, ioerr.New(ioerr.KindPeerClosed, nil)
	case netutil.RecvHardError:
		return 0, ioerr.New(ioerr.KindStreamRead, err)
	}

	hdrSize := wire.HeaderSize(bit64)
	if n < hdrSize {
		return n, nil
	}
	if phase != session.PhaseTestRunning {
		return n, nil
	}

	h := wire.DecodeHeader(buf[:n], bit64)
	now := time.Now()
	sentNanos := int64(h.Sec)*1e9 + int64(h.Usec)*1e3
	st.ObserveSequence(int64(h.Sequence))
	st.ObserveJitter(now.UnixNano(), sentNanos)
	st.AddBytes(int64(n))
	st.AddPacket()
	return n, nil
}
