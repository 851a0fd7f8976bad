// Package wire implements the control-connection framing and UDP packet
// header described in §6: a single phase byte, a 4-byte
// big-endian length prefix for JSON parameter/result blobs, and the UDP
// datagram header carrying timestamp and sequence.
//
// The length-prefix framing is grounded on tcp_server.go's
// readMessage/writeMessage (2-byte length prefix + pooled buffer +
// net.Buffers vectored write), generalized from the 2-byte DNS length
// field to the 4-byte field §6 specifies.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"time"

	"github.com/drazic/iperfd/internal/ioerr"
	"github.com/drazic/iperfd/internal/pool"
)

// Phase is a single control-wire phase byte (§6).
type Phase byte

const (
	PhaseParamExchange   Phase = 1
	PhaseCreateStreams   Phase = 2
	PhaseTestStart       Phase = 3
	PhaseTestRunning     Phase = 4
	PhaseTestEnd         Phase = 5
	PhaseExchangeResults Phase = 6
	PhaseDisplayResults  Phase = 7
	PhaseIperfDone       Phase = 8
	PhaseIperfStart      Phase = 9
	PhaseAccessDenied    Phase = 10
	PhaseClientTerminate Phase = 11
)

func (p Phase) String() string {
	switch p {
	case PhaseParamExchange:
		return "PARAM_EXCHANGE"
	case PhaseCreateStreams:
		return "CREATE_STREAMS"
	case PhaseTestStart:
		return "TEST_START"
	case PhaseTestRunning:
		return "TEST_RUNNING"
	case PhaseTestEnd:
		return "TEST_END"
	case PhaseExchangeResults:
		return "EXCHANGE_RESULTS"
	case PhaseDisplayResults:
		return "DISPLAY_RESULTS"
	case PhaseIperfDone:
		return "IPERF_DONE"
	case PhaseIperfStart:
		return "IPERF_START"
	case PhaseAccessDenied:
		return "ACCESS_DENIED"
	case PhaseClientTerminate:
		return "CLIENT_TERMINATE"
	default:
		return "UNKNOWN"
	}
}

// ValidPhase reports whether b names a known phase, per §6 ("unknown
// value -> IEMESSAGE").
func ValidPhase(b byte) (Phase, bool) {
	p := Phase(b)
	switch p {
	case PhaseParamExchange, PhaseCreateStreams, PhaseTestStart, PhaseTestRunning,
		PhaseTestEnd, PhaseExchangeResults, PhaseDisplayResults, PhaseIperfDone,
		PhaseIperfStart, PhaseAccessDenied, PhaseClientTerminate:
		return p, true
	default:
		return 0, false
	}
}

// phaseBufPool reduces allocations for single-byte phase reads/writes.
var phaseBufPool = pool.New(func() *[]byte {
	buf := make([]byte, 1)
	return &buf
})

// WritePhase sends a single phase byte to conn.
func WritePhase(conn net.Conn, deadline time.Time, p Phase) error {
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return ioerr.New(ioerr.KindSendMessage, err)
	}
	buf := phaseBufPool.Get()
	(*buf)[0] = byte(p)
	_, err := conn.Write(*buf)
	phaseBufPool.Put(buf)
	if err != nil {
		return ioerr.New(ioerr.KindSendMessage, err)
	}
	return nil
}

// ReadPhase reads one phase byte from conn. An unrecognized byte is
// reported as ioerr.KindMessage (§6's IEMESSAGE).
func ReadPhase(conn net.Conn, deadline time.Time) (Phase, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, ioerr.New(ioerr.KindRecvMessage, err)
	}
	buf := phaseBufPool.Get()
	_, err := io.ReadFull(conn, *buf)
	b := (*buf)[0]
	phaseBufPool.Put(buf)
	if err != nil {
		return 0, ioerr.New(ioerr.KindRecvMessage, err)
	}
	p, ok := ValidPhase(b)
	if !ok {
		return 0, ioerr.New(ioerr.KindMessage, nil)
	}
	return p, nil
}

// lenBufPool reduces allocations for the 4-byte length prefix on
// parameter/result exchange, the iperfd wire's widened analogue of the
// 2-byte DNS-over-TCP length field.
var lenBufPool = pool.New(func() *[]byte {
	buf := make([]byte, 4)
	return &buf
})

// maxBlobSize bounds a parameter/result JSON blob; far larger than any
// realistic session configuration, it exists only to reject a corrupt
// or hostile length prefix before allocating.
const maxBlobSize = 1 << 20

// WriteJSON sends v as a 4-byte big-endian length prefix followed by
// its JSON encoding (§6).
func WriteJSON(conn net.Conn, deadline time.Time, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return ioerr.New(ioerr.KindSendMessage, err)
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return ioerr.New(ioerr.KindSendMessage, err)
	}

	lenBuf := lenBufPool.Get()
	binary.BigEndian.PutUint32(*lenBuf, uint32(len(body)))
	bufs := net.Buffers{*lenBuf, body}
	_, err = bufs.WriteTo(conn)
	lenBufPool.Put(lenBuf)
	if err != nil {
		return ioerr.New(ioerr.KindSendMessage, err)
	}
	return nil
}

// ReadJSON reads a 4-byte big-endian length prefix then that many bytes
// of JSON into v (§6).
func ReadJSON(conn net.Conn, deadline time.Time, v any) error {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return ioerr.New(ioerr.KindRecvMessage, err)
	}
	lenBuf := lenBufPool.Get()
	_, err := io.ReadFull(conn, *lenBuf)
	n := binary.BigEndian.Uint32(*lenBuf)
	lenBufPool.Put(lenBuf)
	if err != nil {
		return ioerr.New(ioerr.KindRecvMessage, err)
	}
	if n == 0 || n > maxBlobSize {
		return ioerr.New(ioerr.KindRecvMessage, nil)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return ioerr.New(ioerr.KindRecvMessage, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return ioerr.New(ioerr.KindRecvMessage, err)
	}
	return nil
}

// ReadCookie reads exactly size (COOKIE_SIZE) bytes from conn (§4.3, §6).
func ReadCookie(conn net.Conn, deadline time.Time, size int) ([]byte, error) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, ioerr.New(ioerr.KindRecvCookie, err)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, ioerr.New(ioerr.KindRecvCookie, err)
	}
	return buf, nil
}

// UDPConnectMsg and UDPConnectReply are the 4-byte sentinels exchanged
// to "connect" a UDP stream socket (§4.5, §6).
var (
	UDPConnectMsg   = [4]byte{0x9a, 0x0c, 0xe0, 0x1d}
	UDPConnectReply = [4]byte{0x9a, 0x0c, 0xe0, 0x1e}
)
