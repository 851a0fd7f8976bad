package wire

import "encoding/binary"

// Header32Size and Header64Size are the encoded sizes of the UDP
// packet header in 32-bit and 64-bit sequence-counter modes (§4.5,
// §6): sec:u32be, usec:u32be, sequence:(u32be|u64be).
const (
	Header32Size = 4 + 4 + 4
	Header64Size = 4 + 4 + 8
)

// Header is the decoded form of a UDP datagram header.
type Header struct {
	Sec      uint32
	Usec     uint32
	Sequence uint64
}

// HeaderSize returns the encoded header size for the given counter mode.
func HeaderSize(bit64 bool) int {
	if bit64 {
		return Header64Size
	}
	return Header32Size
}

// EncodeHeader writes h into buf (which must be at least HeaderSize(bit64)
// long) using the 32- or 64-bit sequence representation.
func EncodeHeader(buf []byte, h Header, bit64 bool) {
	binary.BigEndian.PutUint32(buf[0:4], h.Sec)
	binary.BigEndian.PutUint32(buf[4:8], h.Usec)
	if bit64 {
		binary.BigEndian.PutUint64(buf[8:16], h.Sequence)
		return
	}
	binary.BigEndian.PutUint32(buf[8:12], uint32(h.Sequence))
}

// DecodeHeader reads a Header from the front of buf, per the selected
// counter mode. buf must be at least HeaderSize(bit64) long.
func DecodeHeader(buf []byte, bit64 bool) Header {
	h := Header{
		Sec:  binary.BigEndian.Uint32(buf[0:4]),
		Usec: binary.BigEndian.Uint32(buf[4:8]),
	}
	if bit64 {
		h.Sequence = binary.BigEndian.Uint64(buf[8:16])
		return h
	}
	h.Sequence = uint64(binary.BigEndian.Uint32(buf[8:12]))
	return h
}
