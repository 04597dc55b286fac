// Package wire implements the stream transport's packet codec: encoding
// and decoding of client and server packets carried in ICMPv6 Echo
// Request/Reply payloads, with CRC-16/CCITT-FALSE data checksums and
// standard ICMPv6 checksums over the IPv6 pseudo-header (C7).
package wire

import (
	"encoding/binary"
	"errors"
	"net"
)

// Flags is the stream packet flag byte. Only Syn, Ack, and Fin may be set,
// alone or in combination.
type Flags uint8

const (
	Syn Flags = 0x80
	Ack Flags = 0x40
	Fin Flags = 0x20

	allFlags = Syn | Ack | Fin
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

const (
	icmpv6EchoRequest = 128
	icmpv6EchoReply   = 129
	icmpv6NextHeader  = 58
)

// Direction identifies which side of the connection sent a packet, which
// determines the expected outer ICMPv6 type.
type Direction int

const (
	ClientToServer Direction = iota // carried in Echo Request
	ServerToClient                  // carried in Echo Reply
)

func (d Direction) expectedType() byte {
	if d == ClientToServer {
		return icmpv6EchoRequest
	}
	return icmpv6EchoReply
}

// Errors returned by Decode*; all represent a silently-dropped packet —
// callers should treat any of these as "ignore and keep listening", not
// surface them as connection failures.
var (
	ErrTooShort    = errors.New("wire: packet shorter than minimum header")
	ErrBadType     = errors.New("wire: unexpected ICMPv6 type for direction")
	ErrBadCode     = errors.New("wire: ICMPv6 code is not 0")
	ErrICMPChecksum = errors.New("wire: ICMPv6 checksum mismatch")
	ErrDataChecksum = errors.New("wire: stream data checksum mismatch")
	ErrBadFlags    = errors.New("wire: flag byte has unknown bits set")
	ErrBadReserved = errors.New("wire: reserved byte is not 0")
	ErrWrongPeer   = errors.New("wire: source address does not match bound peer")
)

const (
	icmpv6HeaderSize      = 4 // type, code, checksum
	clientHeaderSize      = 6 // data_csum, flags, reserved, seqno
	serverHeaderSize      = 8 // data_csum, flags, reserved, seqno_start, seqno_end
	ClientFullHeaderSize  = icmpv6HeaderSize + clientHeaderSize
	ServerFullHeaderSize  = icmpv6HeaderSize + serverHeaderSize
)

// ClientPacket is a client→server stream packet (carried in an ICMPv6
// Echo Request).
type ClientPacket struct {
	Flags   Flags
	Seqno   uint16
	Payload []byte
}

// ServerPacket is a server→client stream packet (carried in an ICMPv6
// Echo Reply). SeqnoStart/SeqnoEnd form an inclusive ack range.
type ServerPacket struct {
	Flags      Flags
	SeqnoStart uint16
	SeqnoEnd   uint16
	Payload    []byte
}

// EncodeClientPacket serializes pkt as a full ICMPv6 Echo Request,
// including data and ICMPv6 checksums.
func EncodeClientPacket(pkt ClientPacket, src, dst net.IP) []byte {
	stream := make([]byte, clientHeaderSize+len(pkt.Payload))
	// stream[0:2] data checksum filled below
	stream[2] = byte(pkt.Flags)
	stream[3] = 0 // reserved
	binary.BigEndian.PutUint16(stream[4:6], pkt.Seqno)
	copy(stream[6:], pkt.Payload)

	csum := dataChecksum(stream[2:])
	binary.BigEndian.PutUint16(stream[0:2], csum)

	return wrapICMPv6(icmpv6EchoRequest, stream, src, dst)
}

// EncodeServerPacket serializes pkt as a full ICMPv6 Echo Reply, including
// data and ICMPv6 checksums.
func EncodeServerPacket(pkt ServerPacket, src, dst net.IP) []byte {
	stream := make([]byte, serverHeaderSize+len(pkt.Payload))
	stream[2] = byte(pkt.Flags)
	stream[3] = 0
	binary.BigEndian.PutUint16(stream[4:6], pkt.SeqnoStart)
	binary.BigEndian.PutUint16(stream[6:8], pkt.SeqnoEnd)
	copy(stream[8:], pkt.Payload)

	csum := dataChecksum(stream[2:])
	binary.BigEndian.PutUint16(stream[0:2], csum)

	return wrapICMPv6(icmpv6EchoReply, stream, src, dst)
}

func wrapICMPv6(icmpType byte, streamMsg []byte, src, dst net.IP) []byte {
	pkt := make([]byte, icmpv6HeaderSize+len(streamMsg))
	pkt[0] = icmpType
	pkt[1] = 0 // code
	// pkt[2:4] checksum filled below
	copy(pkt[4:], streamMsg)

	if src != nil && dst != nil {
		csum := icmpv6Checksum(pkt, src, dst)
		binary.BigEndian.PutUint16(pkt[2:4], csum)
	}
	return pkt
}

// DecodeClientPacket validates and parses buf as a client→server packet.
// peerSrc, localDst are the bound addresses; pass nil for either to skip
// the corresponding check (used when the peer/local address isn't known
// yet, e.g. before a connection is established). actualSrc is the
// packet's observed source address, used for the peer-match check.
func DecodeClientPacket(buf []byte, actualSrc, peerSrc, localDst net.IP) (*ClientPacket, error) {
	if err := checkOuter(buf, ClientToServer, actualSrc, peerSrc, localDst); err != nil {
		return nil, err
	}
	stream := buf[icmpv6HeaderSize:]
	if len(stream) < clientHeaderSize {
		return nil, ErrTooShort
	}
	if err := checkDataChecksum(stream); err != nil {
		return nil, err
	}

	flags := Flags(stream[2])
	if flags&^allFlags != 0 {
		return nil, ErrBadFlags
	}
	if stream[3] != 0 {
		return nil, ErrBadReserved
	}
	seqno := binary.BigEndian.Uint16(stream[4:6])
	payload := append([]byte(nil), stream[6:]...)

	return &ClientPacket{Flags: flags, Seqno: seqno, Payload: payload}, nil
}

// DecodeServerPacket validates and parses buf as a server→client packet.
func DecodeServerPacket(buf []byte, actualSrc, peerSrc, localDst net.IP) (*ServerPacket, error) {
	if err := checkOuter(buf, ServerToClient, actualSrc, peerSrc, localDst); err != nil {
		return nil, err
	}
	stream := buf[icmpv6HeaderSize:]
	if len(stream) < serverHeaderSize {
		return nil, ErrTooShort
	}
	if err := checkDataChecksum(stream); err != nil {
		return nil, err
	}

	flags := Flags(stream[2])
	if flags&^allFlags != 0 {
		return nil, ErrBadFlags
	}
	if stream[3] != 0 {
		return nil, ErrBadReserved
	}
	start := binary.BigEndian.Uint16(stream[4:6])
	end := binary.BigEndian.Uint16(stream[6:8])
	payload := append([]byte(nil), stream[8:]...)

	return &ServerPacket{Flags: flags, SeqnoStart: start, SeqnoEnd: end, Payload: payload}, nil
}

func checkOuter(buf []byte, dir Direction, actualSrc, peerSrc, localDst net.IP) error {
	if len(buf) < icmpv6HeaderSize+4 {
		return ErrTooShort
	}
	if buf[0] != dir.expectedType() {
		return ErrBadType
	}
	if buf[1] != 0 {
		return ErrBadCode
	}
	if peerSrc != nil && localDst != nil {
		want := binary.BigEndian.Uint16(buf[2:4])
		got := icmpv6Checksum(withZeroChecksum(buf), peerSrc, localDst)
		if got != want {
			return ErrICMPChecksum
		}
	}
	if peerSrc != nil && actualSrc != nil && !actualSrc.Equal(peerSrc) {
		return ErrWrongPeer
	}
	return nil
}

func withZeroChecksum(buf []byte) []byte {
	out := append([]byte(nil), buf...)
	out[2], out[3] = 0, 0
	return out
}

func checkDataChecksum(stream []byte) error {
	want := binary.BigEndian.Uint16(stream[0:2])
	got := dataChecksum(stream[2:])
	if got != want {
		return ErrDataChecksum
	}
	return nil
}

// icmpv6Checksum computes the standard Internet checksum over pkt (with
// its checksum field assumed already zeroed) using the IPv6 pseudo-header
// (src, dst, upper-layer length, next-header=ICMPv6).
func icmpv6Checksum(pkt []byte, src, dst net.IP) uint16 {
	var sum uint32

	add := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i:]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}

	add(src.To16())
	add(dst.To16())

	var lenAndNext [8]byte
	binary.BigEndian.PutUint32(lenAndNext[0:4], uint32(len(pkt)))
	lenAndNext[7] = icmpv6NextHeader
	add(lenAndNext[:])

	add(pkt)

	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}
