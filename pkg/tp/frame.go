package tp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/irctrakz/tpmeter/pkg/core"
)

// Frame header layout. All multi-byte fields are big-endian.
const (
	HeaderLen = 26

	PacketTypeICMP = 0x02
	CompatVersion  = 15
	DefaultTTL     = 50
	MsgTypeTP      = 6

	offPacketType = 0
	offVersion    = 1
	offTTL        = 2
	offMsgType    = 3
	offDst        = 4
	offOrig       = 10
	offUID        = 16
	offSubtype    = 17
	offTimestamp  = 18
	offSeqno      = 22
)

// Subtype distinguishes test segments from acknowledgements.
type Subtype uint8

const (
	SubtypeMsg Subtype = 0
	SubtypeAck Subtype = 1
)

func (t Subtype) String() string {
	switch t {
	case SubtypeMsg:
		return "msg"
	case SubtypeAck:
		return "ack"
	default:
		return fmt.Sprintf("subtype(%d)", uint8(t))
	}
}

// Decode errors.
var (
	ErrShortFrame     = errors.New("frame shorter than tp header")
	ErrBadPacketType  = errors.New("not an icmp frame")
	ErrBadVersion     = errors.New("protocol version mismatch")
	ErrBadMsgType     = errors.New("not a tp frame")
	ErrBadSubtype     = errors.New("unknown tp subtype")
	ErrNotForThisNode = errors.New("frame addressed to another node")
)

// Header is the decoded fixed part of a TP frame.
type Header struct {
	TTL       uint8
	Dst       core.Addr
	Orig      core.Addr
	UID       uint8
	Subtype   Subtype
	Timestamp uint32
	Seqno     uint32
}

// MarshalTo writes the header into b, which must be at least HeaderLen long.
// A zero TTL is written as DefaultTTL.
func (h *Header) MarshalTo(b []byte) {
	_ = b[HeaderLen-1]
	ttl := h.TTL
	if ttl == 0 {
		ttl = DefaultTTL
	}
	b[offPacketType] = PacketTypeICMP
	b[offVersion] = CompatVersion
	b[offTTL] = ttl
	b[offMsgType] = MsgTypeTP
	copy(b[offDst:offDst+core.AddrLen], h.Dst[:])
	copy(b[offOrig:offOrig+core.AddrLen], h.Orig[:])
	b[offUID] = h.UID
	b[offSubtype] = uint8(h.Subtype)
	binary.BigEndian.PutUint32(b[offTimestamp:], h.Timestamp)
	binary.BigEndian.PutUint32(b[offSeqno:], h.Seqno)
}

// AppendFrame appends the header followed by payloadLen zero bytes.
func AppendFrame(dst []byte, h Header, payloadLen int) []byte {
	n := len(dst)
	total := n + HeaderLen + payloadLen
	if cap(dst) < total {
		grown := make([]byte, n, total)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:total]
	h.MarshalTo(dst[n:])
	clear(dst[n+HeaderLen:])
	return dst
}

// ParseHeader decodes and validates the header at the start of b.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderLen {
		return h, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	if b[offPacketType] != PacketTypeICMP {
		return h, fmt.Errorf("%w: type 0x%02x", ErrBadPacketType, b[offPacketType])
	}
	if b[offVersion] != CompatVersion {
		return h, fmt.Errorf("%w: got %d, want %d", ErrBadVersion, b[offVersion], CompatVersion)
	}
	if b[offMsgType] != MsgTypeTP {
		return h, fmt.Errorf("%w: msg type %d", ErrBadMsgType, b[offMsgType])
	}
	h.Subtype = Subtype(b[offSubtype])
	if h.Subtype != SubtypeMsg && h.Subtype != SubtypeAck {
		return h, fmt.Errorf("%w: %d", ErrBadSubtype, b[offSubtype])
	}
	h.TTL = b[offTTL]
	copy(h.Dst[:], b[offDst:offDst+core.AddrLen])
	copy(h.Orig[:], b[offOrig:offOrig+core.AddrLen])
	h.UID = b[offUID]
	h.Timestamp = binary.BigEndian.Uint32(b[offTimestamp:])
	h.Seqno = binary.BigEndian.Uint32(b[offSeqno:])
	return h, nil
}
