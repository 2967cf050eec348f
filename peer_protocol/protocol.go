// Package peer_protocol implements the BitTorrent peer wire protocol:
// the 68-byte handshake and the length-prefixed message frames defined by
// BEP 3, plus the BEP 10 extended-message shape.
package peer_protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Integer is the wire integer type used throughout peer messages (u32 big-endian).
type Integer = uint32

const IntegerMax = ^Integer(0) >> 1

// MessageId identifies the type of a peer message.
type MessageId byte

const (
	Choke         MessageId = 0
	Unchoke       MessageId = 1
	Interested    MessageId = 2
	NotInterested MessageId = 3
	Have          MessageId = 4
	Bitfield      MessageId = 5
	Request       MessageId = 6
	Piece         MessageId = 7
	Cancel        MessageId = 8
	Port          MessageId = 9
	HaveAll       MessageId = 0x0E
	HaveNone      MessageId = 0x0F
	Extended      MessageId = 20
)

func (m MessageId) String() string {
	switch m {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case Port:
		return "Port"
	case HaveAll:
		return "HaveAll"
	case HaveNone:
		return "HaveNone"
	case Extended:
		return "Extended"
	default:
		return fmt.Sprintf("Unknown(%d)", byte(m))
	}
}

// ExtensionName is the handshake-negotiated name of a BEP 10 extension.
type ExtensionName string

const (
	ExtensionNameMetadata ExtensionName = "ut_metadata"
	ExtensionNamePex      ExtensionName = "ut_pex"
)

// Protocol string fixed by BEP 3.
const (
	Pstr    = "BitTorrent protocol"
	PstrLen = byte(len(Pstr))
)

// ExtensionBits are the 8 reserved handshake bytes, addressed by bit index
// counting from the most significant bit of the first byte (byte 0, bit 7)
// through the least significant bit of the last byte (byte 7, bit 0) —
// i.e. ExtensionBits[63] is the LSB of reserved byte 7.
type ExtensionBits [8]byte

// Bit indices, byte*8+bit-from-msb, as SetBit and GetBit address them.
const (
	ExtensionBitDht      = 63 // reserved byte 7, bit 0x01
	ExtensionBitFast     = 61 // reserved byte 7, bit 0x04; unused by the core
	ExtensionBitExtended = 43 // reserved byte 5, bit 0x10
)

func (pex *ExtensionBits) SetBit(index uint, b bool) {
	if b {
		pex[index/8] |= 1 << (7 - index%8)
	} else {
		pex[index/8] &^= 1 << (7 - index%8)
	}
}

func (pex ExtensionBits) GetBit(index uint) bool {
	return pex[index/8]&(1<<(7-index%8)) != 0
}

func (pex *ExtensionBits) SupportsExtended() bool { return pex.GetBit(ExtensionBitExtended) }
func (pex *ExtensionBits) SupportsDHT() bool       { return pex.GetBit(ExtensionBitDht) }

func NewExtensionBits(extended, dht bool) (ret ExtensionBits) {
	ret.SetBit(ExtensionBitExtended, extended)
	ret.SetBit(ExtensionBitDht, dht)
	return
}

// HandshakeLen is the fixed length of a handshake message.
const HandshakeLen = 1 + len(Pstr) + 8 + 20 + 20

// Handshake is the fixed 68-byte BEP 3 handshake payload.
type Handshake struct {
	Reserved ExtensionBits
	InfoHash [20]byte
	PeerId   [20]byte
}

func (h Handshake) Marshal() []byte {
	b := make([]byte, 0, HandshakeLen)
	b = append(b, PstrLen)
	b = append(b, Pstr...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerId[:]...)
	return b
}

var ErrBadHandshake = errors.New("invalid handshake")

func UnmarshalHandshake(b []byte) (h Handshake, err error) {
	if len(b) != HandshakeLen {
		err = ErrBadHandshake
		return
	}
	if b[0] != PstrLen || string(b[1:1+len(Pstr)]) != Pstr {
		err = ErrBadHandshake
		return
	}
	off := 1 + len(Pstr)
	copy(h.Reserved[:], b[off:off+8])
	off += 8
	copy(h.InfoHash[:], b[off:off+20])
	off += 20
	copy(h.PeerId[:], b[off:off+20])
	return
}

// MaxMessageBytes is the oversize-frame guard from spec.md §4.2: the
// largest legitimate PIECE (16 KiB block) plus message header slack.
const MaxMessageBytes = 16*1024 + 64

var ErrOversizeMessage = errors.New("message length exceeds MaxMessageBytes")
var ErrInvalidMessageId = errors.New("invalid message id")
var ErrTruncatedMessage = errors.New("truncated message payload")

// Message is a decoded peer wire message. Piece holds the block payload
// for MessageId==Piece and the raw bitfield bytes for MessageId==Bitfield;
// DecodeBody points it into its input without copying. The zero-copy
// PIECE receive path described in spec.md §4.2 does not build a Message.
type Message struct {
	Type             MessageId
	Index, Begin, Length Integer
	Piece            []byte
	ExtendedID       byte
	ExtendedPayload  []byte
}

// Marshal encodes m into a length-prefixed frame.
func (m Message) Marshal() []byte {
	buf, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return buf
}

func (m Message) MustMarshalBinary() []byte { return m.Marshal() }

func (m Message) MarshalBinary() ([]byte, error) {
	var body []byte
	switch m.Type {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		body = []byte{byte(m.Type)}
	case Have:
		body = make([]byte, 5)
		body[0] = byte(m.Type)
		binary.BigEndian.PutUint32(body[1:], m.Index)
	case Bitfield:
		body = append([]byte{byte(m.Type)}, m.Piece...)
	case Request, Cancel:
		body = make([]byte, 13)
		body[0] = byte(m.Type)
		binary.BigEndian.PutUint32(body[1:5], m.Index)
		binary.BigEndian.PutUint32(body[5:9], m.Begin)
		binary.BigEndian.PutUint32(body[9:13], m.Length)
	case Piece:
		body = make([]byte, 9+len(m.Piece))
		body[0] = byte(m.Type)
		binary.BigEndian.PutUint32(body[1:5], m.Index)
		binary.BigEndian.PutUint32(body[5:9], m.Begin)
		copy(body[9:], m.Piece)
	case Port:
		body = make([]byte, 3)
		body[0] = byte(m.Type)
		binary.BigEndian.PutUint16(body[1:], uint16(m.Index))
	case Extended:
		body = append([]byte{byte(m.Type), m.ExtendedID}, m.ExtendedPayload...)
	default:
		return nil, ErrInvalidMessageId
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// MakeCancelMessage builds a CANCEL with the same shape as REQUEST.
func MakeCancelMessage(index, begin, length Integer) Message {
	return Message{Type: Cancel, Index: index, Begin: begin, Length: length}
}

// DecodeBody parses a message body (without the 4-byte length prefix) of
// the given MessageId, with rest holding everything after the id byte. For
// Piece, rest is the index and begin fields followed by the block bytes,
// and m.Piece is set to the block bytes within rest.
func DecodeBody(id MessageId, rest []byte) (m Message, err error) {
	m.Type = id
	switch id {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		if len(rest) != 0 {
			err = ErrTruncatedMessage
		}
	case Have:
		if len(rest) != 4 {
			return m, ErrTruncatedMessage
		}
		m.Index = binary.BigEndian.Uint32(rest)
	case Bitfield:
		m.Piece = rest
	case Request, Cancel:
		if len(rest) != 12 {
			return m, ErrTruncatedMessage
		}
		m.Index = binary.BigEndian.Uint32(rest[0:4])
		m.Begin = binary.BigEndian.Uint32(rest[4:8])
		m.Length = binary.BigEndian.Uint32(rest[8:12])
	case Piece:
		if len(rest) < 8 {
			return m, ErrTruncatedMessage
		}
		m.Index = binary.BigEndian.Uint32(rest[0:4])
		m.Begin = binary.BigEndian.Uint32(rest[4:8])
		m.Piece = rest[8:]
	case Port:
		if len(rest) != 2 {
			return m, ErrTruncatedMessage
		}
		m.Index = Integer(binary.BigEndian.Uint16(rest))
	case Extended:
		if len(rest) < 1 {
			return m, ErrTruncatedMessage
		}
		m.ExtendedID = rest[0]
		m.ExtendedPayload = rest[1:]
	default:
		return m, ErrInvalidMessageId
	}
	return m, err
}

// PieceHeaderLen is the size of the PIECE header (msg id + index + begin)
// that the zero-copy path parses before computing the destination buffer.
const PieceHeaderLen = 9
