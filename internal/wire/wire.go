// Package wire encodes and decodes BitTorrent peer wire protocol
// frames: the fixed 68-byte handshake and the length-prefixed regular
// message frames.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNeedMore is returned by Decode when the supplied buffer does not
// yet contain a complete frame. The caller should wait for more bytes
// to arrive and retry.
var ErrNeedMore = errors.New("wire: need more data")

// Kind tags the variant carried by a Message. Handshake and keep-alive
// are distinct cases, as called for by the protocol-correct
// reconstruction in the design notes, rather than folded into the
// regular 0-8 id space.
type Kind int

const (
	KindHandshake Kind = iota
	KindKeepAlive
	KindChoke
	KindUnchoke
	KindInterested
	KindNotInterested
	KindHave
	KindBitfield
	KindRequest
	KindPiece
	KindCancel
)

const (
	pstr          = "BitTorrent protocol"
	handshakeLen  = 49 + len(pstr) // 68
	blockSize     = 16384
	maxFrameBytes = 1 << 20 // defensive cap well above any legitimate block-sized frame
)

// protocolPrefix is the byte sequence that opens a handshake frame:
// 0x13 (19, the length of pstr) followed by "Bit".
var protocolPrefix = []byte{byte(len(pstr)), 'B', 'i', 't'}

// Message is a tagged variant over every peer wire protocol frame.
type Message struct {
	Kind Kind

	// Handshake fields.
	InfoHash [20]byte
	PeerID   [20]byte

	// Have / Request / Piece / Cancel.
	Index uint32
	Begin uint32
	// Length is the requested block length (Request/Cancel only).
	Length uint32

	// Piece payload.
	Block []byte

	// Bitfield payload, opaque packed bytes as received on the wire.
	BitfieldBytes []byte
}

// LooksLikeHandshake reports whether buf begins with the handshake's
// fixed prefix, distinguishing it from a length-prefixed regular
// frame per spec §4.2.
func LooksLikeHandshake(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	for i, b := range protocolPrefix {
		if buf[i] != b {
			return false
		}
	}
	return true
}

// EncodeHandshake produces the fixed 68-byte handshake frame.
func EncodeHandshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, handshakeLen)
	buf[0] = byte(len(pstr))
	copy(buf[1:1+len(pstr)], pstr)
	// buf[1+len(pstr) : 1+len(pstr)+8] stays zero (reserved bytes).
	copy(buf[1+len(pstr)+8:1+len(pstr)+8+20], infoHash[:])
	copy(buf[1+len(pstr)+8+20:], peerID[:])
	return buf
}

// DecodeHandshake parses a 68-byte handshake frame. It returns
// ErrNeedMore if fewer than 68 bytes are available.
func DecodeHandshake(buf []byte) (int, Message, error) {
	if len(buf) < handshakeLen {
		return 0, Message{}, ErrNeedMore
	}
	if int(buf[0]) != len(pstr) {
		return 0, Message{}, fmt.Errorf("wire: bad handshake protocol length %d", buf[0])
	}
	if string(buf[1:1+len(pstr)]) != pstr {
		return 0, Message{}, fmt.Errorf("wire: unrecognized protocol string %q", buf[1:1+len(pstr)])
	}
	var m Message
	m.Kind = KindHandshake
	copy(m.InfoHash[:], buf[1+len(pstr)+8:1+len(pstr)+8+20])
	copy(m.PeerID[:], buf[1+len(pstr)+8+20:handshakeLen])
	return handshakeLen, m, nil
}

// Encode produces the byte-identical wire representation of m.
// Encoding is deterministic: the same Message always yields the same
// bytes (the round-trip law in spec §8 depends on this).
func Encode(m Message) []byte {
	if m.Kind == KindHandshake {
		return EncodeHandshake(m.InfoHash, m.PeerID)
	}
	if m.Kind == KindKeepAlive {
		return make([]byte, 4) // length prefix 0, no id, no payload
	}

	var payload []byte
	switch m.Kind {
	case KindChoke, KindUnchoke, KindInterested, KindNotInterested:
		payload = nil
	case KindHave:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, m.Index)
	case KindBitfield:
		payload = m.BitfieldBytes
	case KindRequest, KindCancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		binary.BigEndian.PutUint32(payload[8:12], m.Length)
	case KindPiece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], m.Index)
		binary.BigEndian.PutUint32(payload[4:8], m.Begin)
		copy(payload[8:], m.Block)
	default:
		panic(fmt.Sprintf("wire: unknown message kind %d", m.Kind))
	}

	buf := make([]byte, 4+1+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(idForKind(m.Kind))
	copy(buf[5:], payload)
	return buf
}

func idForKind(k Kind) int {
	switch k {
	case KindChoke:
		return 0
	case KindUnchoke:
		return 1
	case KindInterested:
		return 2
	case KindNotInterested:
		return 3
	case KindHave:
		return 4
	case KindBitfield:
		return 5
	case KindRequest:
		return 6
	case KindPiece:
		return 7
	case KindCancel:
		return 8
	default:
		panic(fmt.Sprintf("wire: no wire id for kind %d", k))
	}
}

func kindForID(id byte) (Kind, bool) {
	switch id {
	case 0:
		return KindChoke, true
	case 1:
		return KindUnchoke, true
	case 2:
		return KindInterested, true
	case 3:
		return KindNotInterested, true
	case 4:
		return KindHave, true
	case 5:
		return KindBitfield, true
	case 6:
		return KindRequest, true
	case 7:
		return KindPiece, true
	case 8:
		return KindCancel, true
	default:
		return 0, false
	}
}

// Decode attempts to parse one frame from the front of buf. It
// returns the number of bytes consumed and the decoded message. If
// fewer than 4 bytes, or fewer than 4+N bytes, are present it returns
// ErrNeedMore and the caller must wait for more data. An unknown
// message id is a fatal decode error, not ErrNeedMore.
//
// Decode distinguishes a handshake from a regular frame by inspecting
// the first four bytes (LooksLikeHandshake); callers that might still
// be awaiting a handshake should check that first.
func Decode(buf []byte) (int, Message, error) {
	if LooksLikeHandshake(buf) {
		return DecodeHandshake(buf)
	}
	if len(buf) < 4 {
		return 0, Message{}, ErrNeedMore
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return 4, Message{Kind: KindKeepAlive}, nil
	}
	if length > maxFrameBytes {
		return 0, Message{}, fmt.Errorf("wire: frame length %d exceeds maximum", length)
	}
	total := 4 + int(length)
	if len(buf) < total {
		return 0, Message{}, ErrNeedMore
	}

	id := buf[4]
	payload := buf[5:total]

	kind, ok := kindForID(id)
	if !ok {
		return 0, Message{}, fmt.Errorf("wire: unknown message id %d", id)
	}

	m := Message{Kind: kind}
	switch kind {
	case KindChoke, KindUnchoke, KindInterested, KindNotInterested:
		// no payload
	case KindHave:
		if len(payload) != 4 {
			return 0, Message{}, fmt.Errorf("wire: HAVE payload length %d, want 4", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
	case KindBitfield:
		m.BitfieldBytes = append([]byte(nil), payload...)
	case KindRequest, KindCancel:
		if len(payload) != 12 {
			return 0, Message{}, fmt.Errorf("wire: REQUEST/CANCEL payload length %d, want 12", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Length = binary.BigEndian.Uint32(payload[8:12])
	case KindPiece:
		if len(payload) < 8 {
			return 0, Message{}, fmt.Errorf("wire: PIECE payload length %d, want >= 8", len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload[0:4])
		m.Begin = binary.BigEndian.Uint32(payload[4:8])
		m.Block = append([]byte(nil), payload[8:]...)
	}

	return total, m, nil
}
