// Package wire encodes and decodes the peer protocol: the fixed 68-byte
// handshake and the length-prefixed message frames that follow it. It is
// pure byte manipulation with no transport knowledge; decoding a partial
// frame reports ErrNeedMoreBytes without consuming anything, so callers can
// safely retry as more bytes arrive.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type MessageID uint8

const (
	MessageIDChoke MessageID = iota
	MessageIDUnchoke
	MessageIDInterested
	MessageIDNotInterested
	MessageIDHave
	MessageIDBitfield
	MessageIDRequest
	MessageIDPiece
	MessageIDCancel
)

var (
	ErrNeedMoreBytes      = errors.New("need more bytes")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMalformedPayload   = errors.New("malformed payload")
)

// Message is the closed set of peer protocol messages. Which fields are
// meaningful depends on ID: Have and Piece use Index, Request and Cancel
// use Index/Begin/Length, Bitfield and Piece carry their byte payloads.
// A zero-length frame on the wire is the keep-alive, represented here by
// KeepAlive=true with an irrelevant ID.
type Message struct {
	ID        MessageID
	KeepAlive bool

	Index  int
	Begin  int
	Length int

	Bitfield Bitfield
	Block    []byte
}

func NewKeepAlive() Message {
	return Message{KeepAlive: true}
}

func NewHave(index int) Message {
	return Message{ID: MessageIDHave, Index: index}
}

func NewBitfield(bf Bitfield) Message {
	return Message{ID: MessageIDBitfield, Bitfield: bf}
}

func NewRequest(index, begin, length int) Message {
	return Message{ID: MessageIDRequest, Index: index, Begin: begin, Length: length}
}

func NewPiece(index, begin int, block []byte) Message {
	return Message{ID: MessageIDPiece, Index: index, Begin: begin, Block: block}
}

func NewCancel(index, begin, length int) Message {
	return Message{ID: MessageIDCancel, Index: index, Begin: begin, Length: length}
}

// Encode produces the frame: 4-byte big-endian length prefix counting the
// bytes that follow, then the 1-byte type tag and the payload. KeepAlive
// encodes as a length of zero with no tag.
func Encode(m Message) []byte {
	if m.KeepAlive {
		return make([]byte, 4)
	}

	var payload []byte
	switch m.ID {
	case MessageIDChoke, MessageIDUnchoke, MessageIDInterested, MessageIDNotInterested:
	case MessageIDHave:
		payload = make([]byte, 4)
		binary.BigEndian.PutUint32(payload, uint32(m.Index))
	case MessageIDBitfield:
		payload = m.Bitfield
	case MessageIDRequest, MessageIDCancel:
		payload = make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		binary.BigEndian.PutUint32(payload[8:12], uint32(m.Length))
	case MessageIDPiece:
		payload = make([]byte, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload[0:4], uint32(m.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(m.Begin))
		copy(payload[8:], m.Block)
	}

	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(payload)))
	buf[4] = byte(m.ID)
	copy(buf[5:], payload)
	return buf
}

// Decode parses one frame from the front of buf and returns it together
// with the number of bytes consumed. If buf holds less than a full frame it
// returns ErrNeedMoreBytes and consumes nothing.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < 4 {
		return Message{}, 0, ErrNeedMoreBytes
	}
	length := int(binary.BigEndian.Uint32(buf[0:4]))
	if length == 0 {
		return NewKeepAlive(), 4, nil
	}
	if len(buf) < 4+length {
		return Message{}, 0, ErrNeedMoreBytes
	}

	id := MessageID(buf[4])
	payload := buf[5 : 4+length]

	msg := Message{ID: id}
	switch id {
	case MessageIDChoke, MessageIDUnchoke, MessageIDInterested, MessageIDNotInterested:
		if len(payload) != 0 {
			return Message{}, 0, fmt.Errorf("%w: message %d carries %d payload bytes", ErrMalformedPayload, id, len(payload))
		}
	case MessageIDHave:
		if len(payload) != 4 {
			return Message{}, 0, fmt.Errorf("%w: have payload must be 4 bytes, got %d", ErrMalformedPayload, len(payload))
		}
		msg.Index = int(binary.BigEndian.Uint32(payload))
	case MessageIDBitfield:
		msg.Bitfield = Bitfield(append([]byte(nil), payload...))
	case MessageIDRequest, MessageIDCancel:
		if len(payload) != 12 {
			return Message{}, 0, fmt.Errorf("%w: request payload must be 12 bytes, got %d", ErrMalformedPayload, len(payload))
		}
		msg.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		msg.Begin = int(binary.BigEndian.Uint32(payload[4:8]))
		msg.Length = int(binary.BigEndian.Uint32(payload[8:12]))
	case MessageIDPiece:
		if len(payload) < 8 {
			return Message{}, 0, fmt.Errorf("%w: piece payload must be at least 8 bytes, got %d", ErrMalformedPayload, len(payload))
		}
		msg.Index = int(binary.BigEndian.Uint32(payload[0:4]))
		msg.Begin = int(binary.BigEndian.Uint32(payload[4:8]))
		msg.Block = append([]byte(nil), payload[8:]...)
	default:
		return Message{}, 0, fmt.Errorf("%w: %d", ErrInvalidMessageType, id)
	}

	return msg, 4 + length, nil
}

func (m Message) name() string {
	if m.KeepAlive {
		return "KeepAlive"
	}
	switch m.ID {
	case MessageIDChoke:
		return "Choke"
	case MessageIDUnchoke:
		return "Unchoke"
	case MessageIDInterested:
		return "Interested"
	case MessageIDNotInterested:
		return "NotInterested"
	case MessageIDHave:
		return "Have"
	case MessageIDBitfield:
		return "Bitfield"
	case MessageIDRequest:
		return "Request"
	case MessageIDPiece:
		return "Piece"
	case MessageIDCancel:
		return "Cancel"
	default:
		return fmt.Sprintf("Unknown(%d)", m.ID)
	}
}

func (m Message) String() string {
	switch {
	case m.KeepAlive:
		return m.name()
	case m.ID == MessageIDHave:
		return fmt.Sprintf("%s{%d}", m.name(), m.Index)
	case m.ID == MessageIDRequest, m.ID == MessageIDCancel:
		return fmt.Sprintf("%s{%d %d %d}", m.name(), m.Index, m.Begin, m.Length)
	case m.ID == MessageIDPiece:
		return fmt.Sprintf("%s{%d %d %d bytes}", m.name(), m.Index, m.Begin, len(m.Block))
	default:
		return m.name()
	}
}
