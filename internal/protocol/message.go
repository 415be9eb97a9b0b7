// Package protocol implements the framed wire protocol: the fixed
// handshake and the length-prefixed, typed messages peers exchange
// afterward.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType identifies the payload carried by a frame.
type MessageType uint8

const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	BitfieldMsg   MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

var (
	// ErrTruncated is returned when a frame's header or payload is cut
	// short by a read error or premature EOF.
	ErrTruncated = errors.New("protocol: truncated frame")

	// ErrUnknownMessageType names the error kind for a type code this
	// protocol version does not define. ReadMessage does not return it:
	// such frames come back as a regular Message, and callers check
	// KnownType and log and discard them rather than close the link.
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
)

// Message is a single decoded frame: a type and its opaque payload.
type Message struct {
	Type    MessageType
	Payload []byte
}

func MessageChoke() Message         { return Message{Type: Choke} }
func MessageUnchoke() Message       { return Message{Type: Unchoke} }
func MessageInterested() Message    { return Message{Type: Interested} }
func MessageNotInterested() Message { return Message{Type: NotInterested} }

func MessageHave(index uint32) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return Message{Type: Have, Payload: p}
}

func MessageBitfield(encoded []byte) Message {
	cp := make([]byte, len(encoded))
	copy(cp, encoded)
	return Message{Type: BitfieldMsg, Payload: cp}
}

func MessageRequest(index uint32) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, index)
	return Message{Type: Request, Payload: p}
}

func MessagePiece(index uint32, data []byte) Message {
	p := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(p[0:4], index)
	copy(p[4:], data)
	return Message{Type: Piece, Payload: p}
}

// ParseIndex extracts the 4-byte big-endian piece index carried by `have`
// and `request` messages.
func (m Message) ParseIndex() (index uint32, ok bool) {
	if len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParsePiece extracts the piece index and data block from a `piece`
// message.
func (m Message) ParsePiece() (index uint32, data []byte, ok bool) {
	if len(m.Payload) < 4 {
		return 0, nil, false
	}
	return binary.BigEndian.Uint32(m.Payload[0:4]), m.Payload[4:], true
}

// WriteMessage writes a single frame: a 4-byte big-endian length L
// (including the type byte), the type byte, then L-1 payload bytes.
func WriteMessage(w io.Writer, m Message) error {
	length := uint32(1 + len(m.Payload))
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr[0:4], length)
	hdr[4] = byte(m.Type)

	if _, err := w.Write(hdr); err != nil {
		return err
	}
	if len(m.Payload) == 0 {
		return nil
	}
	_, err := w.Write(m.Payload)
	return err
}

// ReadMessage reads a single frame from r. Any short read after the length
// header has been consumed is reported as ErrTruncated. The type byte is
// not validated here; unknown type codes are returned to the caller as a
// regular Message so MessageLogic can log-and-discard per spec.
func ReadMessage(r io.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 1 {
		return Message{}, ErrTruncated
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Message{}, ErrTruncated
		}
		return Message{}, err
	}

	return Message{Type: MessageType(body[0]), Payload: body[1:]}, nil
}

// KnownType reports whether t is one of the eight defined message types.
func KnownType(t MessageType) bool {
	return t <= Piece
}
