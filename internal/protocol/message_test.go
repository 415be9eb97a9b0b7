package protocol

import (
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	cases := []Message{
		MessageChoke(),
		MessageUnchoke(),
		MessageInterested(),
		MessageNotInterested(),
		MessageHave(7),
		MessageBitfield([]byte{0xB1, 0x80}),
		MessageRequest(3),
		MessagePiece(3, []byte("payload-bytes")),
	}

	for _, m := range cases {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, m); err != nil {
			t.Fatalf("WriteMessage(%v) error: %v", m.Type, err)
		}

		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage after %v: %v", m.Type, err)
		}
		if got.Type != m.Type || !bytes.Equal(got.Payload, m.Payload) {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
		}
	}
}

func TestReadMessageTruncated(t *testing.T) {
	// length prefix claims 5 bytes but only 2 follow.
	buf := bytes.NewBuffer([]byte{0x00, 0x00, 0x00, 0x05, 0x07, 0x00})
	if _, err := ReadMessage(buf); err != ErrTruncated {
		t.Fatalf("ReadMessage() error = %v; want ErrTruncated", err)
	}
}

func TestParseHaveAndRequest(t *testing.T) {
	m := MessageHave(42)
	idx, ok := m.ParseIndex()
	if !ok || idx != 42 {
		t.Fatalf("ParseIndex() = %d, %v; want 42, true", idx, ok)
	}

	bad := Message{Type: Have, Payload: []byte{0x01}}
	if _, ok := bad.ParseIndex(); ok {
		t.Fatalf("ParseIndex() on malformed payload: want ok=false")
	}
}

func TestParsePiece(t *testing.T) {
	m := MessagePiece(9, []byte{1, 2, 3})
	idx, data, ok := m.ParsePiece()
	if !ok || idx != 9 || !bytes.Equal(data, []byte{1, 2, 3}) {
		t.Fatalf("ParsePiece() = %d, %v, %v", idx, data, ok)
	}
}

func TestUnknownTypePassesThrough(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, Message{Type: MessageType(99)}); err != nil {
		t.Fatalf("WriteMessage error: %v", err)
	}

	m, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage error: %v", err)
	}
	if KnownType(m.Type) {
		t.Fatalf("KnownType(99) = true; want false")
	}
}
