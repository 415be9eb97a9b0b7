package protocol

import (
	"bytes"
	"testing"
)

// S2: peerId=1001 yields "P2PFILESHARINGPROJ" + ten 0x00 + 0x00 0x00 0x03
//0xE9.
func TestHandshakeEncode(t *testing.T) {
	h := Handshake{PeerID: 1001}
	got := h.Encode()

	want := append([]byte(header), make([]byte, 10)...)
	want = append(want, 0x00, 0x00, 0x03, 0xE9)

	if !bytes.Equal(got, want) {
		t.Fatalf("Encode() = %x; want %x", got, want)
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, Handshake{PeerID: 1001}); err != nil {
		t.Fatalf("WriteHandshake error: %v", err)
	}

	got, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatalf("ReadHandshake error: %v", err)
	}
	if got.PeerID != 1001 {
		t.Fatalf("PeerID = %d; want 1001", got.PeerID)
	}
}

func TestReadHandshakeBadHeader(t *testing.T) {
	buf := bytes.NewBuffer(make([]byte, handshakeSize))
	if _, err := ReadHandshake(buf); err != ErrBadHandshake {
		t.Fatalf("ReadHandshake() error = %v; want ErrBadHandshake", err)
	}
}

func TestReadHandshakeShort(t *testing.T) {
	buf := bytes.NewBuffer([]byte(header))
	if _, err := ReadHandshake(buf); err == nil {
		t.Fatalf("ReadHandshake() on short input: want error, got nil")
	}
}
