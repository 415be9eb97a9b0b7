package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// header is the literal 18-byte ASCII preamble every handshake must carry.
const header = "P2PFILESHARINGPROJ"

// handshakeSize is the fixed wire size: 18-byte header + 10 zero bytes +
// 4-byte big-endian peer id.
const handshakeSize = 32

// ErrBadHandshake is returned when the received header does not match the
// literal protocol string.
var ErrBadHandshake = errors.New("protocol: bad handshake header")

// Handshake is the fixed 32-byte preamble exchanged before any framed
// message. Bytes 18..27 are reserved and always zero on the wire.
type Handshake struct {
	PeerID uint32
}

// Encode returns the 32-byte wire form of h.
func (h Handshake) Encode() []byte {
	buf := make([]byte, handshakeSize)
	copy(buf, header)
	binary.BigEndian.PutUint32(buf[28:32], h.PeerID)
	return buf
}

// WriteHandshake writes h's wire form to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := w.Write(h.Encode())
	return err
}

// ReadHandshake reads and validates a full handshake from r. It returns
// ErrBadHandshake if the 18-byte header does not match the literal protocol
// string, and the unwrapped io.ReadFull error on a short read.
func ReadHandshake(r io.Reader) (Handshake, error) {
	buf := make([]byte, handshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Handshake{}, err
	}

	if string(buf[:len(header)]) != header {
		return Handshake{}, ErrBadHandshake
	}

	return Handshake{PeerID: binary.BigEndian.Uint32(buf[28:32])}, nil
}
