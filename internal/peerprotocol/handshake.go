// Package peerprotocol implements the BitTorrent peer wire protocol: the
// handshake and the length-prefixed message framing described in BEP 3,
// plus the extension protocol (BEP 10) and its metadata (BEP 9) and
// peer-exchange (BEP 11) sub-messages.
package peerprotocol

import (
	"errors"
	"io"
)

// ProtocolLabel is the fixed ASCII string sent after the length-prefix
// byte in every handshake.
const ProtocolLabel = "BitTorrent protocol"

// HandshakeLen is the total wire length of a handshake: 1 + 19 + 8 + 20 + 20.
const HandshakeLen = 1 + len(ProtocolLabel) + 8 + 20 + 20

// Reserved bit positions, counted from the most significant bit of the
// 8-byte reserved field (bit 0 is the MSB of the first byte).
const (
	ReservedBitDHT             = 63 // BEP 5
	ReservedBitFastExtension   = 61 // BEP 6
	ReservedBitExtensionProto  = 43 // BEP 10
)

// Reserved is the 8-byte reserved field of a handshake.
type Reserved [8]byte

// Set sets bit (counted from the MSB of byte 0).
func (r *Reserved) Set(bit uint) {
	byteIdx := bit / 8
	bitIdx := bit % 8
	r[byteIdx] |= 0x80 >> bitIdx
}

// Test reports whether bit is set.
func (r Reserved) Test(bit uint) bool {
	byteIdx := bit / 8
	bitIdx := bit % 8
	return r[byteIdx]&(0x80>>bitIdx) != 0
}

// Handshake is the 68-byte BitTorrent handshake.
type Handshake struct {
	Reserved Reserved
	InfoHash [20]byte
	PeerID   [20]byte
}

var (
	// ErrInvalidProtocolLabel is returned when the peer's label doesn't match.
	ErrInvalidProtocolLabel = errors.New("peerprotocol: invalid protocol label")
)

// WriteHandshake writes a handshake to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(ProtocolLabel)))
	buf = append(buf, []byte(ProtocolLabel)...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a handshake from r, returning an error
// on a label mismatch. The caller must separately compare InfoHash against
// the expected swarm identity.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	lenByte := make([]byte, 1)
	if _, err := io.ReadFull(r, lenByte); err != nil {
		return h, err
	}
	if int(lenByte[0]) != len(ProtocolLabel) {
		return h, ErrInvalidProtocolLabel
	}
	label := make([]byte, len(ProtocolLabel))
	if _, err := io.ReadFull(r, label); err != nil {
		return h, err
	}
	if string(label) != ProtocolLabel {
		return h, ErrInvalidProtocolLabel
	}
	if _, err := io.ReadFull(r, h.Reserved[:]); err != nil {
		return h, err
	}
	if _, err := io.ReadFull(r, h.InfoHash[:]); err != nil {
		return h, err
	}
	if _, err := io.ReadFull(r, h.PeerID[:]); err != nil {
		return h, err
	}
	return h, nil
}
