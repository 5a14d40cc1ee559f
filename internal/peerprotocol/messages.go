package peerprotocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// MessageID identifies the wire message type following the 4-byte length
// prefix.
type MessageID byte

// Message type tags, per BEP 3 plus BEP 6 (Fast Extension) and BEP 10
// (Extension Protocol).
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9

	// BEP 6, only valid when both sides negotiated FastExtension.
	SuggestPiece MessageID = 13
	HaveAll      MessageID = 14
	HaveNone     MessageID = 15
	RejectReq    MessageID = 16
	AllowedFast  MessageID = 17

	Extended MessageID = 20
)

// MaxMessageLength rejects any incoming frame declaring a length above this
// bound; piece messages with a 16 KiB block fit comfortably under it.
const MaxMessageLength = 1 << 20 // 1 MiB

var (
	ErrOversizeMessage     = errors.New("peerprotocol: message exceeds maximum length")
	ErrFramingViolation    = errors.New("peerprotocol: malformed message frame")
	ErrUnknownMessageID    = errors.New("peerprotocol: unknown message id")
)

// Message is any decoded wire message; concrete types below implement it.
type Message interface {
	ID() MessageID
}

type ChokeMessage struct{}
type UnchokeMessage struct{}
type InterestedMessage struct{}
type NotInterestedMessage struct{}
type HaveAllMessage struct{}
type HaveNoneMessage struct{}

func (ChokeMessage) ID() MessageID         { return Choke }
func (UnchokeMessage) ID() MessageID       { return Unchoke }
func (InterestedMessage) ID() MessageID    { return Interested }
func (NotInterestedMessage) ID() MessageID { return NotInterested }
func (HaveAllMessage) ID() MessageID       { return HaveAll }
func (HaveNoneMessage) ID() MessageID      { return HaveNone }

type HaveMessage struct{ Index uint32 }

func (HaveMessage) ID() MessageID { return Have }

type BitfieldMessage struct{ Data []byte }

func (BitfieldMessage) ID() MessageID { return Bitfield }

type RequestMessage struct {
	Index, Begin, Length uint32
}

func (RequestMessage) ID() MessageID { return Request }

type CancelMessage struct {
	Index, Begin, Length uint32
}

func (CancelMessage) ID() MessageID { return Cancel }

type RejectMessage struct {
	Index, Begin, Length uint32
}

func (RejectMessage) ID() MessageID { return RejectReq }

type SuggestPieceMessage struct{ Index uint32 }

func (SuggestPieceMessage) ID() MessageID { return SuggestPiece }

type AllowedFastMessage struct{ Index uint32 }

func (AllowedFastMessage) ID() MessageID { return AllowedFast }

type PieceMessage struct {
	Index, Begin uint32
	// Length is the declared block length; the block bytes themselves
	// are not stored here but returned separately by ReadMessage.
	Length uint32
}

func (PieceMessage) ID() MessageID { return Piece }

type PortMessage struct{ Port uint16 }

func (PortMessage) ID() MessageID { return Port }

// ExtensionMessage carries a BEP 10 extended message: ExtendedMessageID 0
// is reserved for the handshake itself; other IDs are negotiated per
// connection.
type ExtensionMessage struct {
	ExtendedMessageID byte
	Payload           []byte // tag-encoded dictionary
}

func (ExtensionMessage) ID() MessageID { return Extended }

// WriteMessage frames and writes msg to w.
func WriteMessage(w io.Writer, msg Message) error {
	var body []byte
	switch m := msg.(type) {
	case ChokeMessage, UnchokeMessage, InterestedMessage, NotInterestedMessage, HaveAllMessage, HaveNoneMessage:
		body = []byte{byte(msg.ID())}
	case HaveMessage:
		body = appendU32([]byte{byte(Have)}, m.Index)
	case BitfieldMessage:
		body = append([]byte{byte(Bitfield)}, m.Data...)
	case RequestMessage:
		body = []byte{byte(Request)}
		body = appendU32(body, m.Index)
		body = appendU32(body, m.Begin)
		body = appendU32(body, m.Length)
	case CancelMessage:
		body = []byte{byte(Cancel)}
		body = appendU32(body, m.Index)
		body = appendU32(body, m.Begin)
		body = appendU32(body, m.Length)
	case RejectMessage:
		body = []byte{byte(RejectReq)}
		body = appendU32(body, m.Index)
		body = appendU32(body, m.Begin)
		body = appendU32(body, m.Length)
	case SuggestPieceMessage:
		body = appendU32([]byte{byte(SuggestPiece)}, m.Index)
	case AllowedFastMessage:
		body = appendU32([]byte{byte(AllowedFast)}, m.Index)
	case PortMessage:
		body = []byte{byte(Port)}
		pb := make([]byte, 2)
		binary.BigEndian.PutUint16(pb, m.Port)
		body = append(body, pb...)
	case ExtensionMessage:
		body = []byte{byte(Extended), m.ExtendedMessageID}
		body = append(body, m.Payload...)
	default:
		return errors.New("peerprotocol: unsupported outgoing message type")
	}
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(len(body)))
	if _, err := w.Write(lenPrefix); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// WritePieceMessage frames a piece message whose block data is streamed
// separately from the caller-held buffer, avoiding an extra copy.
func WritePieceMessage(w io.Writer, index, begin uint32, data []byte) error {
	lenPrefix := make([]byte, 4)
	binary.BigEndian.PutUint32(lenPrefix, uint32(1+4+4+len(data)))
	if _, err := w.Write(lenPrefix); err != nil {
		return err
	}
	head := []byte{byte(Piece)}
	head = appendU32(head, index)
	head = appendU32(head, begin)
	if _, err := w.Write(head); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// WriteKeepAlive writes the zero-length keep-alive message.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

// ReadMessage reads one framed message from r. For a Piece message the
// block bytes are read into a newly allocated buffer and returned as the
// second value; for every other message that value is nil.
func ReadMessage(r io.Reader) (Message, []byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length == 0 {
		return nil, nil, nil // keep-alive: caller treats (nil, nil, nil) as keep-alive
	}
	if length > MaxMessageLength {
		return nil, nil, ErrOversizeMessage
	}
	idBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return nil, nil, err
	}
	id := MessageID(idBuf[0])
	remaining := int(length) - 1

	switch id {
	case Choke:
		return ChokeMessage{}, nil, drainExact(r, remaining)
	case Unchoke:
		return UnchokeMessage{}, nil, drainExact(r, remaining)
	case Interested:
		return InterestedMessage{}, nil, drainExact(r, remaining)
	case NotInterested:
		return NotInterestedMessage{}, nil, drainExact(r, remaining)
	case HaveAll:
		return HaveAllMessage{}, nil, drainExact(r, remaining)
	case HaveNone:
		return HaveNoneMessage{}, nil, drainExact(r, remaining)
	case Have:
		if remaining != 4 {
			return nil, nil, ErrFramingViolation
		}
		idx, err := readU32(r)
		return HaveMessage{Index: idx}, nil, err
	case Bitfield:
		buf := make([]byte, remaining)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, nil, err
		}
		return BitfieldMessage{Data: buf}, nil, nil
	case Request:
		if remaining != 12 {
			return nil, nil, ErrFramingViolation
		}
		var m RequestMessage
		var err error
		if m.Index, err = readU32(r); err != nil {
			return nil, nil, err
		}
		if m.Begin, err = readU32(r); err != nil {
			return nil, nil, err
		}
		if m.Length, err = readU32(r); err != nil {
			return nil, nil, err
		}
		return m, nil, nil
	case Cancel:
		if remaining != 12 {
			return nil, nil, ErrFramingViolation
		}
		var m CancelMessage
		var err error
		if m.Index, err = readU32(r); err != nil {
			return nil, nil, err
		}
		if m.Begin, err = readU32(r); err != nil {
			return nil, nil, err
		}
		if m.Length, err = readU32(r); err != nil {
			return nil, nil, err
		}
		return m, nil, nil
	case RejectReq:
		if remaining != 12 {
			return nil, nil, ErrFramingViolation
		}
		var m RejectMessage
		var err error
		if m.Index, err = readU32(r); err != nil {
			return nil, nil, err
		}
		if m.Begin, err = readU32(r); err != nil {
			return nil, nil, err
		}
		if m.Length, err = readU32(r); err != nil {
			return nil, nil, err
		}
		return m, nil, nil
	case SuggestPiece:
		if remaining != 4 {
			return nil, nil, ErrFramingViolation
		}
		idx, err := readU32(r)
		return SuggestPieceMessage{Index: idx}, nil, err
	case AllowedFast:
		if remaining != 4 {
			return nil, nil, ErrFramingViolation
		}
		idx, err := readU32(r)
		return AllowedFastMessage{Index: idx}, nil, err
	case Piece:
		if remaining < 8 {
			return nil, nil, ErrFramingViolation
		}
		index, err := readU32(r)
		if err != nil {
			return nil, nil, err
		}
		begin, err := readU32(r)
		if err != nil {
			return nil, nil, err
		}
		blockLen := remaining - 8
		block := make([]byte, blockLen)
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, nil, err
		}
		return PieceMessage{Index: index, Begin: begin, Length: uint32(blockLen)}, block, nil
	case Port:
		if remaining != 2 {
			return nil, nil, ErrFramingViolation
		}
		pb := make([]byte, 2)
		if _, err := io.ReadFull(r, pb); err != nil {
			return nil, nil, err
		}
		return PortMessage{Port: binary.BigEndian.Uint16(pb)}, nil, nil
	case Extended:
		if remaining < 1 {
			return nil, nil, ErrFramingViolation
		}
		idb := make([]byte, 1)
		if _, err := io.ReadFull(r, idb); err != nil {
			return nil, nil, err
		}
		payload := make([]byte, remaining-1)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, nil, err
		}
		return ExtensionMessage{ExtendedMessageID: idb[0], Payload: payload}, nil, nil
	default:
		if err := drainExact(r, remaining); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrUnknownMessageID
	}
}

func appendU32(b []byte, v uint32) []byte {
	x := make([]byte, 4)
	binary.BigEndian.PutUint32(x, v)
	return append(b, x...)
}

func readU32(r io.Reader) (uint32, error) {
	b := make([]byte, 4)
	if _, err := io.ReadFull(r, b); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func drainExact(r io.Reader, n int) error {
	if n == 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}
