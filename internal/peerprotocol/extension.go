package peerprotocol

import (
	"net"

	"github.com/kagenova/btswarm/internal/bencode"
)

// Reserved local IDs for the extension-protocol handshake's own message
// (always 0) and the names we negotiate.
const (
	ExtensionIDHandshake = 0

	ExtensionNameMetadata = "ut_metadata"
	ExtensionNamePEX      = "ut_pex"
)

// ExtensionHandshake is the BEP 10 handshake payload (sub-message id 0).
type ExtensionHandshake struct {
	M            map[string]byte
	MetadataSize uint32
	Version      string
	YourIP       net.IP
}

// NewExtensionHandshake builds our outgoing handshake advertising the
// extensions we support and, once known, the metadata size so peers can
// serve us the info dictionary without waiting for a round trip.
func NewExtensionHandshake(metadataSize uint32, version string, yourIP net.IP) ExtensionHandshake {
	return ExtensionHandshake{
		M: map[string]byte{
			ExtensionNameMetadata: 1,
			ExtensionNamePEX:      2,
		},
		MetadataSize: metadataSize,
		Version:      version,
		YourIP:       yourIP,
	}
}

// Encode serializes the handshake to its tag-encoded payload.
func (h ExtensionHandshake) Encode() []byte {
	m := make(bencode.Dict, len(h.M))
	for k, v := range h.M {
		m[k] = bencode.Int(v)
	}
	d := bencode.Dict{"m": m}
	if h.MetadataSize > 0 {
		d["metadata_size"] = bencode.Int(h.MetadataSize)
	}
	if h.Version != "" {
		d["v"] = bencode.String(h.Version)
	}
	if len(h.YourIP) > 0 {
		d["yourip"] = bencode.String(h.YourIP)
	}
	return bencode.Encode(d)
}

// DecodeExtensionHandshake parses a peer's BEP 10 handshake payload.
func DecodeExtensionHandshake(b []byte) (ExtensionHandshake, error) {
	var h ExtensionHandshake
	v, err := bencode.Decode(b)
	if err != nil {
		return h, err
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return h, ErrFramingViolation
	}
	h.M = make(map[string]byte)
	if mv, ok := d["m"].(bencode.Dict); ok {
		for k, idv := range mv {
			if id, ok := idv.(bencode.Int); ok {
				h.M[k] = byte(id)
			}
		}
	}
	if sz, ok := d["metadata_size"].(bencode.Int); ok {
		h.MetadataSize = uint32(sz)
	}
	if ver, ok := d["v"].(bencode.String); ok {
		h.Version = string(ver)
	}
	if ip, ok := d["yourip"].(bencode.String); ok {
		h.YourIP = net.IP(ip)
	}
	return h, nil
}

// Metadata extension (BEP 9) sub-message types.
const (
	MetadataRequest = 0
	MetadataData    = 1
	MetadataReject  = 2
)

// MetadataMessage is one ut_metadata sub-message.
type MetadataMessage struct {
	Type      int
	Piece     uint32
	TotalSize uint32 // only meaningful for Type == MetadataData
}

// Encode serializes the metadata message header; for Type == MetadataData
// the actual chunk bytes are appended by the caller after this header.
func (m MetadataMessage) Encode() []byte {
	d := bencode.Dict{
		"msg_type": bencode.Int(m.Type),
		"piece":    bencode.Int(m.Piece),
	}
	if m.Type == MetadataData && m.TotalSize > 0 {
		d["total_size"] = bencode.Int(m.TotalSize)
	}
	return bencode.Encode(d)
}

// DecodeMetadataMessage parses the bencoded header of an incoming
// ut_metadata sub-message; any trailing bytes (the chunk payload for a
// Data message) are returned separately by the caller, which knows the
// dictionary's encoded length from Decode's partial-consumption.
func DecodeMetadataMessage(b []byte) (MetadataMessage, int, error) {
	v, consumed, err := decodeValuePublic(b)
	if err != nil {
		return MetadataMessage{}, 0, err
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return MetadataMessage{}, 0, ErrFramingViolation
	}
	var m MetadataMessage
	if t, ok := d["msg_type"].(bencode.Int); ok {
		m.Type = int(t)
	}
	if p, ok := d["piece"].(bencode.Int); ok {
		m.Piece = uint32(p)
	}
	if ts, ok := d["total_size"].(bencode.Int); ok {
		m.TotalSize = uint32(ts)
	}
	return m, consumed, nil
}

// decodeValuePublic decodes a single tag-encoded value without requiring
// it to consume the entire buffer, returning how many bytes it consumed —
// ut_metadata messages append raw chunk bytes after the dictionary, which
// the generic Decode (full-buffer-consumption) contract rejects.
func decodeValuePublic(b []byte) (bencode.Value, int, error) {
	return bencode.DecodePrefix(b)
}

// PEXMessage is the BEP 11 ut_pex payload: compact peer lists added and
// dropped since the last PEX message to this peer.
type PEXMessage struct {
	Added   []byte // 6-byte compact peer records, concatenated
	AddedF  []byte // one flag byte per added peer
	Dropped []byte
}

// Encode serializes the PEX message.
func (m PEXMessage) Encode() []byte {
	d := bencode.Dict{}
	if len(m.Added) > 0 {
		d["added"] = bencode.String(m.Added)
	}
	if len(m.AddedF) > 0 {
		d["added.f"] = bencode.String(m.AddedF)
	}
	if len(m.Dropped) > 0 {
		d["dropped"] = bencode.String(m.Dropped)
	}
	return bencode.Encode(d)
}

// DecodePEXMessage parses an incoming ut_pex payload.
func DecodePEXMessage(b []byte) (PEXMessage, error) {
	v, err := bencode.Decode(b)
	if err != nil {
		return PEXMessage{}, err
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return PEXMessage{}, ErrFramingViolation
	}
	var m PEXMessage
	if a, ok := d["added"].(bencode.String); ok {
		m.Added = []byte(a)
	}
	if f, ok := d["added.f"].(bencode.String); ok {
		m.AddedF = []byte(f)
	}
	if dr, ok := d["dropped"].(bencode.String); ok {
		m.Dropped = []byte(dr)
	}
	return m, nil
}
