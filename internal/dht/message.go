// Message encoding for the Kademlia wire protocol: tag-encoded queries,
// responses and errors exchanged over UDP.
package dht

import (
	"crypto/sha1" // nolint:gosec // DHT tokens are defined in terms of SHA-1 by protocol convention
	"errors"

	"github.com/kagenova/btswarm/internal/bencode"
)

// Query names.
const (
	QueryPing         = "ping"
	QueryFindNode     = "find_node"
	QueryGetPeers     = "get_peers"
	QueryAnnouncePeer = "announce_peer"
)

var (
	ErrMalformedMessage = errors.New("dht: malformed message")
	ErrUnknownQuery     = errors.New("dht: unknown query")
)

// message is the parsed form of any incoming tag-encoded packet.
type message struct {
	Tag  string // 2-byte transaction tag
	Type string // "q", "r", or "e"

	Query string // for Type == "q"
	Args  bencode.Dict

	Result bencode.Dict // for Type == "r"

	ErrCode int    // for Type == "e"
	ErrMsg  string
}

func decodeMessage(b []byte) (*message, error) {
	v, err := bencode.Decode(b)
	if err != nil {
		return nil, err
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return nil, ErrMalformedMessage
	}
	m := &message{}
	tag, ok := d["t"].(bencode.String)
	if !ok {
		return nil, ErrMalformedMessage
	}
	m.Tag = string(tag)
	y, ok := d["y"].(bencode.String)
	if !ok {
		return nil, ErrMalformedMessage
	}
	m.Type = string(y)
	switch m.Type {
	case "q":
		q, ok := d["q"].(bencode.String)
		if !ok {
			return nil, ErrMalformedMessage
		}
		m.Query = string(q)
		m.Args, _ = d["a"].(bencode.Dict)
	case "r":
		m.Result, _ = d["r"].(bencode.Dict)
	case "e":
		el, ok := d["e"].(bencode.List)
		if !ok || len(el) != 2 {
			return nil, ErrMalformedMessage
		}
		if code, ok := el[0].(bencode.Int); ok {
			m.ErrCode = int(code)
		}
		if msg, ok := el[1].(bencode.String); ok {
			m.ErrMsg = string(msg)
		}
	default:
		return nil, ErrMalformedMessage
	}
	return m, nil
}

func encodeQuery(tag, query string, args bencode.Dict) []byte {
	return bencode.Encode(bencode.Dict{
		"t": bencode.String(tag),
		"y": bencode.String("q"),
		"q": bencode.String(query),
		"a": args,
	})
}

func encodeResponse(tag string, result bencode.Dict) []byte {
	return bencode.Encode(bencode.Dict{
		"t": bencode.String(tag),
		"y": bencode.String("r"),
		"r": result,
	})
}

func encodeError(tag string, code int, msg string) []byte {
	return bencode.Encode(bencode.Dict{
		"t": bencode.String(tag),
		"y": bencode.String("e"),
		"e": bencode.List{bencode.Int(code), bencode.String(msg)},
	})
}

// compactNodes packs a list of nodes as 26-byte records (20-byte id + 6-byte
// compact address) concatenated, the de-facto convention for find_node /
// get_peers "nodes" values.
func compactNodes(nodes []*Node) []byte {
	out := make([]byte, 0, len(nodes)*26)
	for _, n := range nodes {
		out = append(out, n.ID[:]...)
		out = append(out, compactUDPAddr(n.Addr.IP, n.Addr.Port)...)
	}
	return out
}

func compactUDPAddr(ip []byte, port int) []byte {
	out := make([]byte, 6)
	copy(out, ip[len(ip)-4:])
	out[4] = byte(port >> 8)
	out[5] = byte(port)
	return out
}

func parseCompactNodes(b []byte) []*Node {
	var nodes []*Node
	for i := 0; i+26 <= len(b); i += 26 {
		var id NodeID
		copy(id[:], b[i:i+20])
		ip := make([]byte, 4)
		copy(ip, b[i+20:i+24])
		port := int(b[i+24])<<8 | int(b[i+25])
		nodes = append(nodes, &Node{ID: id, Addr: udpAddr(ip, port)})
	}
	return nodes
}

func parseCompactPeers(b []byte) [][]byte {
	var peers [][]byte
	for i := 0; i+6 <= len(b); i += 6 {
		peers = append(peers, b[i:i+6])
	}
	return peers
}

// token returns the HMAC-like value truncate(SHA-1(ip || secret), 8).
func token(ip []byte, secret []byte) []byte {
	h := sha1.New() // nolint:gosec
	h.Write(ip)
	h.Write(secret)
	return h.Sum(nil)[:8]
}
