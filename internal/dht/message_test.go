package dht

import (
	"bytes"
	"testing"

	"github.com/kagenova/btswarm/internal/bencode"
)

func TestEncodeDecodeQueryRoundTrip(t *testing.T) {
	args := bencode.Dict{"id": bencode.String("abcdefghij0123456789")}
	pkt := encodeQuery("aa", QueryPing, args)
	msg, err := decodeMessage(pkt)
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.Type != "q" || msg.Query != QueryPing || msg.Tag != "aa" {
		t.Fatalf("unexpected decoded message: %+v", msg)
	}
}

func TestTokenStableForSameSecret(t *testing.T) {
	secret := []byte("secret")
	ip := []byte{192, 168, 1, 1}
	a := token(ip, secret)
	b := token(ip, secret)
	if !bytes.Equal(a, b) {
		t.Fatalf("token not stable across calls")
	}
	if len(a) != 8 {
		t.Fatalf("expected 8-byte token, got %d", len(a))
	}
}

func TestTokenDiffersAcrossIPs(t *testing.T) {
	secret := []byte("secret")
	a := token([]byte{1, 2, 3, 4}, secret)
	b := token([]byte{5, 6, 7, 8}, secret)
	if bytes.Equal(a, b) {
		t.Fatalf("token should differ across source IPs")
	}
}

func TestCompactNodesRoundTrip(t *testing.T) {
	nodes := []*Node{
		{ID: NodeID{1}, Addr: udpAddr([]byte{127, 0, 0, 1}, 6881)},
		{ID: NodeID{2}, Addr: udpAddr([]byte{127, 0, 0, 2}, 6882)},
	}
	b := compactNodes(nodes)
	parsed := parseCompactNodes(b)
	if len(parsed) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(parsed))
	}
	if parsed[0].Addr.Port != 6881 || parsed[1].Addr.Port != 6882 {
		t.Fatalf("unexpected ports: %+v", parsed)
	}
}
