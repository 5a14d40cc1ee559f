// Package incominghandshaker completes the BitTorrent handshake on an
// already-accepted TCP connection, matching its info hash against the set
// of swarms currently known to the engine.
package incominghandshaker

import (
	"fmt"
	"net"
	"time"

	"github.com/kagenova/btswarm/internal/logger"
	"github.com/kagenova/btswarm/internal/peerconn"
	"github.com/kagenova/btswarm/internal/peerprotocol"
)

// Timeout bounds the handshake exchange on an accepted socket.
const Timeout = 15 * time.Second

// Result is posted to Done() once the handshake completes or fails.
type Result struct {
	Handshaker *Handshaker
	Conn       *peerconn.Conn
	PeerID     [20]byte
	InfoHash   [20]byte
	Extensions peerprotocol.Reserved
	Error      error
}

// LookupFunc reports whether infoHash names a swarm this engine is
// currently serving, so the handshaker can reject unknown torrents before
// completing the reply handshake.
type LookupFunc func(infoHash [20]byte) bool

// Handshaker completes an inbound handshake in its own goroutine.
type Handshaker struct {
	nc     net.Conn
	ourID  [20]byte
	fast   bool
	extend bool
	dht    bool
	lookup LookupFunc
	done   chan Result
	log    logger.Logger
}

// New returns a Handshaker for an already-accepted connection nc. lookup
// is consulted once the peer's info hash is known.
func New(nc net.Conn, ourID [20]byte, fast, extend, dht bool, lookup LookupFunc, done chan Result) *Handshaker {
	return &Handshaker{
		nc:     nc,
		ourID:  ourID,
		fast:   fast,
		extend: extend,
		dht:    dht,
		lookup: lookup,
		done:   done,
		log:    logger.New(fmt.Sprintf("incoming handshaker %s", nc.RemoteAddr())),
	}
}

// Run reads the peer's handshake, validates it against lookup, replies,
// and posts the Result to done.
func (h *Handshaker) Run() {
	res := Result{Handshaker: h}
	defer func() { h.done <- res }()

	h.nc.SetDeadline(time.Now().Add(Timeout))

	in, err := peerprotocol.ReadHandshake(h.nc)
	if err != nil {
		h.nc.Close()
		res.Error = fmt.Errorf("incominghandshaker: read: %w", err)
		return
	}
	res.InfoHash = in.InfoHash

	if !h.lookup(in.InfoHash) {
		h.nc.Close()
		res.Error = fmt.Errorf("incominghandshaker: unknown info hash %x", in.InfoHash)
		return
	}
	if in.PeerID == h.ourID {
		h.nc.Close()
		res.Error = peerconn.ErrOwnConnection
		return
	}

	var reserved peerprotocol.Reserved
	if h.fast {
		reserved.Set(peerprotocol.ReservedBitFastExtension)
	}
	if h.extend {
		reserved.Set(peerprotocol.ReservedBitExtensionProto)
	}
	if h.dht {
		reserved.Set(peerprotocol.ReservedBitDHT)
	}

	out := peerprotocol.Handshake{Reserved: reserved, InfoHash: in.InfoHash, PeerID: h.ourID}
	if err := peerprotocol.WriteHandshake(h.nc, out); err != nil {
		h.nc.Close()
		res.Error = fmt.Errorf("incominghandshaker: write: %w", err)
		return
	}

	h.nc.SetDeadline(time.Time{})
	negotiated := reserved
	for i := uint(0); i < 64; i++ {
		if !in.Reserved.Test(i) {
			negotiated[i/8] &^= 0x80 >> (i % 8)
		}
	}

	res.Conn = peerconn.New(h.nc, in.PeerID, negotiated, h.log)
	res.PeerID = in.PeerID
	res.Extensions = negotiated
}
