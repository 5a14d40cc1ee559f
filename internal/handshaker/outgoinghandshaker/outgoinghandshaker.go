// Package outgoinghandshaker dials a candidate peer address and performs
// the BitTorrent handshake, bounded by a fixed deadline so a
// single unresponsive address never pins a goroutine indefinitely.
package outgoinghandshaker

import (
	"fmt"
	"net"
	"time"

	"github.com/kagenova/btswarm/internal/logger"
	"github.com/kagenova/btswarm/internal/peerconn"
	"github.com/kagenova/btswarm/internal/peerprotocol"
)

// Timeout bounds the dial plus handshake exchange.
const Timeout = 15 * time.Second

// Result is sent back on the Done channel once the handshaker finishes,
// successfully or not.
type Result struct {
	Handshaker *Handshaker
	Conn       *peerconn.Conn
	PeerID     [20]byte
	Extensions peerprotocol.Reserved
	Error      error
}

// Handshaker dials and handshakes a single address in its own goroutine.
type Handshaker struct {
	Addr     *net.TCPAddr
	ourID    [20]byte
	infoHash [20]byte
	fast     bool
	extend   bool
	dht      bool
	done     chan Result
	log      logger.Logger
}

// New returns a Handshaker for addr. Callers receive the outcome on Done()
// and then call Run in its own goroutine.
func New(addr *net.TCPAddr, ourID, infoHash [20]byte, fast, extend, dht bool, done chan Result) *Handshaker {
	return &Handshaker{
		Addr:     addr,
		ourID:    ourID,
		infoHash: infoHash,
		fast:     fast,
		extend:   extend,
		dht:      dht,
		done:     done,
		log:      logger.New(fmt.Sprintf("outgoing handshaker %s", addr)),
	}
}

// Run dials, exchanges handshakes, and posts the Result to done. Intended
// to be launched with `go h.Run()`.
func (h *Handshaker) Run() {
	res := Result{Handshaker: h}
	defer func() { h.done <- res }()

	nc, err := net.DialTimeout("tcp", h.Addr.String(), Timeout)
	if err != nil {
		res.Error = fmt.Errorf("outgoinghandshaker: dial: %w", err)
		return
	}
	nc.SetDeadline(time.Now().Add(Timeout))

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

	out := peerprotocol.Handshake{Reserved: reserved, InfoHash: h.infoHash, PeerID: h.ourID}
	if err := peerprotocol.WriteHandshake(nc, out); err != nil {
		nc.Close()
		res.Error = fmt.Errorf("outgoinghandshaker: write: %w", err)
		return
	}

	in, err := peerprotocol.ReadHandshake(nc)
	if err != nil {
		nc.Close()
		res.Error = fmt.Errorf("outgoinghandshaker: read: %w", err)
		return
	}
	if in.InfoHash != h.infoHash {
		nc.Close()
		res.Error = peerconn.ErrIdentityMismatch
		return
	}
	if in.PeerID == h.ourID {
		nc.Close()
		res.Error = peerconn.ErrOwnConnection
		return
	}

	nc.SetDeadline(time.Time{})
	negotiated := reserved
	for i := uint(0); i < 64; i++ {
		if !in.Reserved.Test(i) {
			negotiated[i/8] &^= 0x80 >> (i % 8)
		}
	}

	res.Conn = peerconn.New(nc, in.PeerID, negotiated, h.log)
	res.PeerID = in.PeerID
	res.Extensions = negotiated
}
