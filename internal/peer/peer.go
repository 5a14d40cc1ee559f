// Package peer wraps a peerconn.Conn with per-peer bookkeeping:
// choke/interest flags, advertised availability, the set of outstanding
// block requests, the extension-id table negotiated over BEP 10, and ban
// state.
package peer

import (
	"net"
	"sync"
	"time"

	"github.com/kagenova/btswarm/internal/bitfield"
	"github.com/kagenova/btswarm/internal/peerconn"
	"github.com/kagenova/btswarm/internal/peerprotocol"
)

// Request identifies one outstanding block request, keyed the way a
// Request/Cancel/Piece message triple identifies a block on the wire.
type Request struct {
	Index, Begin, Length uint32
}

// Peer is the swarm-owner-goroutine's view of one connected peer. All
// exported methods except the getters below are meant to be called only
// from the swarm's owning goroutine; there is no internal locking for
// those fields; Conn itself is safe for concurrent send from any
// goroutine since peerconn.Conn enqueues onto the writer's channel.
type Peer struct {
	Conn *peerconn.Conn

	AmChoking    bool
	AmInterested bool
	PeerChoking  bool
	PeerInterest bool

	HandshakeComplete bool

	Bitfield *bitfield.Bitfield

	// Outstanding is the set of block requests we've sent this peer that
	// haven't been satisfied by a Piece or Cancel yet.
	Outstanding map[Request]time.Time

	// ExtensionIDs maps an extension name (e.g. "ut_metadata") to the
	// numeric id this peer expects it tagged with, from its BEP 10
	// handshake's "m" dictionary.
	ExtensionIDs map[string]byte

	OptimisticUnchoked bool

	mu      sync.Mutex
	banned  bool
	banWhy  string
	snubbed bool

	downloaded uint64
	uploaded   uint64

	connectedAt time.Time
}

// New returns a Peer in the initial state required by BEP 3: both sides
// start choking and not interested.
func New(conn *peerconn.Conn, numPieces uint32) *Peer {
	return &Peer{
		Conn:         conn,
		AmChoking:    true,
		PeerChoking:  true,
		Bitfield:     bitfield.New(numPieces),
		Outstanding:  make(map[Request]time.Time),
		ExtensionIDs: make(map[string]byte),
		connectedAt:  time.Now(),
	}
}

// ID returns the peer-id from the handshake.
func (p *Peer) ID() [20]byte { return p.Conn.ID() }

// Addr returns the remote TCP address.
func (p *Peer) Addr() *net.TCPAddr { return p.Conn.Addr() }

// String implements fmt.Stringer for log lines.
func (p *Peer) String() string {
	if a := p.Addr(); a != nil {
		return a.String()
	}
	return "?"
}

// HasPiece reports whether the peer has advertised index.
func (p *Peer) HasPiece(index uint32) bool {
	return p.Bitfield.Test(index)
}

// SetHave marks index as available from this peer.
func (p *Peer) SetHave(index uint32) {
	p.Bitfield.Set(index)
}

// SetBitfield replaces the peer's advertised availability wholesale,
// handling HaveAll/HaveNone's full-set/empty-set semantics too.
func (p *Peer) SetBitfield(bf *bitfield.Bitfield) {
	p.Bitfield = bf
}

// AddRequest records a block request we just sent as outstanding.
// Invariant: never call this while PeerChoking is true.
func (p *Peer) AddRequest(r Request) {
	p.Outstanding[r] = time.Now()
}

// RemoveRequest clears a request on Piece arrival or Cancel.
func (p *Peer) RemoveRequest(r Request) {
	delete(p.Outstanding, r)
}

// HasRequest reports whether r is outstanding — used to reject unsolicited
// blocks per the wire protocol's acceptance invariant.
func (p *Peer) HasRequest(r Request) bool {
	_, ok := p.Outstanding[r]
	return ok
}

// NumOutstanding returns the current pipeline depth.
func (p *Peer) NumOutstanding() int { return len(p.Outstanding) }

// ExtensionID returns the numeric id this peer uses for name, and whether
// it was advertised at all.
func (p *Peer) ExtensionID(name string) (byte, bool) {
	id, ok := p.ExtensionIDs[name]
	return id, ok
}

// Ban marks the peer as banned for why; callers are expected to close the
// connection and never redial the same remote address for the cool-down
// period tracked separately by the blocklist.
func (p *Peer) Ban(why string) {
	p.mu.Lock()
	p.banned = true
	p.banWhy = why
	p.mu.Unlock()
}

// Banned reports ban state and reason.
func (p *Peer) Banned() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.banned, p.banWhy
}

// SetSnubbed marks a peer that hasn't sent a block in a while, used by the
// piece picker to deprioritize it without fully banning.
func (p *Peer) SetSnubbed(v bool) {
	p.mu.Lock()
	p.snubbed = v
	p.mu.Unlock()
}

// Snubbed reports whether the peer was last marked snubbed.
func (p *Peer) Snubbed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snubbed
}

// AddDownloaded accounts n bytes of payload received from this peer.
func (p *Peer) AddDownloaded(n uint32) {
	p.mu.Lock()
	p.downloaded += uint64(n)
	p.mu.Unlock()
}

// AddUploaded accounts n bytes of payload sent to this peer.
func (p *Peer) AddUploaded(n uint32) {
	p.mu.Lock()
	p.uploaded += uint64(n)
	p.mu.Unlock()
}

// Stats returns cumulative byte counters for this peer.
func (p *Peer) Stats() (downloaded, uploaded uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downloaded, p.uploaded
}

// ConnectedAt returns when this Peer was constructed.
func (p *Peer) ConnectedAt() time.Time { return p.connectedAt }

// SendRequest sends a Request message and records it as outstanding.
// Callers must check PeerChoking themselves first.
func (p *Peer) SendRequest(r Request) {
	p.AddRequest(r)
	p.Conn.SendMessage(peerprotocol.RequestMessage{Index: r.Index, Begin: r.Begin, Length: r.Length})
}

// SendCancel sends a Cancel message and clears the outstanding record.
func (p *Peer) SendCancel(r Request) {
	p.RemoveRequest(r)
	p.Conn.SendMessage(peerprotocol.CancelMessage{Index: r.Index, Begin: r.Begin, Length: r.Length})
}
