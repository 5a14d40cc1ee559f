// Package uploader implements the upload scheduler: a
// bounded worker pool serves block requests from peers we've unchoked,
// plus the choking algorithm that decides who stays unchoked.
package uploader

import (
	"math/rand"
	"time"

	"github.com/kagenova/btswarm/internal/peer"
	"github.com/kagenova/btswarm/internal/storage"
	"github.com/kagenova/btswarm/internal/throttler"
)

// DefaultPerSwarmCap and DefaultGlobalCap are the queue caps M and the
// global cap.
const (
	DefaultPerSwarmCap = 4
	DefaultGlobalCap   = 20

	UnchokeInterval          = 10 * time.Second
	OptimisticUnchokeInterval = 30 * time.Second
	UnchokeSlots             = 4 // u, including the optimistic slot
)

// Request asks a worker to read a block and send it to Peer.
type Request struct {
	Peer         *peer.Peer
	Index, Begin, Length uint32
}

// Result reports the outcome of serving one request. Length is the
// number of payload bytes actually sent, valid when Error is nil, so the
// owner goroutine can feed its upload-speed EWMA without re-deriving it
// from the original request.
type Result struct {
	Peer   *peer.Peer
	Length uint32
	Error  error
}

// Pool serves upload requests with a fixed worker count, each read
// subject to the shared Throttler and SwarmID's fair share of it.
type Pool struct {
	SwarmID   string
	FileMap   *storage.FileMap
	Throttler *throttler.Throttler
	reqC      chan Request
	ResultC   chan Result
	stopC     chan struct{}
}

// New starts a Pool of n workers (DefaultPerSwarmCap if n <= 0) serving
// uploads for swarmID.
func New(swarmID string, fm *storage.FileMap, th *throttler.Throttler, n int) *Pool {
	if n <= 0 {
		n = DefaultPerSwarmCap
	}
	p := &Pool{
		SwarmID:   swarmID,
		FileMap:   fm,
		Throttler: th,
		reqC:      make(chan Request, n),
		ResultC:   make(chan Result, n),
		stopC:     make(chan struct{}),
	}
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	for {
		select {
		case req := <-p.reqC:
			p.serve(req)
		case <-p.stopC:
			return
		}
	}
}

func (p *Pool) serve(req Request) {
	data, err := p.FileMap.ReadPiece(req.Index)
	if err != nil {
		p.ResultC <- Result{Peer: req.Peer, Error: err}
		return
	}
	block := data[req.Begin : req.Begin+req.Length]
	if p.Throttler != nil {
		remaining := int64(len(block))
		for remaining > 0 {
			ask := remaining
			if share := p.Throttler.FairShareUpload(p.SwarmID); share > 0 && ask > share {
				ask = share
			}
			granted := p.Throttler.RequestUpload(ask)
			if granted <= 0 {
				continue
			}
			remaining -= granted
		}
	}
	req.Peer.Conn.SendPiece(req.Index, req.Begin, block)
	req.Peer.AddUploaded(req.Length)
	p.ResultC <- Result{Peer: req.Peer, Length: req.Length}
}

// Submit enqueues an upload request.
func (p *Pool) Submit(req Request) {
	p.reqC <- req
}

// Close stops all workers.
func (p *Pool) Close() {
	close(p.stopC)
}

// ChokeDecision is the outcome of one round of the choking algorithm: who
// should be unchoked (regular slots plus the optimistic one) and who
// should now be choked.
type ChokeDecision struct {
	Unchoke []*peer.Peer
	Choke   []*peer.Peer
}

// RankByDownloadRate runs the 10-second regular choking round: peers are
// ranked by the rate at which they've delivered bytes to us, and the top
// UnchokeSlots-1 are kept unchoked, leaving one slot for the optimistic
// round below.
func RankByDownloadRate(peers []*peer.Peer, rates map[*peer.Peer]float64) ChokeDecision {
	sorted := make([]*peer.Peer, len(peers))
	copy(sorted, peers)
	for i := 1; i < len(sorted); i++ {
		j := i
		for j > 0 && rates[sorted[j]] > rates[sorted[j-1]] {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			j--
		}
	}
	n := UnchokeSlots - 1
	if n > len(sorted) {
		n = len(sorted)
	}
	dec := ChokeDecision{}
	for i, pe := range sorted {
		if i < n {
			dec.Unchoke = append(dec.Unchoke, pe)
		} else {
			dec.Choke = append(dec.Choke, pe)
		}
	}
	return dec
}

// PickOptimistic selects one peer uniformly at random from candidates
// (those not already in the top-u set) for the 30-second optimistic
// unchoke round.
func PickOptimistic(candidates []*peer.Peer) *peer.Peer {
	if len(candidates) == 0 {
		return nil
	}
	return candidates[rand.Intn(len(candidates))]
}

// SuperSeeder tracks, for super-seeding mode, which piece was last sent
// to which peer, so a piece isn't offered to a second peer until an
// external Have notification confirms the first recipient re-advertised
// it ("Super-seeding").
type SuperSeeder struct {
	sentTo map[uint32]*peer.Peer
}

// NewSuperSeeder returns an empty tracker.
func NewSuperSeeder() *SuperSeeder {
	return &SuperSeeder{sentTo: make(map[uint32]*peer.Peer)}
}

// Eligible reports whether index may be offered to pe: either it's never
// been sent, or it was already sent to this same peer.
func (s *SuperSeeder) Eligible(index uint32, pe *peer.Peer) bool {
	sentTo, ok := s.sentTo[index]
	return !ok || sentTo == pe
}

// MarkSent records that index was just offered to pe.
func (s *SuperSeeder) MarkSent(index uint32, pe *peer.Peer) {
	s.sentTo[index] = pe
}

// Released clears index's reservation once the recipient has re-advertised
// it, making it eligible for another peer.
func (s *SuperSeeder) Released(index uint32) {
	delete(s.sentTo, index)
}
