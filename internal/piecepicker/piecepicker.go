// Package piecepicker implements the rarest-first piece selection policy
// of the download scheduler: among pieces that are neither
// complete, active, nor skipped by file selection, pick the one with the
// lowest availability across connected peers, tie-broken by lowest index.
package piecepicker

import (
	"github.com/kagenova/btswarm/internal/bitfield"
)

// PiecePicker tracks per-piece availability and selection state for one
// swarm. It holds no peer or network references; the swarm owner goroutine
// feeds it Have/Bitfield/disconnect events and asks it for the next piece.
type PiecePicker struct {
	numPieces   uint32
	availab     []uint32 // how many connected peers have each piece
	have        *bitfield.Bitfield
	active      map[uint32]struct{}
	skipped     map[uint32]struct{}
}

// New returns a picker for a torrent of numPieces pieces, none of which
// are complete or skipped yet.
func New(numPieces uint32) *PiecePicker {
	return &PiecePicker{
		numPieces: numPieces,
		availab:   make([]uint32, numPieces),
		have:      bitfield.New(numPieces),
		active:    make(map[uint32]struct{}),
		skipped:   make(map[uint32]struct{}),
	}
}

// HandlePeerBitfield increments availability for every piece bf has.
func (p *PiecePicker) HandlePeerBitfield(bf *bitfield.Bitfield) {
	for i := uint32(0); i < p.numPieces; i++ {
		if bf.Test(i) {
			p.availab[i]++
		}
	}
}

// HandlePeerHave increments availability for a single newly-announced
// piece.
func (p *PiecePicker) HandlePeerHave(index uint32) {
	if index < p.numPieces {
		p.availab[index]++
	}
}

// HandlePeerGone decrements availability for every piece bf has, called
// when a peer disconnects.
func (p *PiecePicker) HandlePeerGone(bf *bitfield.Bitfield) {
	if bf == nil {
		return
	}
	for i := uint32(0); i < p.numPieces; i++ {
		if bf.Test(i) && p.availab[i] > 0 {
			p.availab[i]--
		}
	}
}

// MarkComplete records index as fully downloaded and verified.
func (p *PiecePicker) MarkComplete(index uint32) {
	p.have.Set(index)
	delete(p.active, index)
}

// MarkActive records index as currently being downloaded, so it isn't
// picked again for a second concurrent piece-downloader.
func (p *PiecePicker) MarkActive(index uint32) {
	p.active[index] = struct{}{}
}

// MarkInactive releases index back to the selectable pool, e.g. after a
// verification failure requeues it.
func (p *PiecePicker) MarkInactive(index uint32) {
	delete(p.active, index)
}

// SetSkipped marks index as excluded by file selection (or clears it).
func (p *PiecePicker) SetSkipped(index uint32, skip bool) {
	if skip {
		p.skipped[index] = struct{}{}
	} else {
		delete(p.skipped, index)
	}
}

// HasPiece reports whether this swarm has already completed index.
func (p *PiecePicker) HasPiece(index uint32) bool { return p.have.Test(index) }

// candidate availablePeerFunc reports whether a given peer has index
// available, used to prefer continuing an already-active piece on any
// peer that has it before starting a new one.
type AvailablePeerFunc func(index uint32) bool

// Pick selects the best piece to request next from a peer whose
// available pieces are reported by hasPiece. It first looks for an
// already-active piece this peer can serve, then falls back to
// rarest-first among eligible, non-active, non-skipped, incomplete
// pieces. Returns (index, true) or (0, false) if nothing is eligible.
func (p *PiecePicker) Pick(hasPiece AvailablePeerFunc) (uint32, bool) {
	for idx := range p.active {
		if hasPiece(idx) {
			return idx, true
		}
	}

	var best uint32
	var bestAvail uint32
	found := false
	for i := uint32(0); i < p.numPieces; i++ {
		if p.have.Test(i) {
			continue
		}
		if _, ok := p.active[i]; ok {
			continue
		}
		if _, ok := p.skipped[i]; ok {
			continue
		}
		if !hasPiece(i) {
			continue
		}
		a := p.availab[i]
		if !found || a < bestAvail {
			best, bestAvail, found = i, a, true
		}
	}
	return best, found
}
