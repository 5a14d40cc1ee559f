// Package piecedownloader runs the block-request actor for a single
// (piece, peer) pairing: an owner goroutine keeps up to maxQueuedBlocks
// requests outstanding, reassembles arriving blocks, and reports back
// completion, rejection or a hard error over channels.
package piecedownloader

import (
	"errors"

	"github.com/kagenova/btswarm/internal/peer"
	"github.com/kagenova/btswarm/internal/piece"
)

// maxQueuedBlocks is W from the request-loop invariant: at most this many
// outstanding block requests to a single peer for a single piece.
const maxQueuedBlocks = 5

// ErrInvalidReject is returned on ErrC when a peer rejects a block we
// never requested from it.
var ErrInvalidReject = errors.New("piecedownloader: received invalid reject message")

// ErrInvalidBlockIndex rejects a Block whose Index falls outside this
// piece's block count, e.g. a peer that sends a Begin offset past the
// piece's length.
var ErrInvalidBlockIndex = errors.New("piecedownloader: received block index out of range")

// PieceDownloader drives block requests for Piece against Peer.
type PieceDownloader struct {
	Piece  *piece.Piece
	Peer   *peer.Peer
	blocks []block

	limiter chan struct{}

	PieceC   chan Block   // arrived blocks, fed by the swarm owner on Piece message receipt
	RejectC  chan peer.Request
	ChokeC   chan struct{}
	UnchokeC chan struct{}
	DoneC    chan []byte
	ErrC     chan error
}

// Block is an arrived block of data for the piece being downloaded.
type Block struct {
	Index uint32
	Data  []byte
}

type block struct {
	*piece.Block
	requested bool
	data      []byte
}

// New prepares a downloader for pi against pe. pe must already have
// advertised index pi.Index in its bitfield.
func New(pi *piece.Piece, pe *peer.Peer) *PieceDownloader {
	blocks := make([]block, len(pi.Blocks))
	for i := range blocks {
		blocks[i] = block{Block: &pi.Blocks[i]}
	}
	return &PieceDownloader{
		Piece:    pi,
		Peer:     pe,
		blocks:   blocks,
		limiter:  make(chan struct{}, maxQueuedBlocks),
		PieceC:   make(chan Block),
		RejectC:  make(chan peer.Request),
		ChokeC:   make(chan struct{}),
		UnchokeC: make(chan struct{}),
		DoneC:    make(chan []byte, 1),
		ErrC:     make(chan error, 1),
	}
}

// Run drives the request/arrival loop until the piece completes, a fatal
// error occurs, or stopC closes.
func (d *PieceDownloader) Run(stopC chan struct{}) {
	for {
		select {
		case d.limiter <- struct{}{}:
			b := d.nextBlock()
			if b == nil {
				<-d.limiter
				d.limiter = nil
				continue
			}
			d.Peer.SendRequest(peer.Request{Index: d.Piece.Index, Begin: b.Begin, Length: b.Length})
		case blk := <-d.PieceC:
			if int(blk.Index) >= len(d.blocks) {
				d.ErrC <- ErrInvalidBlockIndex
				return
			}
			b := &d.blocks[blk.Index]
			if b.requested && b.data == nil && d.limiter != nil {
				<-d.limiter
			}
			b.requested = true
			b.data = blk.Data
			if d.allDone() {
				d.DoneC <- d.assembleBlocks()
				return
			}
		case req := <-d.RejectC:
			if int(req.Begin/piece.BlockSize) >= len(d.blocks) {
				d.ErrC <- ErrInvalidReject
				return
			}
			b := &d.blocks[req.Begin/piece.BlockSize]
			if !b.requested {
				d.ErrC <- ErrInvalidReject
				return
			}
			b.requested = false
		case <-d.ChokeC:
			for i := range d.blocks {
				if d.blocks[i].data == nil && d.blocks[i].requested {
					d.blocks[i].requested = false
				}
			}
			d.limiter = nil
		case <-d.UnchokeC:
			d.limiter = make(chan struct{}, maxQueuedBlocks)
		case <-stopC:
			return
		}
	}
}

func (d *PieceDownloader) nextBlock() *block {
	for i := range d.blocks {
		if !d.blocks[i].requested {
			d.blocks[i].requested = true
			return &d.blocks[i]
		}
	}
	return nil
}

func (d *PieceDownloader) allDone() bool {
	for i := range d.blocks {
		if d.blocks[i].data == nil {
			return false
		}
	}
	return true
}

func (d *PieceDownloader) assembleBlocks() []byte {
	buf := make([]byte, 0, d.Piece.Length)
	for i := range d.blocks {
		buf = append(buf, d.blocks[i].data...)
	}
	return buf
}
