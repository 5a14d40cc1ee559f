// Package piece implements the per-piece block acquisition state machine:
// splitting a piece into fixed-size blocks, tracking which have arrived,
// and verifying the assembled content against its expected SHA-1 hash.
package piece

import (
	"bytes"
	"crypto/sha1" // nolint:gosec // BitTorrent piece hashes are SHA-1 by protocol definition
)

// BlockSize is the fixed block length, 16 KiB, used for every block except
// a piece's final short block.
const BlockSize = 16 * 1024

// Block is one fixed-size (or, for the last block of a piece, shorter)
// subdivision of a piece.
type Block struct {
	Index    uint32 // block index within the piece
	Begin    uint32 // byte offset within the piece
	Length   uint32
	Received bool
	Data     []byte
}

// Piece tracks block acquisition for a single piece of the torrent.
type Piece struct {
	Index        uint32
	Length       uint32
	ExpectedHash [20]byte
	Blocks       []Block
	Complete     bool
	Verified     bool
	// Writing is set by the scheduler while a completed piece is being
	// flushed to disk, so the scheduler doesn't re-verify concurrently.
	Writing bool
}

// New creates a Piece for the given index/length/hash, partitioned up
// front into contiguous blocks of at most BlockSize bytes.
func New(index uint32, length uint32, hash [20]byte) *Piece {
	numBlocks := NumBlocks(length)
	blocks := make([]Block, numBlocks)
	var begin uint32
	for i := uint32(0); i < numBlocks; i++ {
		l := BlockLength(length, i)
		blocks[i] = Block{Index: i, Begin: begin, Length: l}
		begin += l
	}
	return &Piece{Index: index, Length: length, ExpectedHash: hash, Blocks: blocks}
}

// NumBlocks returns ceil(length / BlockSize).
func NumBlocks(length uint32) uint32 {
	return (length + BlockSize - 1) / BlockSize
}

// BlockLength returns the length of block i of a piece of the given length.
func BlockLength(pieceLength uint32, i uint32) uint32 {
	begin := i * BlockSize
	if begin >= pieceLength {
		return 0
	}
	if pieceLength-begin < BlockSize {
		return pieceLength - begin
	}
	return BlockSize
}

// NextMissing returns a pointer to the lowest-offset block that has not
// been received, or nil if every block is received.
func (p *Piece) NextMissing() *Block {
	for i := range p.Blocks {
		if !p.Blocks[i].Received {
			return &p.Blocks[i]
		}
	}
	return nil
}

// BlockAt returns the block whose Begin offset equals offset, or nil.
func (p *Piece) BlockAt(offset uint32) *Block {
	for i := range p.Blocks {
		if p.Blocks[i].Begin == offset {
			return &p.Blocks[i]
		}
	}
	return nil
}

var (
	errNoSuchBlock    = blockError("piece: no block at given offset")
	errLengthMismatch = blockError("piece: block data length does not match")
)

type blockError string

func (e blockError) Error() string { return string(e) }

// AddBlock stores data for the block at offset. It rejects data whose
// length does not match the block's declared length, and is idempotent if
// the block was already received.
func (p *Piece) AddBlock(offset uint32, data []byte) error {
	b := p.BlockAt(offset)
	if b == nil {
		return errNoSuchBlock
	}
	if uint32(len(data)) != b.Length {
		return errLengthMismatch
	}
	if b.Received {
		return nil
	}
	b.Data = make([]byte, len(data))
	copy(b.Data, data)
	b.Received = true
	p.Complete = p.allReceived()
	return nil
}

func (p *Piece) allReceived() bool {
	for i := range p.Blocks {
		if !p.Blocks[i].Received {
			return false
		}
	}
	return true
}

// Assemble concatenates block data in offset order. It is only meaningful
// once Complete is true.
func (p *Piece) Assemble() []byte {
	buf := make([]byte, 0, p.Length)
	for i := range p.Blocks {
		buf = append(buf, p.Blocks[i].Data...)
	}
	return buf
}

// Verify requires Complete; it assembles the piece, checks its SHA-1
// against ExpectedHash, and sets Verified accordingly. The assembled bytes
// are returned so the caller can persist them without re-assembling.
func (p *Piece) Verify() (bool, []byte) {
	if !p.Complete {
		return false, nil
	}
	data := p.Assemble()
	sum := sha1.Sum(data) // nolint:gosec
	ok := bytes.Equal(sum[:], p.ExpectedHash[:])
	p.Verified = ok
	return ok, data
}

// Reset clears all block data and flags, e.g. after a verification
// failure, so the piece can be re-downloaded.
func (p *Piece) Reset() {
	for i := range p.Blocks {
		p.Blocks[i].Received = false
		p.Blocks[i].Data = nil
	}
	p.Complete = false
	p.Verified = false
}

// Bitmap returns, for each block, whether it has been received — used by
// the scheduler to decide which requests remain outstanding after a choke.
func (p *Piece) Bitmap() []bool {
	out := make([]bool, len(p.Blocks))
	for i := range p.Blocks {
		out[i] = p.Blocks[i].Received
	}
	return out
}
