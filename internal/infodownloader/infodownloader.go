// Package infodownloader fetches a torrent's info dictionary over the
// BEP 9 metadata extension from a single peer, verifying the assembled
// bytes against the swarm's expected identity once complete.
package infodownloader

import (
	"crypto/sha1" // nolint:gosec // torrent identity is SHA-1 by protocol definition
	"fmt"

	"github.com/kagenova/btswarm/internal/peer"
	"github.com/kagenova/btswarm/internal/peerprotocol"
)

const blockSize = 16 * 1024

// InfoDownloader assembles one peer's ut_metadata blocks into Bytes.
type InfoDownloader struct {
	Peer  *peer.Peer
	Bytes []byte

	blocks         []block
	requested      map[uint32]struct{}
	nextBlockIndex uint32
}

type block struct {
	size uint32
}

// New prepares a downloader for pe, which must already have advertised a
// non-zero ut_metadata MetadataSize in its extension handshake.
func New(pe *peer.Peer, metadataSize uint32) *InfoDownloader {
	d := &InfoDownloader{
		Peer:      pe,
		Bytes:     make([]byte, metadataSize),
		requested: make(map[uint32]struct{}),
	}
	d.blocks = createBlocks(metadataSize)
	return d
}

func createBlocks(size uint32) []block {
	numBlocks := size / blockSize
	if size%blockSize != 0 {
		numBlocks++
	}
	blocks := make([]block, numBlocks)
	for i := range blocks {
		blocks[i] = block{size: blockSize}
	}
	if mod := size % blockSize; mod != 0 && len(blocks) > 0 {
		blocks[len(blocks)-1].size = mod
	}
	return blocks
}

// GotBlock records an arrived ut_metadata Data sub-message.
func (d *InfoDownloader) GotBlock(index uint32, data []byte) error {
	if _, ok := d.requested[index]; !ok {
		return fmt.Errorf("infodownloader: unrequested metadata piece %d", index)
	}
	if int(index) >= len(d.blocks) {
		return fmt.Errorf("infodownloader: metadata piece index out of range: %d", index)
	}
	b := &d.blocks[index]
	if uint32(len(data)) != b.size {
		return fmt.Errorf("infodownloader: unexpected metadata chunk size: got %d want %d", len(data), b.size)
	}
	delete(d.requested, index)
	begin := index * blockSize
	copy(d.Bytes[begin:begin+b.size], data)
	return nil
}

// RequestBlocks sends ut_metadata requests up to queueLength outstanding.
func (d *InfoDownloader) RequestBlocks(queueLength int) error {
	id, ok := d.Peer.ExtensionID(peerprotocol.ExtensionNameMetadata)
	if !ok {
		return fmt.Errorf("infodownloader: peer does not support ut_metadata")
	}
	for ; d.nextBlockIndex < uint32(len(d.blocks)) && len(d.requested) < queueLength; d.nextBlockIndex++ {
		hdr := peerprotocol.MetadataMessage{Type: peerprotocol.MetadataRequest, Piece: d.nextBlockIndex}
		d.Peer.Conn.SendMessage(peerprotocol.ExtensionMessage{
			ExtendedMessageID: id,
			Payload:           hdr.Encode(),
		})
		d.requested[d.nextBlockIndex] = struct{}{}
	}
	return nil
}

// Done reports whether every block has arrived.
func (d *InfoDownloader) Done() bool {
	return d.nextBlockIndex == uint32(len(d.blocks)) && len(d.requested) == 0
}

// VerifyIdentity hashes the assembled bytes and compares against expected,
// the torrent's 20-byte SHA-1 identity.
func (d *InfoDownloader) VerifyIdentity(expected [20]byte) bool {
	return sha1.Sum(d.Bytes) == expected
}
