package storage

import (
	"bytes"
	"crypto/sha1" // nolint:gosec // BitTorrent piece hashes are SHA-1 by protocol definition

	"github.com/kagenova/btswarm/internal/metainfo"
)

// FileMap maps a torrent's linear content range [0, info.Length) onto the
// declared files, preallocating them and serving spanning piece reads and
// writes.
type FileMap struct {
	info  *metainfo.Info
	files []File
}

// New opens (creating/resizing as needed) every file named in info through
// sto, in declared order.
func New(info *metainfo.Info, sto Storage) (*FileMap, error) {
	files := make([]File, len(info.Files))
	for i, mf := range info.Files {
		rel := joinPath(mf.Path)
		f, err := sto.Open(rel, mf.Length)
		if err != nil {
			return nil, err
		}
		files[i] = f
	}
	return &FileMap{info: info, files: files}, nil
}

func joinPath(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "/" + p
	}
	return out
}

// pieceRange returns the absolute byte range [start, end) for piece index.
func (fm *FileMap) pieceRange(index uint32) (int64, int64) {
	start := int64(index) * fm.info.PieceLength
	end := start + int64(fm.info.PieceLengthAt(int(index)))
	return start, end
}

// WritePiece writes bytes (the full verified piece content) to every file
// whose declared range intersects the piece's absolute byte range.
func (fm *FileMap) WritePiece(index uint32, data []byte) error {
	start, _ := fm.pieceRange(index)
	return fm.writeRange(start, data)
}

func (fm *FileMap) writeRange(absStart int64, data []byte) error {
	absEnd := absStart + int64(len(data))
	for i, mf := range fm.info.Files {
		fileStart := mf.Offset
		fileEnd := mf.Offset + mf.Length
		if fileEnd <= absStart || fileStart >= absEnd {
			continue
		}
		// Intersection of [absStart, absEnd) and [fileStart, fileEnd).
		lo := maxInt64(absStart, fileStart)
		hi := minInt64(absEnd, fileEnd)
		srcOff := lo - absStart
		dstOff := lo - fileStart
		n := hi - lo
		if _, err := fm.files[i].WriteAt(data[srcOff:srcOff+n], dstOff); err != nil {
			return err
		}
	}
	return nil
}

// ReadPiece reads and returns the content of piece index, using the
// shortened length for the final piece.
func (fm *FileMap) ReadPiece(index uint32) ([]byte, error) {
	start, end := fm.pieceRange(index)
	buf := make([]byte, end-start)
	if err := fm.readRange(start, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (fm *FileMap) readRange(absStart int64, buf []byte) error {
	absEnd := absStart + int64(len(buf))
	for i, mf := range fm.info.Files {
		fileStart := mf.Offset
		fileEnd := mf.Offset + mf.Length
		if fileEnd <= absStart || fileStart >= absEnd {
			continue
		}
		lo := maxInt64(absStart, fileStart)
		hi := minInt64(absEnd, fileEnd)
		dstOff := lo - absStart
		srcOff := lo - fileStart
		n := hi - lo
		if _, err := fm.files[i].ReadAt(buf[dstOff:dstOff+n], srcOff); err != nil {
			return err
		}
	}
	return nil
}

// VerifyAll reads and hashes every piece, returning the set of valid and
// invalid piece indexes. A piece whose read fails is reported invalid.
func (fm *FileMap) VerifyAll() (valid map[uint32]bool, invalid map[uint32]bool) {
	valid = make(map[uint32]bool)
	invalid = make(map[uint32]bool)
	for i := uint32(0); i < fm.info.NumPieces; i++ {
		data, err := fm.ReadPiece(i)
		if err != nil {
			invalid[i] = true
			continue
		}
		sum := sha1.Sum(data) // nolint:gosec
		if bytes.Equal(sum[:], fm.info.Pieces[i][:]) {
			valid[i] = true
		} else {
			invalid[i] = true
		}
	}
	return valid, invalid
}

// FileProgress returns, for each file (by index into info.Files), the
// number of bytes covered by the given completed-piece set.
func (fm *FileMap) FileProgress(completed map[uint32]bool) []int64 {
	out := make([]int64, len(fm.info.Files))
	for i, mf := range fm.info.Files {
		fileStart, fileEnd := mf.Offset, mf.Offset+mf.Length
		var sum int64
		for idx := range completed {
			if !completed[idx] {
				continue
			}
			pStart, pEnd := fm.pieceRange(idx)
			lo := maxInt64(pStart, fileStart)
			hi := minInt64(pEnd, fileEnd)
			if hi > lo {
				sum += hi - lo
			}
		}
		out[i] = sum
	}
	return out
}

// Close closes every underlying file.
func (fm *FileMap) Close() error {
	var first error
	for _, f := range fm.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
