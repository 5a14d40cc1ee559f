// Package metainfo support for reading and writing torrent files.
package metainfo

import (
	"crypto/sha1" // nolint:gosec // identity hash is SHA-1 by protocol definition
	"errors"
	"io"

	zbencode "github.com/zeebo/bencode"

	"github.com/kagenova/btswarm/internal/bencode"
)

// MetaInfo file dictionary.
type MetaInfo struct {
	Info         *Info               `bencode:"-"`
	RawInfo      zbencode.RawMessage `bencode:"info" json:"-"`
	Announce     string              `bencode:"announce"`
	AnnounceList [][]string          `bencode:"announce-list"`
	CreationDate int64               `bencode:"creation date"`
	Comment      string              `bencode:"comment"`
	CreatedBy    string              `bencode:"created by"`
	Encoding     string              `bencode:"encoding"`
}

// File describes one file inside a multi-file torrent, with its linear
// offset into the concatenated content.
type File struct {
	Path   []string
	Length int64
	Offset int64
}

// Info is the parsed, immutable "info" sub-dictionary plus the derived
// TorrentIdentity.
type Info struct {
	Hash        [20]byte
	Bytes       []byte // canonical re-encoding of the info dictionary
	Name        string
	PieceLength int64
	Pieces      [][20]byte
	NumPieces   uint32
	Length      int64 // total content length
	Files       []File
	Private     bool
	InfoSize    uint32 // len(Bytes), used for metadata-extension transfer
}

var (
	errNoInfoDict      = errors.New("metainfo: no info dict in torrent file")
	errMissingField    = errors.New("metainfo: missing required field")
	errInvalidPieceLen = errors.New("metainfo: piece hashes length is not a multiple of 20")
	errEmptyFiles      = errors.New("metainfo: files list is empty")
	errNonPositiveLen  = errors.New("metainfo: length must be positive")
)

// New decodes a metainfo stream and parses the info dictionary.
func New(r io.Reader) (*MetaInfo, error) {
	var m MetaInfo
	if err := zbencode.NewDecoder(r).Decode(&m); err != nil {
		return nil, err
	}
	if len(m.RawInfo) == 0 {
		return nil, errNoInfoDict
	}
	info, err := NewInfo(m.RawInfo)
	if err != nil {
		return nil, err
	}
	m.Info = info
	return &m, nil
}

// NewInfo parses a raw bencoded info dictionary: computes the canonical
// re-encoding and its SHA-1 identity, splits the pieces string, and builds
// the single-file or multi-file File list with linear offsets.
func NewInfo(raw []byte) (*Info, error) {
	v, err := bencode.Decode(raw)
	if err != nil {
		return nil, err
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return nil, errMissingField
	}
	canonical := bencode.Encode(d)

	name, _ := stringField(d, "name")
	pieceLength, ok := intField(d, "piece length")
	if !ok || pieceLength <= 0 {
		return nil, errMissingField
	}
	piecesRaw, ok := stringField(d, "pieces")
	if !ok {
		return nil, errMissingField
	}
	if len(piecesRaw)%20 != 0 {
		return nil, errInvalidPieceLen
	}
	numPieces := len(piecesRaw) / 20
	pieces := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieces[i][:], piecesRaw[i*20:i*20+20])
	}
	private := false
	if pv, ok := intField(d, "private"); ok && pv == 1 {
		private = true
	}

	var files []File
	var total int64
	if length, ok := intField(d, "length"); ok {
		// Single-file form.
		if length <= 0 {
			return nil, errNonPositiveLen
		}
		files = []File{{Path: []string{name}, Length: length, Offset: 0}}
		total = length
	} else if fv, ok := d["files"]; ok {
		list, ok := fv.(bencode.List)
		if !ok || len(list) == 0 {
			return nil, errEmptyFiles
		}
		var offset int64
		for _, item := range list {
			fd, ok := item.(bencode.Dict)
			if !ok {
				return nil, errMissingField
			}
			flen, ok := intField(fd, "length")
			if !ok || flen <= 0 {
				return nil, errNonPositiveLen
			}
			pathList, ok := fd["path"].(bencode.List)
			if !ok || len(pathList) == 0 {
				return nil, errMissingField
			}
			path := make([]string, len(pathList))
			for i, p := range pathList {
				s, ok := p.(bencode.String)
				if !ok {
					return nil, errMissingField
				}
				path[i] = string(s)
			}
			files = append(files, File{Path: path, Length: flen, Offset: offset})
			offset += flen
		}
		total = offset
	} else {
		return nil, errMissingField
	}

	info := &Info{
		Hash:        sha1.Sum(canonical),
		Bytes:       canonical,
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		NumPieces:   uint32(numPieces),
		Length:      total,
		Files:       files,
		Private:     private,
		InfoSize:    uint32(len(canonical)),
	}
	return info, nil
}

func stringField(d bencode.Dict, key string) (string, bool) {
	v, ok := d[key]
	if !ok {
		return "", false
	}
	s, ok := v.(bencode.String)
	if !ok {
		return "", false
	}
	return string(s), true
}

func intField(d bencode.Dict, key string) (int64, bool) {
	v, ok := d[key]
	if !ok {
		return 0, false
	}
	i, ok := v.(bencode.Int)
	if !ok {
		return 0, false
	}
	return int64(i), true
}

// GetTrackers flattens Announce + AnnounceList into a single ordered,
// deduplicated tracker URL list with the primary announce URL first.
func (m *MetaInfo) GetTrackers() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}
	return out
}

// PieceHash returns the expected SHA-1 hash for piece index i.
func (info *Info) PieceHash(i int) [20]byte {
	return info.Pieces[i]
}

// PieceLengthAt returns the length of piece i, accounting for the
// shortened final piece.
func (info *Info) PieceLengthAt(i int) int64 {
	if i < 0 || uint32(i) >= info.NumPieces {
		return 0
	}
	if uint32(i) == info.NumPieces-1 {
		return info.Length - info.PieceLength*int64(i)
	}
	return info.PieceLength
}
