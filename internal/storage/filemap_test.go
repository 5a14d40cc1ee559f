package storage

import (
	"bytes"
	"testing"

	"github.com/kagenova/btswarm/internal/metainfo"
)

// memStorage is a trivial in-memory Storage for tests.
type memStorage struct{ files map[string]*memFile }

func newMemStorage() *memStorage { return &memStorage{files: make(map[string]*memFile)} }

func (m *memStorage) Dest() string { return "mem" }

func (m *memStorage) Open(name string, length int64) (File, error) {
	f := &memFile{name: name, data: make([]byte, length)}
	m.files[name] = f
	return f, nil
}

type memFile struct {
	name string
	data []byte
}

func (f *memFile) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, f.data[off:])
	return n, nil
}
func (f *memFile) WriteAt(p []byte, off int64) (int, error) {
	n := copy(f.data[off:], p)
	return n, nil
}
func (f *memFile) Close() error  { return nil }
func (f *memFile) Name() string { return f.name }
func (f *memFile) Length() int64 { return int64(len(f.data)) }

func buildMultiFileInfo() *metainfo.Info {
	return &metainfo.Info{
		Name:        "multi",
		PieceLength: 12,
		Length:      35,
		NumPieces:   3,
		Pieces:      make([][20]byte, 3),
		Files: []metainfo.File{
			{Path: []string{"a"}, Length: 10, Offset: 0},
			{Path: []string{"b"}, Length: 20, Offset: 10},
			{Path: []string{"c"}, Length: 5, Offset: 30},
		},
	}
}

func TestWritePieceSpansFiles(t *testing.T) {
	info := buildMultiFileInfo()
	sto := newMemStorage()
	fm, err := New(info, sto)
	if err != nil {
		t.Fatal(err)
	}
	// Piece 0 covers bytes [0,12): all 10 bytes of a, then 2 bytes of b.
	piece0 := bytes.Repeat([]byte{1}, 12)
	if err := fm.WritePiece(0, piece0); err != nil {
		t.Fatal(err)
	}
	a := sto.files["a"].data
	b := sto.files["b"].data
	if !bytes.Equal(a, bytes.Repeat([]byte{1}, 10)) {
		t.Errorf("a = %v, want ten 1s", a)
	}
	if !bytes.Equal(b[0:2], []byte{1, 1}) {
		t.Errorf("b head = %v, want [1 1]", b[0:2])
	}
}

func TestReadPieceRoundTrip(t *testing.T) {
	info := buildMultiFileInfo()
	sto := newMemStorage()
	fm, _ := New(info, sto)
	content := bytes.Repeat([]byte{7}, 12)
	_ = fm.WritePiece(0, content)
	got, err := fm.ReadPiece(0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("read mismatch")
	}
}

func TestFileProgress(t *testing.T) {
	info := buildMultiFileInfo()
	sto := newMemStorage()
	fm, _ := New(info, sto)
	completed := map[uint32]bool{0: true} // piece 0 = bytes [0,12) -> all of file a (10) + 2 bytes of b
	progress := fm.FileProgress(completed)
	if progress[0] != 10 {
		t.Errorf("file a progress = %d, want 10", progress[0])
	}
	if progress[1] != 2 {
		t.Errorf("file b progress = %d, want 2", progress[1])
	}
	if progress[2] != 0 {
		t.Errorf("file c progress = %d, want 0", progress[2])
	}
}
