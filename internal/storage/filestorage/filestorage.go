// Package filestorage is the on-disk storage.Storage implementation:
// each torrent file lives at <dest>/<relative path>, created or resized to
// its declared length on Open.
package filestorage

import (
	"os"
	"path/filepath"

	"github.com/kagenova/btswarm/internal/storage"
)

// FileStorage roots every opened file under a destination directory.
type FileStorage struct {
	dest string
}

// New returns a FileStorage rooted at dest, creating the directory if
// necessary.
func New(dest string) (*FileStorage, error) {
	if err := os.MkdirAll(dest, 0750); err != nil {
		return nil, err
	}
	return &FileStorage{dest: dest}, nil
}

// Dest returns the storage root.
func (s *FileStorage) Dest() string { return s.dest }

// Open creates or resizes the file at relativePath so its size equals
// length, then returns a handle able to read/write arbitrary byte ranges.
func (s *FileStorage) Open(relativePath string, length int64) (storage.File, error) {
	full := filepath.Join(s.dest, filepath.FromSlash(relativePath))
	if err := os.MkdirAll(filepath.Dir(full), 0750); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0640)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != length {
		if err := f.Truncate(length); err != nil {
			f.Close()
			return nil, err
		}
		if fi.Size() == 0 {
			if err := preallocate(f, length); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	return &file{f: f, name: relativePath, length: length}, nil
}

type file struct {
	f      *os.File
	name   string
	length int64
}

func (fl *file) ReadAt(p []byte, off int64) (int, error)  { return fl.f.ReadAt(p, off) }
func (fl *file) WriteAt(p []byte, off int64) (int, error) { return fl.f.WriteAt(p, off) }
func (fl *file) Close() error                             { return fl.f.Close() }
func (fl *file) Name() string                             { return fl.name }
func (fl *file) Length() int64                            { return fl.length }
