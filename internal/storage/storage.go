// Package storage maps a torrent's linear byte range onto one or more
// files, preallocates them, and serves spanning reads/writes and bulk
// verification against piece hashes.
package storage

import "io"

// File is a single on-disk file backing part of a torrent's content.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Name() string
	Length() int64
}

// Storage opens/creates files rooted at some destination, sized to length.
// If a file already exists with the wrong size it is truncated or extended
// to match.
type Storage interface {
	Open(relativePath string, length int64) (File, error)
	Dest() string
}
