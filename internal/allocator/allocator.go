// Package allocator runs file preallocation on its own goroutine: the
// swarm owner hands it the info dictionary and a Storage, it opens and
// sizes every file through storage.New, and the resulting FileMap is
// reported back over a channel.
package allocator

import (
	"github.com/kagenova/btswarm/internal/metainfo"
	"github.com/kagenova/btswarm/internal/storage"
)

// Result is posted once allocation finishes, successfully or not.
type Result struct {
	FileMap *storage.FileMap
	Error   error
}

// Allocator preallocates a single torrent's files on its own goroutine.
type Allocator struct {
	Info    *metainfo.Info
	Storage storage.Storage
	ResultC chan Result
}

// New returns an Allocator ready to Run in its own goroutine.
func New(info *metainfo.Info, sto storage.Storage) *Allocator {
	return &Allocator{Info: info, Storage: sto, ResultC: make(chan Result, 1)}
}

// Run opens/sizes every file and posts the outcome to ResultC.
func (a *Allocator) Run() {
	fm, err := storage.New(a.Info, a.Storage)
	a.ResultC <- Result{FileMap: fm, Error: err}
}
