// Package verifier runs the bulk verifyAll disk scan as a single
// background worker, so the swarm owner goroutine is never blocked
// hashing every existing piece on startup ("mark
// pre-existing valid pieces complete").
package verifier

import "github.com/kagenova/btswarm/internal/storage"

// Result carries the outcome of a full-torrent verification pass.
type Result struct {
	Valid   map[uint32]bool
	Invalid map[uint32]bool
}

// Verifier runs VerifyAll on its own goroutine.
type Verifier struct {
	FileMap *storage.FileMap
	ResultC chan Result
}

// New returns a Verifier ready to Run in its own goroutine.
func New(fm *storage.FileMap) *Verifier {
	return &Verifier{FileMap: fm, ResultC: make(chan Result, 1)}
}

// Run scans every piece and posts the valid/invalid sets to ResultC.
func (v *Verifier) Run() {
	valid, invalid := v.FileMap.VerifyAll()
	v.ResultC <- Result{Valid: valid, Invalid: invalid}
}
