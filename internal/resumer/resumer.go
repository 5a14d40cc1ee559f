// Package resumer defines the persistence contract every swarm uses to
// survive an engine restart: enough state to resume a download without
// re-fetching metadata or re-verifying completed pieces from scratch.
package resumer

import "time"

// Stats is the subset of a swarm's lifetime counters that must survive a
// restart, read back into the swarm's counters on reload.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Spec is the full persisted record for one swarm.
type Spec struct {
	InfoHash  []byte
	Info      []byte // raw info-dictionary bytes, once known
	Bitfield  []byte // packed completed-piece bitfield
	Name      string
	Port      int
	Dest      string
	Trackers  []string
	CreatedAt time.Time
	Started   bool

	Stats
}

// Resumer is implemented by boltdbresumer.Resumer.
type Resumer interface {
	Read() (*Spec, error)
	Write(spec *Spec) error
}
