// Package boltdbresumer persists per-swarm resume state in a boltdb
// bucket: one sub-bucket per torrent id inside a shared database file.
package boltdbresumer

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/boltdb/bolt"
	"github.com/kagenova/btswarm/internal/resumer"
)

var (
	keyInfoHash  = []byte("info_hash")
	keyInfo      = []byte("info")
	keyBitfield  = []byte("bitfield")
	keyName      = []byte("name")
	keyPort      = []byte("port")
	keyDest      = []byte("dest")
	keyTrackers  = []byte("trackers")
	keyCreatedAt = []byte("created_at")
	keyStarted   = []byte("started")
	keyStats     = []byte("stats")

	// ErrNotFound is returned by Read when no spec has ever been written
	// for this resumer's sub-bucket.
	ErrNotFound = errors.New("boltdbresumer: no resume record")
)

// Resumer reads and writes one torrent's resume record, stored as a
// sub-bucket keyed by id under bucket.
type Resumer struct {
	db     *bolt.DB
	bucket []byte
	id     []byte
}

// New returns a Resumer for id, creating its sub-bucket under bucket if
// it doesn't already exist.
func New(db *bolt.DB, bucket, id []byte) (*Resumer, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		_, err = b.CreateBucketIfNotExists(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Resumer{db: db, bucket: bucket, id: id}, nil
}

// Write persists spec, overwriting any previous record for this id.
func (r *Resumer) Write(spec *resumer.Spec) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.id)
		if err := b.Put(keyInfoHash, spec.InfoHash); err != nil {
			return err
		}
		if len(spec.Info) > 0 {
			if err := b.Put(keyInfo, spec.Info); err != nil {
				return err
			}
		}
		if len(spec.Bitfield) > 0 {
			if err := b.Put(keyBitfield, spec.Bitfield); err != nil {
				return err
			}
		}
		if err := b.Put(keyName, []byte(spec.Name)); err != nil {
			return err
		}
		if err := b.Put(keyPort, itoa(spec.Port)); err != nil {
			return err
		}
		if err := b.Put(keyDest, []byte(spec.Dest)); err != nil {
			return err
		}
		trackers, err := json.Marshal(spec.Trackers)
		if err != nil {
			return err
		}
		if err := b.Put(keyTrackers, trackers); err != nil {
			return err
		}
		createdAt, err := spec.CreatedAt.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(keyCreatedAt, createdAt); err != nil {
			return err
		}
		started := []byte("0")
		if spec.Started {
			started = []byte("1")
		}
		if err := b.Put(keyStarted, started); err != nil {
			return err
		}
		stats, err := json.Marshal(spec.Stats)
		if err != nil {
			return err
		}
		return b.Put(keyStats, stats)
	})
}

// Read loads the persisted spec for this id.
func (r *Resumer) Read() (*resumer.Spec, error) {
	spec := &resumer.Spec{}
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(r.bucket).Bucket(r.id)
		if b == nil {
			return ErrNotFound
		}
		spec.InfoHash = cloneBytes(b.Get(keyInfoHash))
		spec.Info = cloneBytes(b.Get(keyInfo))
		spec.Bitfield = cloneBytes(b.Get(keyBitfield))
		spec.Name = string(b.Get(keyName))
		spec.Port = atoi(b.Get(keyPort))
		spec.Dest = string(b.Get(keyDest))
		if tr := b.Get(keyTrackers); tr != nil {
			json.Unmarshal(tr, &spec.Trackers)
		}
		if ca := b.Get(keyCreatedAt); ca != nil {
			var t time.Time
			if err := t.UnmarshalBinary(ca); err == nil {
				spec.CreatedAt = t
			}
		}
		spec.Started = string(b.Get(keyStarted)) == "1"
		if st := b.Get(keyStats); st != nil {
			json.Unmarshal(st, &spec.Stats)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return spec, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

func itoa(n int) []byte {
	b, _ := json.Marshal(n)
	return b
}

func atoi(b []byte) int {
	var n int
	json.Unmarshal(b, &n)
	return n
}
