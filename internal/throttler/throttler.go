// Package throttler implements the token-bucket rate limiter and global
// fair-share allocation: a refill tick adds tokens
// up to the configured limit, grants are capped at what's available, and
// callers left without tokens are enqueued and woken on the next refill.
package throttler

import (
	"sync"
	"time"
)

// RefillInterval is the bucket's tick Δ.
const RefillInterval = 100 * time.Millisecond

// bucket is a single token-bucket; capacity equals the per-second limit,
// refilled proportionally every RefillInterval.
type bucket struct {
	mu        sync.Mutex
	limit     int64 // bytes/sec; 0 means unlimited
	tokens    int64
	waiters   []chan int64
}

func newBucket() *bucket {
	return &bucket{}
}

func (b *bucket) setLimit(limit int64) {
	b.mu.Lock()
	b.limit = limit
	b.mu.Unlock()
}

// request returns a grant <= n, 0 if unlimited grants n immediately, or
// enqueues the caller until the next refill if no tokens are available.
func (b *bucket) request(n int64) int64 {
	b.mu.Lock()
	if b.limit <= 0 {
		b.mu.Unlock()
		return n
	}
	if b.tokens > 0 {
		grant := n
		if grant > b.tokens {
			grant = b.tokens
		}
		b.tokens -= grant
		b.mu.Unlock()
		return grant
	}
	ch := make(chan int64, 1)
	b.waiters = append(b.waiters, ch)
	b.mu.Unlock()
	return <-ch
}

func (b *bucket) currentLimit() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit
}

func (b *bucket) refill() {
	b.mu.Lock()
	if b.limit > 0 {
		add := b.limit * int64(RefillInterval) / int64(time.Second)
		if add == 0 {
			add = 1
		}
		b.tokens += add
		if b.tokens > b.limit {
			b.tokens = b.limit
		}
	}
	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()
	for _, w := range waiters {
		w <- 0 // partial grants on the next tick; waiters re-request.
	}
}

// cancelAll wakes every pending waiter with a zero grant, used on
// shutdown or suspension cancellation.
func (b *bucket) cancelAll() {
	b.mu.Lock()
	waiters := b.waiters
	b.waiters = nil
	b.mu.Unlock()
	for _, w := range waiters {
		w <- 0
	}
}

// Throttler is the global rate limiter shared by every swarm in the
// engine; each swarm registers with a weight and gets an effective limit
// of min(per-swarm cap, fair share).
type Throttler struct {
	download *bucket
	upload   *bucket

	mu      sync.Mutex
	weights map[string]int64
	caps    map[string]int64
	stopC   chan struct{}
}

// New starts a Throttler with the given global download/upload limits in
// bytes/sec (0 = unlimited) and begins its refill ticker.
func New(globalDownload, globalUpload int64) *Throttler {
	t := &Throttler{
		download: newBucket(),
		upload:   newBucket(),
		weights:  make(map[string]int64),
		caps:     make(map[string]int64),
		stopC:    make(chan struct{}),
	}
	t.download.setLimit(globalDownload)
	t.upload.setLimit(globalUpload)
	go t.run()
	return t
}

func (t *Throttler) run() {
	ticker := time.NewTicker(RefillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.download.refill()
			t.upload.refill()
		case <-t.stopC:
			t.download.cancelAll()
			t.upload.cancelAll()
			return
		}
	}
}

// Register adds swarm id with weight (relative share) and a per-swarm
// cap (0 = uncapped); recomputing fair shares is a bookkeeping concern
// only — enforcement happens in RequestDownload/RequestUpload below via
// the shared global buckets, matching the global-mutual-exclusion design
// this package is responsible for.
func (t *Throttler) Register(id string, weight, cap int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if weight <= 0 {
		weight = 1
	}
	t.weights[id] = weight
	t.caps[id] = cap
}

// Deregister removes a swarm's registration.
func (t *Throttler) Deregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.weights, id)
	delete(t.caps, id)
}

// FairShare returns id's current proportional share of the global limit,
// or globalLimit itself if id isn't registered or the limit is 0
// (unlimited).
func (t *Throttler) FairShare(id string, globalLimit int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.weights[id]
	if !ok || globalLimit <= 0 {
		return globalLimit
	}
	var total int64
	for _, wt := range t.weights {
		total += wt
	}
	if total == 0 {
		return globalLimit
	}
	share := globalLimit * w / total
	if cap := t.caps[id]; cap > 0 && share > cap {
		return cap
	}
	return share
}

// RequestDownload asks the global download bucket for up to n bytes.
func (t *Throttler) RequestDownload(n int64) int64 { return t.download.request(n) }

// RequestUpload asks the global upload bucket for up to n bytes.
func (t *Throttler) RequestUpload(n int64) int64 { return t.upload.request(n) }

// FairShareDownload returns id's current fair share of the global download
// limit, 0 if unlimited. Callers clamp their RequestDownload grant size to
// this so one swarm can't starve the others of the shared bucket.
func (t *Throttler) FairShareDownload(id string) int64 {
	return t.FairShare(id, t.download.currentLimit())
}

// FairShareUpload returns id's current fair share of the global upload
// limit, 0 if unlimited.
func (t *Throttler) FairShareUpload(id string) int64 {
	return t.FairShare(id, t.upload.currentLimit())
}

// SetLimits updates the global download/upload caps in bytes/sec.
func (t *Throttler) SetLimits(download, upload int64) {
	t.download.setLimit(download)
	t.upload.setLimit(upload)
}

// Close stops the refill ticker and wakes any pending waiters.
func (t *Throttler) Close() {
	close(t.stopC)
}
