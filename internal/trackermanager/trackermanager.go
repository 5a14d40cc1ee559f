// Package trackermanager implements the multi-tracker failover policy of
// Each known endpoint carries a WORKING/WARNING/ERROR health
// state and an empirical success rate; Announce tries endpoints in health
// order until one returns a non-empty peer list.
package trackermanager

import (
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/kagenova/btswarm/internal/blocklist"
	"github.com/kagenova/btswarm/internal/tracker"
)

// Health is an endpoint's current standing.
type Health int

const (
	Working Health = iota
	Warning
	Error
)

const (
	warningThreshold = 2
	errorThreshold   = 5
	errorRetryCooldown = 5 * time.Minute
)

type entry struct {
	t                tracker.Tracker
	health           Health
	consecutiveFails int
	successes        int
	attempts         int
	lastErrorAt      time.Time
}

// TrackerManager caches one Tracker per announce URL and tracks its
// health across calls, so repeated announces to the same swarm reuse
// both the transport and its accumulated health state.
type TrackerManager struct {
	mu        sync.Mutex
	endpoints map[string]*entry
	blocklist *blocklist.Blocklist

	httpTimeout   time.Duration
	httpUserAgent string
}

// New returns a TrackerManager holding bl, the engine's shared ban list.
// Tracker addresses are not checked against bl: Get and Announce contact
// every URL they are given.
func New(bl *blocklist.Blocklist, httpTimeout time.Duration, httpUserAgent string) *TrackerManager {
	return &TrackerManager{
		endpoints:     make(map[string]*entry),
		blocklist:     bl,
		httpTimeout:   httpTimeout,
		httpUserAgent: httpUserAgent,
	}
}

// Get returns (creating if necessary) the Tracker for rawURL.
func (m *TrackerManager) Get(rawURL string) (tracker.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.endpoints[rawURL]; ok {
		return e.t, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	var t tracker.Tracker
	switch u.Scheme {
	case "http", "https":
		t = tracker.NewHTTPTracker(rawURL, m.httpTimeout, m.httpUserAgent)
	case "udp":
		t, err = tracker.NewUDPTracker(rawURL)
		if err != nil {
			return nil, err
		}
	default:
		return nil, tracker.ErrUnsupportedScheme
	}
	m.endpoints[rawURL] = &entry{t: t}
	return t, nil
}

// Announce tries urls in health-rank order (WORKING before WARNING before
// ERROR, ties broken by higher empirical success rate), stopping at the
// first that returns a non-empty peer list. ERROR endpoints more than
// errorRetryCooldown old are retried; fresher ones are skipped entirely.
func (m *TrackerManager) Announce(urls []string, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	ordered := m.rank(urls)
	var lastErr error
	for _, rawURL := range ordered {
		t, err := m.Get(rawURL)
		if err != nil {
			lastErr = err
			continue
		}
		resp, err := t.Announce(req)
		if err != nil {
			m.recordFailure(rawURL)
			lastErr = err
			continue
		}
		m.recordSuccess(rawURL)
		if len(resp.Peers) > 0 {
			return resp, nil
		}
	}
	return nil, lastErr
}

type scoredEndpoint struct {
	url  string
	h    Health
	rate float64
}

func (m *TrackerManager) rank(urls []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []scoredEndpoint
	for _, u := range urls {
		e, ok := m.endpoints[u]
		if !ok {
			list = append(list, scoredEndpoint{url: u, h: Working, rate: 1})
			continue
		}
		if e.health == Error && time.Since(e.lastErrorAt) < errorRetryCooldown {
			continue
		}
		rate := 1.0
		if e.attempts > 0 {
			rate = float64(e.successes) / float64(e.attempts)
		}
		list = append(list, scoredEndpoint{url: u, h: e.health, rate: rate})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].h != list[j].h {
			return list[i].h < list[j].h
		}
		return list[i].rate > list[j].rate
	})
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.url
	}
	return out
}

func (m *TrackerManager) recordSuccess(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.endpoints[url]
	if e == nil {
		return
	}
	e.attempts++
	e.successes++
	e.consecutiveFails = 0
	e.health = Working
}

func (m *TrackerManager) recordFailure(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.endpoints[url]
	if e == nil {
		return
	}
	e.attempts++
	e.consecutiveFails++
	e.lastErrorAt = time.Now()
	switch {
	case e.consecutiveFails >= errorThreshold:
		e.health = Error
	case e.consecutiveFails >= warningThreshold:
		e.health = Warning
	}
}
