// Package announcer drives periodic tracker and DHT announces for one
// swarm: a small goroutine per tracker that pulls the torrent's current
// stats through a request/response channel rather than touching swarm
// state directly, and pushes discovered peer addresses back to the
// swarm owner goroutine.
package announcer

import (
	"math/rand"
	"net"
	"time"

	"github.com/kagenova/btswarm/internal/dht"
	"github.com/kagenova/btswarm/internal/logger"
	"github.com/kagenova/btswarm/internal/tracker"
)

// Torrent is the subset of swarm state an announce request needs. The
// swarm owner goroutine fills this in when it answers a Request.
type Torrent struct {
	InfoHash        [20]byte
	PeerID          [20]byte
	Port            int
	BytesDownloaded int64
	BytesUploaded   int64
	BytesLeft       int64
}

// Request is sent by an announcer to the swarm owner goroutine to ask
// for the current torrent stats to announce. Response or Cancel is
// always eventually readable, whichever the owner chooses.
type Request struct {
	Response chan Response
	Cancel   chan struct{}
}

// Response answers a Request.
type Response struct {
	Torrent Torrent
}

// minInterval bounds how often a tracker is re-announced even if it
// asked for a shorter interval, to avoid hammering a misbehaving one.
const minInterval = 15 * time.Second

// PeriodicalAnnouncer announces to a single tracker on its own timer,
// honoring the interval the tracker returns, until Close is called.
type PeriodicalAnnouncer struct {
	Tracker       tracker.Tracker
	requestC      chan *Request
	peersC        chan<- []*net.TCPAddr
	completedC    <-chan struct{}
	needMorePeers chan bool
	closeC        chan struct{}
	doneC         chan struct{}
	log           logger.Logger
}

// New starts a periodical announcer for trk. requestC is used to ask
// the owner for current stats; peersC receives announce results;
// completedC, if non-nil, is closed once the swarm's download
// completes (triggering an immediate Completed-event announce).
func New(trk tracker.Tracker, requestC chan *Request, completedC <-chan struct{}, peersC chan<- []*net.TCPAddr, log logger.Logger) *PeriodicalAnnouncer {
	a := &PeriodicalAnnouncer{
		Tracker:       trk,
		requestC:      requestC,
		peersC:        peersC,
		completedC:    completedC,
		needMorePeers: make(chan bool),
		closeC:        make(chan struct{}),
		doneC:         make(chan struct{}),
		log:           log,
	}
	go a.run()
	return a
}

// NeedMorePeers signals the announcer that the swarm wants more peers
// urgently; the next tick is scheduled sooner rather than waiting out
// the full interval.
func (a *PeriodicalAnnouncer) NeedMorePeers(val bool) {
	select {
	case a.needMorePeers <- val:
	case <-a.doneC:
	}
}

// Close stops the announcer. It does not itself send a Stopped event;
// callers that need one use StopAnnouncer instead.
func (a *PeriodicalAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}

func (a *PeriodicalAnnouncer) run() {
	defer close(a.doneC)
	var urgent bool
	interval := minInterval
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			next := a.announceOnce(tracker.EventNone)
			if next < minInterval {
				next = minInterval
			}
			interval = next
			if urgent {
				interval = minInterval
				urgent = false
			}
			timer.Reset(interval)
		case v := <-a.needMorePeers:
			urgent = v
			if urgent {
				timer.Reset(0)
			}
		case <-a.completedC:
			a.announceOnce(tracker.EventCompleted)
			a.completedC = nil
		case <-a.closeC:
			return
		}
	}
}

// announceOnce performs a single announce and returns the interval the
// tracker asked for next, or a jittered default on failure.
func (a *PeriodicalAnnouncer) announceOnce(event tracker.Event) time.Duration {
	req := &Request{Response: make(chan Response), Cancel: make(chan struct{})}
	defer close(req.Cancel)
	select {
	case a.requestC <- req:
	case <-a.closeC:
		return minInterval
	}
	var resp Response
	select {
	case resp = <-req.Response:
	case <-a.closeC:
		return minInterval
	}
	annReq := tracker.AnnounceRequest{
		InfoHash:   resp.Torrent.InfoHash,
		PeerID:     resp.Torrent.PeerID,
		Port:       resp.Torrent.Port,
		Uploaded:   resp.Torrent.BytesUploaded,
		Downloaded: resp.Torrent.BytesDownloaded,
		Left:       resp.Torrent.BytesLeft,
		Event:      event,
		NumWant:    50,
	}
	out, err := a.Tracker.Announce(annReq)
	if err != nil {
		a.log.Debugln("announce error:", err)
		return jitter(minInterval * 2)
	}
	select {
	case a.peersC <- out.Peers:
	case <-a.closeC:
	}
	if out.Interval <= 0 {
		return jitter(minInterval * 4)
	}
	return out.Interval
}

func jitter(d time.Duration) time.Duration {
	delta := time.Duration(rand.Int63n(int64(d) / 4))
	return d + delta
}

// StopAnnouncer sends a single Stopped-event announce to every tracker
// in parallel, then closes done once all have returned (or timed out).
type StopAnnouncer struct {
	done chan struct{}
}

// NewStopAnnouncer fires a Stopped announce at every tracker using req
// for current stats. The returned StopAnnouncer's Close returns once all
// have finished or timeout elapses.
func NewStopAnnouncer(trackers []tracker.Tracker, req Torrent, timeout time.Duration, log logger.Logger) *StopAnnouncer {
	s := &StopAnnouncer{done: make(chan struct{})}
	go s.run(trackers, req, timeout, log)
	return s
}

func (s *StopAnnouncer) run(trackers []tracker.Tracker, t Torrent, timeout time.Duration, log logger.Logger) {
	defer close(s.done)
	resultC := make(chan struct{}, len(trackers))
	for _, trk := range trackers {
		go func(trk tracker.Tracker) {
			_, err := trk.Announce(tracker.AnnounceRequest{
				InfoHash:   t.InfoHash,
				PeerID:     t.PeerID,
				Port:       t.Port,
				Uploaded:   t.BytesUploaded,
				Downloaded: t.BytesDownloaded,
				Left:       t.BytesLeft,
				Event:      tracker.EventStopped,
			})
			if err != nil {
				log.Debugln("stopped announce error:", err)
			}
			resultC <- struct{}{}
		}(trk)
	}
	deadline := time.After(timeout)
	for i := 0; i < len(trackers); i++ {
		select {
		case <-resultC:
		case <-deadline:
			return
		}
	}
}

// Close blocks until the stop announces have completed or timed out.
func (s *StopAnnouncer) Close() {
	<-s.done
}

// DHTAnnouncer periodically asks the engine's shared DHT node to look
// up peers for one torrent's info hash, on its own timer.
type DHTAnnouncer struct {
	needMorePeers chan bool
	closeC        chan struct{}
	doneC         chan struct{}
}

// NewDHTAnnouncer starts a DHT announce loop for infoHash on node,
// ticking at interval and re-requesting sooner when NeedMorePeers(true)
// is called.
func NewDHTAnnouncer(node *dht.DHT, infoHash [20]byte, interval time.Duration) *DHTAnnouncer {
	a := &DHTAnnouncer{
		needMorePeers: make(chan bool),
		closeC:        make(chan struct{}),
		doneC:         make(chan struct{}),
	}
	go a.run(node, infoHash, interval)
	return a
}

func (a *DHTAnnouncer) run(node *dht.DHT, infoHash [20]byte, interval time.Duration) {
	defer close(a.doneC)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			node.PeersRequest(dht.NodeID(infoHash))
			timer.Reset(interval)
		case v := <-a.needMorePeers:
			if v {
				timer.Reset(0)
			}
		case <-a.closeC:
			return
		}
	}
}

// NeedMorePeers signals the announcer to look up peers sooner.
func (a *DHTAnnouncer) NeedMorePeers(val bool) {
	select {
	case a.needMorePeers <- val:
	case <-a.doneC:
	}
}

// Close stops the DHT announce loop.
func (a *DHTAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}
