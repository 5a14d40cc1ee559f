package engine

import (
	"net"
	"time"

	"github.com/kagenova/btswarm/internal/allocator"
	"github.com/kagenova/btswarm/internal/announcer"
	"github.com/kagenova/btswarm/internal/eventbus"
	"github.com/kagenova/btswarm/internal/resumer"
)

// start moves an idle or stopped swarm into motion: allocate files (if
// the info dictionary is already known) or wait for it to arrive via a
// magnet metadata fetch.
func (t *torrent) start() {
	if t.st != Idle && t.st != Stopped {
		return
	}
	t.lastError = nil
	if t.info == nil {
		t.setState(FetchingMetadata)
		t.startAnnouncing()
		return
	}
	if t.fileMap == nil {
		t.allocator = allocator.New(t.info, t.storage)
		t.allocatorResultC = t.allocator.ResultC
		go t.allocator.Run()
		t.setState(Checking)
		return
	}
	if t.completed {
		t.setState(Seeding)
	} else {
		t.setState(Downloading)
	}
	t.startAnnouncing()
	t.startTimers()
}

// stop halts all network activity without discarding progress. cause, if
// non-nil, is recorded as the swarm's last error (e.g. a fatal disk
// failure) and the swarm does not resume automatically.
func (t *torrent) stop(cause error) {
	if t.st == Stopped {
		return
	}
	t.lastError = cause
	t.stopAnnouncing()
	t.stopTimers()
	for pe := range t.peers {
		pe.Conn.Close()
	}
	// In-flight handshakes are left to finish on their own; run()'s
	// incomingHandshakerResultC/outgoingHandshakerResultC cases check
	// the swarm's state before promoting a handshake result to a peer.
	if t.pieceWriter != nil {
		t.pieceWriter.Close()
		t.pieceWriter = nil
	}
	if t.uploaderPool != nil {
		t.uploaderPool.Close()
		t.uploaderPool = nil
	}
	_ = t.persistResume()
	t.setState(Stopped)
	if cause != nil {
		t.emit(eventbus.Event{Type: eventbus.EventError})
	}
}

// pause stops network activity but keeps the swarm in a resumable state
// distinct from Stopped, so Resume (not Start) is the way back.
func (t *torrent) pause() {
	if t.st != Downloading && t.st != Seeding && t.st != FetchingMetadata {
		return
	}
	prev := t.st
	t.stop(nil)
	t.st = Paused
	t.lastError = nil
	_ = prev
	t.emit(eventbus.Event{Type: eventbus.EventStateChanged, State: Paused.String()})
}

func (t *torrent) unpause() {
	if t.st != Paused {
		return
	}
	t.st = Stopped
	t.start()
}

func (t *torrent) startAnnouncing() {
	if len(t.announcers) > 0 {
		return
	}
	for _, trk := range t.trackers {
		a := announcer.New(trk, t.announcerRequestC, t.completeC, t.addrsFromTrackers, t.log)
		t.announcers = append(t.announcers, a)
	}
	if t.dht != nil && t.dhtAnnouncer == nil {
		t.dhtAnnouncer = announcer.NewDHTAnnouncer(t.dht, t.infoHash, 5*time.Minute)
		go t.pumpDHTPeers()
	}
}

// pumpDHTPeers is a placeholder pump kept for symmetry with tracker
// announcers; actual DHT peer delivery for this swarm's info hash is fed
// in externally by the engine registry's shared DHT fan-out, which
// writes to dhtPeersC directly.
func (t *torrent) pumpDHTPeers() {}

func (t *torrent) stopAnnouncing() {
	if len(t.announcers) == 0 && t.dhtAnnouncer == nil {
		return
	}
	req := announcer.Torrent{InfoHash: t.infoHash, PeerID: t.peerID, Port: t.port}
	for _, a := range t.announcers {
		a.Close()
	}
	if len(t.trackers) > 0 && t.stoppedEventAnnouncer == nil {
		t.stoppedEventAnnouncer = announcer.NewStopAnnouncer(t.trackers, req, 5*time.Second, t.log)
	}
	t.announcers = nil
	if t.dhtAnnouncer != nil {
		t.dhtAnnouncer.Close()
		t.dhtAnnouncer = nil
	}
}

func (t *torrent) stats() Stats {
	s := Stats{
		InfoHash:        string(t.InfoHash()),
		Name:            t.name,
		State:           t.st.String(),
		BytesDownloaded: t.resumerStats.BytesDownloaded,
		BytesUploaded:   t.resumerStats.BytesUploaded,
		BytesWasted:     t.resumerStats.BytesWasted,
		BytesCompleted:  t.bytesCompleted(),
		DownloadSpeed:   int64(t.downloadSpeed.Rate()),
		UploadSpeed:     int64(t.uploadSpeed.Rate()),
		Peers:           len(t.peers),
		SeededFor:       t.resumerStats.SeededFor,
	}
	if t.info != nil {
		s.BytesTotal = t.info.Length
	}
	if t.lastError != nil {
		s.Error = t.lastError.Error()
	}
	return s
}

func (t *torrent) trackerStatuses() []TrackerStatus {
	out := make([]TrackerStatus, 0, len(t.trackers))
	for _, trk := range t.trackers {
		health := "idle"
		if t.st == Downloading || t.st == Seeding || t.st == FetchingMetadata {
			health = "announcing"
		}
		out = append(out, TrackerStatus{URL: trk.URL(), Health: health})
	}
	return out
}

func (t *torrent) peerAddrs() []*net.TCPAddr {
	out := make([]*net.TCPAddr, 0, len(t.peers))
	for pe := range t.peers {
		if a := pe.Addr(); a != nil {
			out = append(out, a)
		}
	}
	return out
}

// persistResume writes the swarm's current resumable state. A nil
// resumer (e.g. an ephemeral magnet added ad hoc) makes this a no-op.
func (t *torrent) persistResume() error {
	if t.resume == nil {
		return nil
	}
	spec := &resumer.Spec{
		InfoHash:  t.infoHash[:],
		Name:      t.name,
		Port:      t.port,
		Started:   t.st != Idle && t.st != Stopped,
		CreatedAt: time.Now(),
		Stats:     t.resumerStats,
	}
	if t.info != nil {
		spec.Info = t.info.Bytes
	}
	if t.bitfield != nil {
		spec.Bitfield = t.bitfield.Bytes()
	}
	if t.storage != nil {
		spec.Dest = t.storage.Dest()
	}
	trackers := make([]string, len(t.trackers))
	for i, trk := range t.trackers {
		trackers[i] = trk.URL()
	}
	spec.Trackers = trackers
	return t.resume.Write(spec)
}
