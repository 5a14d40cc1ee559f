// Package engine composes every other internal package into the swarm
// orchestrator and the multi-swarm registry on top of it: one owning
// goroutine per swarm drives a select loop over peer messages,
// tracker/DHT results, disk-worker results and timers.
package engine

import (
	"net"
	"time"

	"github.com/kagenova/btswarm/internal/peer"
	"github.com/kagenova/btswarm/internal/peerprotocol"
)

// peerMessage is a non-piece wire message routed to the swarm's owner
// goroutine for handling.
type peerMessage struct {
	Peer    *peer.Peer
	Message peerprotocol.Message
}

// pieceMessage carries a received block on its own channel, separate
// from peerMessage. Block intake is never paused: t.pieceMessages stays
// live while a just-completed piece is being flushed to disk.
type pieceMessage struct {
	Peer  *peer.Peer
	Index uint32
	Begin uint32
	Data  []byte
}

// state is the swarm's lifecycle stage: idle -> fetching-metadata? ->
// checking -> downloading <-> paused -> seeding -> stopped.
type state int

const (
	Idle state = iota
	FetchingMetadata
	Checking
	Downloading
	Paused
	Seeding
	Stopped
)

func (s state) String() string {
	switch s {
	case Idle:
		return "idle"
	case FetchingMetadata:
		return "fetching-metadata"
	case Checking:
		return "checking"
	case Downloading:
		return "downloading"
	case Paused:
		return "paused"
	case Seeding:
		return "seeding"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Stats is the snapshot returned by Swarm.Stats().
type Stats struct {
	InfoHash        string
	Name            string
	State           string
	BytesTotal      int64
	BytesCompleted  int64
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	DownloadSpeed   int64
	UploadSpeed     int64
	Peers           int
	SeededFor       time.Duration
	Error           string
}

type statsRequest struct {
	Response chan Stats
}

type trackersRequest struct {
	Response chan []TrackerStatus
}

// TrackerStatus reports one tracker's current health, for operator
// visibility.
type TrackerStatus struct {
	URL    string
	Health string
}

type peersRequest struct {
	Response chan []*net.TCPAddr
}

// pieceDownloadResult fans a single PieceDownloader's completion back
// into the swarm owner goroutine's select loop.
type pieceDownloadResult struct {
	Peer  *peer.Peer
	Index uint32
	Data  []byte
}

// pieceDownloadError fans a single PieceDownloader's fatal error back to
// the owner goroutine.
type pieceDownloadError struct {
	Peer *peer.Peer
	Err  error
}
