package engine

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	btswarm "github.com/kagenova/btswarm"
	"github.com/kagenova/btswarm/internal/acceptor"
	"github.com/kagenova/btswarm/internal/addrlist"
	"github.com/kagenova/btswarm/internal/allocator"
	"github.com/kagenova/btswarm/internal/announcer"
	"github.com/kagenova/btswarm/internal/bitfield"
	"github.com/kagenova/btswarm/internal/blocklist"
	"github.com/kagenova/btswarm/internal/dht"
	"github.com/kagenova/btswarm/internal/downloader/piecedownloader"
	"github.com/kagenova/btswarm/internal/eventbus"
	"github.com/kagenova/btswarm/internal/handshaker/incominghandshaker"
	"github.com/kagenova/btswarm/internal/handshaker/outgoinghandshaker"
	"github.com/kagenova/btswarm/internal/infodownloader"
	"github.com/kagenova/btswarm/internal/logger"
	"github.com/kagenova/btswarm/internal/metainfo"
	"github.com/kagenova/btswarm/internal/peer"
	"github.com/kagenova/btswarm/internal/piece"
	"github.com/kagenova/btswarm/internal/piecepicker"
	"github.com/kagenova/btswarm/internal/piecewriter"
	"github.com/kagenova/btswarm/internal/resumer"
	"github.com/kagenova/btswarm/internal/storage"
	"github.com/kagenova/btswarm/internal/throttler"
	"github.com/kagenova/btswarm/internal/tracker"
	"github.com/kagenova/btswarm/internal/uploader"
	"github.com/kagenova/btswarm/internal/verifier"
	metrics "github.com/rcrowley/go-metrics"
)

// torrent is the swarm owner goroutine's private state. Every field
// below is read and written only from run(), except where noted; all
// outside access goes through the command channels.
type torrent struct {
	id     string
	config *btswarm.Config
	log    logger.Logger
	emitter eventbus.Emitter

	infoHash [20]byte
	peerID   [20]byte
	name     string
	port     int

	trackers []tracker.Tracker
	resume   resumer.Resumer
	blocklist *blocklist.Blocklist
	throttler *throttler.Throttler

	storage storage.Storage
	fileMap *storage.FileMap

	info     *metainfo.Info
	bitfield *bitfield.Bitfield
	pieces   []*piece.Piece

	piecePicker *piecepicker.PiecePicker

	peerDisconnectedC chan *peer.Peer
	pieceMessages     chan pieceMessage
	blockPieceMessages chan pieceMessage
	messages          chan peerMessage

	peers         map[*peer.Peer]struct{}
	incomingPeers map[*peer.Peer]struct{}
	outgoingPeers map[*peer.Peer]struct{}
	peersSnubbed  map[*peer.Peer]struct{}

	pieceDownloaders        map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloadersSnubbed map[*peer.Peer]*piecedownloader.PieceDownloader
	pieceDownloaderStopC    map[*peer.Peer]chan struct{}
	downloaderDoneC         chan pieceDownloadResult
	downloaderErrC          chan pieceDownloadError

	infoDownloaders        map[*peer.Peer]*infodownloader.InfoDownloader
	infoDownloadersSnubbed map[*peer.Peer]*infodownloader.InfoDownloader

	optimisticUnchokedPeers []*peer.Peer

	chokePeriodDownloaded map[*peer.Peer]int64
	chokePeriodUploaded   map[*peer.Peer]int64

	completeC chan struct{}
	completed bool

	errC      chan error
	lastError error

	closeC chan chan struct{}

	statsCommandC    chan statsRequest
	trackersCommandC chan trackersRequest
	peersCommandC    chan peersRequest
	startCommandC    chan struct{}
	stopCommandC     chan struct{}
	pauseCommandC    chan struct{}
	resumeCommandC   chan struct{}
	addPeersCommandC chan []*net.TCPAddr

	addrsFromTrackers chan []*net.TCPAddr
	dhtPeersC         chan []*net.TCPAddr
	addrList          *addrlist.AddrList

	incomingConnC chan net.Conn
	peerIDs       map[[20]byte]struct{}
	acceptor      *acceptor.Acceptor

	announcers            []*announcer.PeriodicalAnnouncer
	stoppedEventAnnouncer *announcer.StopAnnouncer
	dht                   *dht.DHT
	dhtAnnouncer          *announcer.DHTAnnouncer
	announcerRequestC     chan *announcer.Request

	incomingHandshakers       map[*incominghandshaker.Handshaker]struct{}
	outgoingHandshakers       map[*outgoinghandshaker.Handshaker]struct{}
	incomingHandshakerResultC chan incominghandshaker.Result
	outgoingHandshakerResultC chan outgoinghandshaker.Result

	unchokeTimer            *time.Ticker
	unchokeTimerC           <-chan time.Time
	optimisticUnchokeTimer  *time.Ticker
	optimisticUnchokeTimerC <-chan time.Time

	allocator          *allocator.Allocator
	allocatorResultC   chan allocator.Result
	verifier           *verifier.Verifier
	verifierResultC    chan verifier.Result
	pieceWriter        *piecewriter.Pool
	pieceWriterResultC chan piecewriter.Result
	uploaderPool       *uploader.Pool
	uploaderResultC    chan uploader.Result
	superSeeder        *uploader.SuperSeeder

	resumerStats          resumer.Stats
	seedStartedAt         time.Time
	seedDurationUpdatedAt time.Time

	connectedPeerIPs map[string]struct{}

	piecePool sync.Pool

	resumeWriteTimer  *time.Timer
	resumeWriteTimerC <-chan time.Time

	statsWriteTicker  *time.Ticker
	statsWriteTickerC <-chan time.Time

	speedCounterTicker  *time.Ticker
	speedCounterTickerC <-chan time.Time

	downloadSpeed metrics.EWMA
	uploadSpeed   metrics.EWMA

	st state

	doneC chan struct{}
}

// swarmOptions bundles everything newTorrent needs, in the
// "options struct" style for multi-field constructors.
type swarmOptions struct {
	ID        string
	Config    *btswarm.Config
	InfoHash  [20]byte
	Name      string
	Info      *metainfo.Info
	Bitfield  *bitfield.Bitfield
	Storage   storage.Storage
	Port      int
	Trackers  []tracker.Tracker
	Resumer   resumer.Resumer
	Blocklist *blocklist.Blocklist
	Throttler *throttler.Throttler
	DHT       *dht.DHT
	Stats     resumer.Stats
	Emitter   eventbus.Emitter
}

func newTorrent(o swarmOptions) (*torrent, error) {
	var peerID [20]byte
	copy(peerID[:], "-BS0001-")
	if _, err := rand.Read(peerID[8:]); err != nil {
		return nil, err
	}

	t := &torrent{
		id:                 o.ID,
		config:             o.Config,
		log:                logger.New("swarm " + o.Name),
		emitter:            o.Emitter,
		infoHash:           o.InfoHash,
		peerID:             peerID,
		name:               o.Name,
		port:               o.Port,
		trackers:           o.Trackers,
		resume:             o.Resumer,
		blocklist:          o.Blocklist,
		throttler:          o.Throttler,
		storage:            o.Storage,
		info:               o.Info,
		bitfield:           o.Bitfield,
		dht:                o.DHT,
		resumerStats:       o.Stats,
		peerDisconnectedC:  make(chan *peer.Peer),
		messages:           make(chan peerMessage),
		peers:              make(map[*peer.Peer]struct{}),
		incomingPeers:      make(map[*peer.Peer]struct{}),
		outgoingPeers:      make(map[*peer.Peer]struct{}),
		peersSnubbed:       make(map[*peer.Peer]struct{}),
		pieceDownloaders:        make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloadersSnubbed: make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloaderStopC:    make(map[*peer.Peer]chan struct{}),
		downloaderDoneC:         make(chan pieceDownloadResult),
		downloaderErrC:          make(chan pieceDownloadError),
		infoDownloaders:         make(map[*peer.Peer]*infodownloader.InfoDownloader),
		infoDownloadersSnubbed:  make(map[*peer.Peer]*infodownloader.InfoDownloader),
		chokePeriodDownloaded:   make(map[*peer.Peer]int64),
		chokePeriodUploaded:     make(map[*peer.Peer]int64),
		completeC:               make(chan struct{}),
		errC:                    make(chan error, 1),
		closeC:                  make(chan chan struct{}),
		statsCommandC:           make(chan statsRequest),
		trackersCommandC:        make(chan trackersRequest),
		peersCommandC:           make(chan peersRequest),
		startCommandC:           make(chan struct{}),
		stopCommandC:            make(chan struct{}),
		pauseCommandC:           make(chan struct{}),
		resumeCommandC:          make(chan struct{}),
		addPeersCommandC:        make(chan []*net.TCPAddr),
		addrsFromTrackers:       make(chan []*net.TCPAddr),
		dhtPeersC:               make(chan []*net.TCPAddr),
		addrList:                addrlist.New(2000),
		incomingConnC:           make(chan net.Conn),
		peerIDs:                 make(map[[20]byte]struct{}),
		announcerRequestC:       make(chan *announcer.Request),
		incomingHandshakers:       make(map[*incominghandshaker.Handshaker]struct{}),
		outgoingHandshakers:       make(map[*outgoinghandshaker.Handshaker]struct{}),
		incomingHandshakerResultC: make(chan incominghandshaker.Result),
		outgoingHandshakerResultC: make(chan outgoinghandshaker.Result),
		allocatorResultC:          make(chan allocator.Result, 1),
		verifierResultC:           make(chan verifier.Result, 1),
		pieceWriterResultC:        make(chan piecewriter.Result, 8),
		uploaderResultC:           make(chan uploader.Result, 8),
		connectedPeerIPs:          make(map[string]struct{}),
		downloadSpeed:             metrics.NewEWMA1(),
		uploadSpeed:               metrics.NewEWMA1(),
		st:                        Idle,
		doneC:                     make(chan struct{}),
	}
	t.pieceMessages = make(chan pieceMessage)
	if o.Config.SuperSeeding {
		t.superSeeder = uploader.NewSuperSeeder()
	}
	acc, err := acceptor.New(o.Port)
	if err != nil {
		return nil, err
	}
	t.acceptor = acc
	go t.acceptLoop()
	if t.info != nil {
		if err := t.initInfo(); err != nil {
			return nil, err
		}
	}
	go t.run()
	return t, nil
}

// initInfo sets up the pieces/fileMap/piecePicker once the info
// dictionary is known, either from the start or after a magnet metadata
// fetch completes.
func (t *torrent) initInfo() error {
	t.pieces = make([]*piece.Piece, t.info.NumPieces)
	for i := range t.pieces {
		t.pieces[i] = piece.New(uint32(i), uint32(t.info.PieceLengthAt(i)), t.info.PieceHash(i))
	}
	if t.bitfield == nil {
		t.bitfield = bitfield.New(t.info.NumPieces)
	}
	t.piecePicker = piecepicker.New(t.info.NumPieces)
	for i := uint32(0); i < t.info.NumPieces; i++ {
		if t.bitfield.Test(i) {
			t.piecePicker.MarkComplete(i)
			t.pieces[i].Complete = true
			t.pieces[i].Verified = true
		}
	}
	return nil
}

func (t *torrent) acceptLoop() {
	go t.acceptor.Run()
	for conn := range t.acceptor.Conns() {
		select {
		case t.incomingConnC <- conn:
		case <-t.doneC:
			conn.Close()
		}
	}
}

// Name returns the torrent's display name.
func (t *torrent) Name() string { return t.name }

// InfoHash returns a copy of the 20-byte identity hash.
func (t *torrent) InfoHash() []byte {
	b := make([]byte, 20)
	copy(b, t.infoHash[:])
	return b
}

func (t *torrent) Start() {
	select {
	case t.startCommandC <- struct{}{}:
	case <-t.doneC:
	}
}

func (t *torrent) Stop() {
	select {
	case t.stopCommandC <- struct{}{}:
	case <-t.doneC:
	}
}

func (t *torrent) Pause() {
	select {
	case t.pauseCommandC <- struct{}{}:
	case <-t.doneC:
	}
}

func (t *torrent) Resume() {
	select {
	case t.resumeCommandC <- struct{}{}:
	case <-t.doneC:
	}
}

func (t *torrent) AddPeers(addrs []*net.TCPAddr) {
	select {
	case t.addPeersCommandC <- addrs:
	case <-t.doneC:
	}
}

func (t *torrent) Stats() Stats {
	req := statsRequest{Response: make(chan Stats, 1)}
	select {
	case t.statsCommandC <- req:
		return <-req.Response
	case <-t.doneC:
		return Stats{}
	}
}

func (t *torrent) TrackerStatuses() []TrackerStatus {
	req := trackersRequest{Response: make(chan []TrackerStatus, 1)}
	select {
	case t.trackersCommandC <- req:
		return <-req.Response
	case <-t.doneC:
		return nil
	}
}

func (t *torrent) PeerAddrs() []*net.TCPAddr {
	req := peersRequest{Response: make(chan []*net.TCPAddr, 1)}
	select {
	case t.peersCommandC <- req:
		return <-req.Response
	case <-t.doneC:
		return nil
	}
}

// Close stops the swarm and waits for its owner goroutine to exit.
func (t *torrent) Close() {
	done := make(chan struct{})
	select {
	case t.closeC <- done:
		<-done
	case <-t.doneC:
	}
}
