// Engine is the multi-swarm registry: it owns the resume database, the
// shared DHT node, the blocklist and the global throttler, and hands
// each swarm its own torrent actor.
package engine

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	homedir "github.com/mitchellh/go-homedir"
	uuid "github.com/satori/go.uuid"

	btswarm "github.com/kagenova/btswarm"
	"github.com/kagenova/btswarm/internal/bitfield"
	"github.com/kagenova/btswarm/internal/blocklist"
	"github.com/kagenova/btswarm/internal/dht"
	"github.com/kagenova/btswarm/internal/eventbus"
	"github.com/kagenova/btswarm/internal/logger"
	"github.com/kagenova/btswarm/internal/magnet"
	"github.com/kagenova/btswarm/internal/metainfo"
	"github.com/kagenova/btswarm/internal/resumer"
	"github.com/kagenova/btswarm/internal/resumer/boltdbresumer"
	"github.com/kagenova/btswarm/internal/storage/filestorage"
	"github.com/kagenova/btswarm/internal/throttler"
	"github.com/kagenova/btswarm/internal/tracker"
	"github.com/kagenova/btswarm/internal/trackermanager"
)

var (
	sessionBucket  = []byte("engine")
	torrentsBucket = []byte("swarms")

	errNoFreePort      = errors.New("engine: no free port in configured range")
	errUnsupportedURI  = errors.New("engine: unsupported uri scheme")
	errAlreadyAdded    = errors.New("engine: a swarm with this info hash is already added")
)

// Swarm is the handle an Engine caller holds for one torrent: the actor
// (*torrent) plus the bookkeeping the registry needs to remove it again.
type Swarm struct {
	engine    *Engine
	torrent   *torrent
	id        string
	port      uint16
	createdAt time.Time
}

// ID returns the swarm's engine-assigned identifier.
func (s *Swarm) ID() string { return s.id }

// CreatedAt returns when this swarm was added to the engine.
func (s *Swarm) CreatedAt() time.Time { return s.createdAt }

func (s *Swarm) Name() string                   { return s.torrent.Name() }
func (s *Swarm) InfoHash() []byte               { return s.torrent.InfoHash() }
func (s *Swarm) Start()                         { s.torrent.Start() }
func (s *Swarm) Stop()                          { s.torrent.Stop() }
func (s *Swarm) Pause()                         { s.torrent.Pause() }
func (s *Swarm) Resume()                        { s.torrent.Resume() }
func (s *Swarm) Stats() Stats                     { return s.torrent.Stats() }
func (s *Swarm) TrackerStatuses() []TrackerStatus { return s.torrent.TrackerStatuses() }

// Remove stops this swarm and deletes it, and its downloaded data, from
// its owning engine.
func (s *Swarm) Remove() error { return s.engine.RemoveSwarm(s.id) }

// Engine is the top-level multi-swarm registry. Create with New, add
// swarms with AddTorrent/AddURI, and Close when done.
type Engine struct {
	config *btswarm.Config
	db     *bolt.DB
	log    logger.Logger

	dht            *dht.DHT
	blocklist      *blocklist.Blocklist
	throttler      *throttler.Throttler
	trackerManager *trackermanager.TrackerManager
	emitter        eventbus.Emitter

	closeC chan struct{}

	mu                sync.RWMutex
	swarms            map[string]*Swarm
	swarmsByInfoHash  map[[20]byte]*Swarm

	portsMu        sync.Mutex
	availablePorts map[uint16]struct{}

	stateDir string
}

// New opens (or creates) the resume database at cfg.Database, brings up
// the shared DHT node if enabled, and reloads every previously added
// swarm from disk without starting it: a swarm only runs again if its
// persisted "started" flag is set.
func New(cfg *btswarm.Config) (*Engine, error) {
	if cfg.PortBegin >= cfg.PortEnd {
		return nil, errors.New("engine: invalid port range")
	}
	if err := bumpOpenFileLimit(cfg.MaxOpenFiles); err != nil {
		return nil, err
	}
	database, err := homedir.Expand(cfg.Database)
	if err != nil {
		return nil, err
	}
	dataDir, err := homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	cfg.Database = database
	cfg.DataDir = dataDir
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0750); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		return nil, err
	}

	l := logger.New("engine")
	db, err := bolt.Open(cfg.Database, 0640, &bolt.Options{Timeout: time.Second})
	if err == bolt.ErrTimeout {
		return nil, errors.New("engine: resume database is locked by another process")
	} else if err != nil {
		return nil, err
	}
	closeDBOnErr := true
	defer func() {
		if closeDBOnErr {
			db.Close()
		}
	}()

	var ids []string
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err2 := tx.CreateBucketIfNotExists(sessionBucket); err2 != nil {
			return err2
		}
		b, err2 := tx.CreateBucketIfNotExists(torrentsBucket)
		if err2 != nil {
			return err2
		}
		return b.ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	var node *dht.DHT
	if cfg.DHTEnabled {
		addr := cfg.DHTAddress + ":" + itoaPort(cfg.DHTPort)
		node, err = dht.New(addr)
		if err != nil {
			return nil, err
		}
		go node.Run()
	}

	ports := make(map[uint16]struct{})
	for p := cfg.PortBegin; p < cfg.PortEnd; p++ {
		ports[p] = struct{}{}
	}

	e := &Engine{
		config:           cfg,
		db:               db,
		log:              l,
		dht:              node,
		blocklist:        blocklist.New(),
		emitter:          eventbus.NopEmitter{},
		closeC:           make(chan struct{}),
		swarms:           make(map[string]*Swarm),
		swarmsByInfoHash: make(map[[20]byte]*Swarm),
		availablePorts:   ports,
		stateDir:         filepath.Join(cfg.DataDir, ".state"),
	}
	e.throttler = throttler.New(cfg.GlobalDownloadSpeedLimit, cfg.GlobalUploadSpeedLimit)
	e.trackerManager = trackermanager.New(e.blocklist, cfg.TrackerHTTPTimeout, cfg.TrackerHTTPUserAgent)

	if err := e.loadExistingSwarms(ids); err != nil {
		return nil, err
	}
	if e.dht != nil {
		go e.pumpDHTResults()
	}
	go e.pumpStateSnapshots()

	closeDBOnErr = false
	return e, nil
}

// SetEmitter replaces the engine's lifecycle event sink; every swarm
// added afterward publishes through it.
func (e *Engine) SetEmitter(em eventbus.Emitter) { e.emitter = em }

func (e *Engine) loadExistingSwarms(ids []string) error {
	var toStart []*Swarm
	for _, id := range ids {
		res, err := boltdbresumer.New(e.db, torrentsBucket, []byte(id))
		if err != nil {
			e.log.Errorln("cannot open resume record:", err)
			continue
		}
		spec, err := res.Read()
		if err != nil {
			e.log.Errorln("cannot read resume record:", err)
			continue
		}
		var info *metainfo.Info
		var bf *bitfield.Bitfield
		private := false
		if len(spec.Info) > 0 {
			info, err = metainfo.NewInfo(spec.Info)
			if err != nil {
				e.log.Errorln("cannot parse persisted info dict:", err)
				continue
			}
			private = info.Private
			if len(spec.Bitfield) > 0 {
				bf, err = bitfield.NewBytes(spec.Bitfield, info.NumPieces)
				if err != nil {
					e.log.Errorln("cannot parse persisted bitfield:", err)
					continue
				}
			}
		}
		sto, err := filestorage.New(spec.Dest)
		if err != nil {
			e.log.Errorln("cannot open storage:", err)
			continue
		}
		var infoHash [20]byte
		copy(infoHash[:], spec.InfoHash)
		node := e.dht
		if private {
			node = nil
		}

		e.portsMu.Lock()
		delete(e.availablePorts, uint16(spec.Port))
		e.portsMu.Unlock()

		t, err := newTorrent(swarmOptions{
			ID:        id,
			Config:    e.config,
			InfoHash:  infoHash,
			Name:      spec.Name,
			Info:      info,
			Bitfield:  bf,
			Storage:   sto,
			Port:      spec.Port,
			Trackers:  e.parseTrackers(spec.Trackers),
			Resumer:   res,
			Blocklist: e.blocklist,
			Throttler: e.throttler,
			DHT:       node,
			Stats:     spec.Stats,
			Emitter:   e.emitter,
		})
		if err != nil {
			e.log.Errorln("cannot start existing swarm:", err)
			e.releasePort(uint16(spec.Port))
			continue
		}
		sw := &Swarm{engine: e, torrent: t, id: id, port: uint16(spec.Port), createdAt: spec.CreatedAt}
		e.throttler.Register(id, 1, 0)
		e.mu.Lock()
		e.swarms[id] = sw
		e.swarmsByInfoHash[infoHash] = sw
		e.mu.Unlock()
		if spec.Started {
			toStart = append(toStart, sw)
		}
	}
	e.log.Infof("loaded %d existing swarms", len(e.swarms))
	for _, sw := range toStart {
		sw.Start()
	}
	return nil
}

func (e *Engine) parseTrackers(urls []string) []tracker.Tracker {
	var out []tracker.Tracker
	for _, u := range urls {
		tr, err := e.trackerManager.Get(u)
		if err != nil {
			e.log.Warningln("cannot parse tracker url:", err)
			continue
		}
		out = append(out, tr)
	}
	return out
}

// AddTorrent adds a swarm from a .torrent file's bencoded bytes.
func (e *Engine) AddTorrent(r io.Reader) (*Swarm, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	_, dup := e.swarmsByInfoHash[mi.Info.Hash]
	e.mu.RUnlock()
	if dup {
		return nil, errAlreadyAdded
	}

	id, port, sto, res, err := e.reserve()
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			e.releasePort(port)
		}
	}()

	node := e.dht
	if mi.Info.Private {
		node = nil
	}
	t, err := newTorrent(swarmOptions{
		ID:        id,
		Config:    e.config,
		InfoHash:  mi.Info.Hash,
		Name:      mi.Info.Name,
		Info:      mi.Info,
		Storage:   sto,
		Port:      int(port),
		Trackers:  e.parseTrackers(mi.GetTrackers()),
		Resumer:   res,
		Blocklist: e.blocklist,
		Throttler: e.throttler,
		DHT:       node,
		Emitter:   e.emitter,
	})
	if err != nil {
		return nil, err
	}

	rspec := &resumer.Spec{
		InfoHash:  mi.Info.Hash[:],
		Info:      mi.Info.Bytes,
		Name:      mi.Info.Name,
		Port:      int(port),
		Dest:      sto.Dest(),
		Trackers:  mi.GetTrackers(),
		CreatedAt: time.Now().UTC(),
	}
	if err := res.Write(rspec); err != nil {
		t.Close()
		return nil, err
	}

	sw := e.register(t, id, port, rspec.CreatedAt, mi.Info.Hash)
	ok = true
	sw.Start()
	return sw, nil
}

// AddURI adds a swarm from an http(s) .torrent URL or a magnet link.
func (e *Engine) AddURI(uri string) (*Swarm, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "http", "https":
		return e.addURL(uri)
	case "magnet":
		return e.addMagnet(uri)
	default:
		return nil, errUnsupportedURI
	}
}

func (e *Engine) addURL(u string) (*Swarm, error) {
	resp, err := http.Get(u) // nolint:gosec // operator-supplied torrent URL, not user-controlled web input
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return e.AddTorrent(resp.Body)
}

func (e *Engine) addMagnet(link string) (*Swarm, error) {
	ma, err := magnet.New(link)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	_, dup := e.swarmsByInfoHash[ma.InfoHash]
	e.mu.RUnlock()
	if dup {
		return nil, errAlreadyAdded
	}

	id, port, sto, res, err := e.reserve()
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			e.releasePort(port)
		}
	}()

	t, err := newTorrent(swarmOptions{
		ID:        id,
		Config:    e.config,
		InfoHash:  ma.InfoHash,
		Name:      ma.Name,
		Storage:   sto,
		Port:      int(port),
		Trackers:  e.parseTrackers(ma.Trackers),
		Resumer:   res,
		Blocklist: e.blocklist,
		Throttler: e.throttler,
		DHT:       e.dht,
		Emitter:   e.emitter,
	})
	if err != nil {
		return nil, err
	}

	rspec := &resumer.Spec{
		InfoHash:  ma.InfoHash[:],
		Name:      ma.Name,
		Port:      int(port),
		Dest:      sto.Dest(),
		Trackers:  ma.Trackers,
		CreatedAt: time.Now().UTC(),
	}
	if err := res.Write(rspec); err != nil {
		t.Close()
		return nil, err
	}

	sw := e.register(t, id, port, rspec.CreatedAt, ma.InfoHash)
	ok = true
	sw.Start()
	return sw, nil
}

// reserve allocates a fresh id, port, resume sub-bucket and storage
// destination for a swarm that is about to be constructed.
func (e *Engine) reserve() (id string, port uint16, sto *filestorage.FileStorage, res *boltdbresumer.Resumer, err error) {
	port, err = e.getPort()
	if err != nil {
		return "", 0, nil, nil, err
	}
	defer func() {
		if err != nil {
			e.releasePort(port)
		}
	}()
	u := uuid.NewV1()
	id = base64.RawURLEncoding.EncodeToString(u[:])
	res, err = boltdbresumer.New(e.db, torrentsBucket, []byte(id))
	if err != nil {
		return "", 0, nil, nil, err
	}
	dest := filepath.Join(e.config.DataDir, id)
	sto, err = filestorage.New(dest)
	if err != nil {
		return "", 0, nil, nil, err
	}
	return id, port, sto, res, nil
}

func (e *Engine) register(t *torrent, id string, port uint16, createdAt time.Time, infoHash [20]byte) *Swarm {
	sw := &Swarm{engine: e, torrent: t, id: id, port: port, createdAt: createdAt}
	e.throttler.Register(id, 1, 0)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.swarms[id] = sw
	e.swarmsByInfoHash[infoHash] = sw
	return sw
}

// RemoveSwarm stops and deletes a swarm, including its downloaded data.
func (e *Engine) RemoveSwarm(id string) error {
	e.mu.Lock()
	sw, ok := e.swarms[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.swarms, id)
	var zero [20]byte
	copy(zero[:], sw.torrent.InfoHash())
	delete(e.swarmsByInfoHash, zero)
	e.mu.Unlock()
	e.throttler.Deregister(id)

	dest := sw.torrent.storage.Dest()
	sw.torrent.Close()
	e.releasePort(sw.port)

	if err := e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(torrentsBucket).DeleteBucket([]byte(id))
	}); err != nil {
		return err
	}
	return os.RemoveAll(dest)
}

// GetSwarm looks up a previously added swarm by id.
func (e *Engine) GetSwarm(id string) (*Swarm, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sw, ok := e.swarms[id]
	return sw, ok
}

// ListSwarms returns every swarm currently registered, in no particular
// order.
func (e *Engine) ListSwarms() []*Swarm {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Swarm, 0, len(e.swarms))
	for _, sw := range e.swarms {
		out = append(out, sw)
	}
	return out
}

// SetGlobalLimits updates the shared download/upload rate caps enforced
// across every swarm; zero means unlimited.
func (e *Engine) SetGlobalLimits(download, upload int64) {
	e.config.GlobalDownloadSpeedLimit = download
	e.config.GlobalUploadSpeedLimit = upload
	e.throttler.SetLimits(download, upload)
}

func (e *Engine) getPort() (uint16, error) {
	e.portsMu.Lock()
	defer e.portsMu.Unlock()
	for p := range e.availablePorts {
		delete(e.availablePorts, p)
		return p, nil
	}
	return 0, errNoFreePort
}

func (e *Engine) releasePort(port uint16) {
	e.portsMu.Lock()
	defer e.portsMu.Unlock()
	e.availablePorts[port] = struct{}{}
}

// pumpDHTResults drains the shared DHT node's per-lookup peer results and
// routes each batch to the one swarm whose info hash matches, since the
// node itself has no notion of which swarm asked for which lookup.
func (e *Engine) pumpDHTResults() {
	for {
		select {
		case res := <-e.dht.PeersRequestResults:
			for ih, peers := range res {
				e.mu.RLock()
				sw, ok := e.swarmsByInfoHash[[20]byte(ih)]
				e.mu.RUnlock()
				if !ok {
					continue
				}
				addrs := parseDHTCompactPeers(peers)
				if len(addrs) == 0 {
					continue
				}
				select {
				case sw.torrent.dhtPeersC <- addrs:
				case <-sw.torrent.doneC:
				case <-e.closeC:
					return
				}
			}
		case <-e.closeC:
			return
		}
	}
}

func parseDHTCompactPeers(peers []string) []*net.TCPAddr {
	var addrs []*net.TCPAddr
	for _, p := range peers {
		if len(p) != 6 {
			continue
		}
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.IP([]byte(p[:4])),
			Port: int(uint16(p[4])<<8 | uint16(p[5])),
		})
	}
	return addrs
}

// engineSnapshot is the JSON document written under stateDir, a
// lightweight operator-facing view distinct from the boltdb resume
// records (which exist to reconstruct swarms, not to be read by humans).
type engineSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	Swarms      []swarmSnapshot `json:"swarms"`
}

type swarmSnapshot struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stats Stats  `json:"stats"`
}

// pumpStateSnapshots periodically writes a JSON snapshot of every
// swarm's stats to stateDir, for operator tooling that doesn't want to
// poll the RPC-style Stats() calls directly.
func (e *Engine) pumpStateSnapshots() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.writeStateSnapshot()
		case <-e.closeC:
			return
		}
	}
}

func (e *Engine) writeStateSnapshot() {
	if err := os.MkdirAll(e.stateDir, 0750); err != nil {
		e.log.Warningln("cannot create state dir:", err)
		return
	}
	snap := engineSnapshot{GeneratedAt: time.Now()}
	for _, sw := range e.ListSwarms() {
		snap.Swarms = append(snap.Swarms, swarmSnapshot{ID: sw.id, Name: sw.Name(), Stats: sw.Stats()})
	}
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		e.log.Warningln("cannot marshal state snapshot:", err)
		return
	}
	tmp := filepath.Join(e.stateDir, "state.json.tmp")
	final := filepath.Join(e.stateDir, "state.json")
	if err := os.WriteFile(tmp, b, 0640); err != nil {
		e.log.Warningln("cannot write state snapshot:", err)
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		e.log.Warningln("cannot publish state snapshot:", err)
	}
}

// Close stops every swarm concurrently, tears down the DHT node and
// closes the resume database.
func (e *Engine) Close() error {
	close(e.closeC)
	if e.dht != nil {
		e.dht.Close()
	}

	e.mu.Lock()
	var wg sync.WaitGroup
	wg.Add(len(e.swarms))
	for _, sw := range e.swarms {
		go func(sw *Swarm) {
			defer wg.Done()
			sw.torrent.Close()
		}(sw)
	}
	e.swarms = nil
	e.swarmsByInfoHash = nil
	e.mu.Unlock()
	wg.Wait()

	return e.db.Close()
}

func itoaPort(p uint16) string {
	return strconv.Itoa(int(p))
}
