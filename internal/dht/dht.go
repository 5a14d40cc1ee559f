// Package dht implements a Kademlia node over UDP (BEP 5): a routing
// table, iterative find_node/get_peers lookups, announce_peer with
// rotating tokens, and a peer-storage map with periodic purging.
//
// A single owning goroutine holds the routing table and peer-storage
// map, reached only through the request channels below, the same
// discipline torrent.run() applies to per-swarm state.
package dht

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand"
	"net"
	"sync"
	"time"

	"github.com/kagenova/btswarm/internal/bencode"
	"github.com/kagenova/btswarm/internal/logger"
)

const (
	alpha             = 3
	k                 = 8
	maxIterations     = 20
	tokenRotation     = 5 * time.Minute
	tokenValidity     = 10 * time.Minute
	peerStorageTTL    = 30 * time.Minute
	queryTimeout      = 5 * time.Second
	maintenancePing   = 10 * time.Minute
	bucketRefresh     = 15 * time.Minute
	peerStoragePurge  = 5 * time.Minute
)

// PeerRecord is one stored peer announcement.
type PeerRecord struct {
	Compact  []byte // 6-byte ip:port record
	FirstSeen time.Time
}

// AnnounceResult is delivered to a caller's waiter once a get_peers-driven
// announce or a plain lookup completes.
type AnnounceResult struct {
	InfoHash NodeID
	Peers    [][]byte
	Nodes    []*Node
}

type pendingTransaction struct {
	waiter chan *message
}

// Node (re-exported type already defined in kbucket.go) plus the actor
// below form the DHT's public surface.

// DHT is a single Kademlia node. Create with New and call Run in its own
// goroutine; interact through PeersRequest/Close.
type DHT struct {
	self NodeID
	conn *net.UDPConn
	log  logger.Logger

	rt *RoutingTable

	mu             sync.Mutex
	peerStorage    map[NodeID]map[string]*PeerRecord // info_hash -> compact record key -> record
	secret         []byte
	prevSecret     []byte
	transactions   map[string]*pendingTransaction
	nextTag        uint16
	tokens         map[string]rememberedToken // get_peers tokens we received, keyed by remote addr
	discovered     map[NodeID][][]byte        // peers accumulated during an in-flight get_peers lookup

	// PeersRequestResults delivers accumulated peers for completed
	// lookups, keyed by info hash; the engine registry fans each batch
	// out to the one swarm that asked for it.
	PeersRequestResults chan map[NodeID][]string

	requestC chan NodeID
	closeC   chan struct{}
}

// New creates a DHT node bound to addr (":6881" style) with a randomly
// generated 20-byte id.
func New(addr string) (*DHT, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	var self NodeID
	if _, err := rand.Read(self[:]); err != nil {
		conn.Close()
		return nil, err
	}
	secret := make([]byte, 20)
	rand.Read(secret)
	d := &DHT{
		self:                self,
		conn:                conn,
		log:                 logger.New("dht"),
		rt:                  NewRoutingTable(self),
		peerStorage:         make(map[NodeID]map[string]*PeerRecord),
		secret:              secret,
		transactions:        make(map[string]*pendingTransaction),
		PeersRequestResults: make(chan map[NodeID][]string, 16),
		requestC:            make(chan NodeID, 64),
		closeC:              make(chan struct{}),
	}
	return d, nil
}

// Port returns the bound UDP port, used to fill the handshake's Port
// message and announce_peer calls.
func (d *DHT) Port() int {
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}

// Run starts the receive loop and maintenance timers; blocks until Close.
func (d *DHT) Run() {
	go d.readLoop()

	rotate := time.NewTicker(tokenRotation)
	ping := time.NewTicker(maintenancePing)
	refresh := time.NewTicker(bucketRefresh)
	purge := time.NewTicker(peerStoragePurge)
	defer rotate.Stop()
	defer ping.Stop()
	defer refresh.Stop()
	defer purge.Stop()

	for {
		select {
		case <-rotate.C:
			d.rotateSecret()
		case <-ping.C:
			d.pingRandomSubset()
		case <-refresh.C:
			d.refreshRandomBuckets()
		case <-purge.C:
			d.purgeOldPeers()
		case ih := <-d.requestC:
			go d.lookupAndAnnounce(ih)
		case <-d.closeC:
			d.conn.Close()
			return
		}
	}
}

// PeersRequest asks the node to perform a get_peers lookup followed by an
// announce_peer for infoHash, reporting the peers found asynchronously on
// PeersRequestResults.
func (d *DHT) PeersRequest(infoHash NodeID) {
	select {
	case d.requestC <- infoHash:
	case <-d.closeC:
	}
}

// Close stops the node.
func (d *DHT) Close() {
	select {
	case <-d.closeC:
	default:
		close(d.closeC)
	}
}

func (d *DHT) rotateSecret() {
	d.mu.Lock()
	d.prevSecret = d.secret
	secret := make([]byte, 20)
	rand.Read(secret)
	d.secret = secret
	d.mu.Unlock()
}

func (d *DHT) validToken(ip []byte, tok []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if eq(token(ip, d.secret), tok) {
		return true
	}
	if d.prevSecret != nil && eq(token(ip, d.prevSecret), tok) {
		return true
	}
	return false
}

func eq(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (d *DHT) purgeOldPeers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-peerStorageTTL)
	for ih, peers := range d.peerStorage {
		for key, rec := range peers {
			if rec.FirstSeen.Before(cutoff) {
				delete(peers, key)
			}
		}
		if len(peers) == 0 {
			delete(d.peerStorage, ih)
		}
	}
}

func (d *DHT) pingRandomSubset() {
	nodes := d.rt.AllNodes()
	mrand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	for i, n := range nodes {
		if i >= 8 {
			break
		}
		go d.pingNode(n)
	}
}

func (d *DHT) pingNode(n *Node) {
	resp, err := d.query(n.Addr, QueryPing, bencode.Dict{"id": bencode.String(d.self[:])})
	if err != nil {
		d.rt.Remove(n.ID)
		return
	}
	_ = resp
	d.rt.Insert(&Node{ID: n.ID, Addr: n.Addr, LastSeen: time.Now()})
}

func (d *DHT) refreshRandomBuckets() {
	buckets := d.rt.NonEmptyBuckets()
	mrand.Shuffle(len(buckets), func(i, j int) { buckets[i], buckets[j] = buckets[j], buckets[i] })
	for i, idx := range buckets {
		if i >= 3 {
			break
		}
		target := d.rt.RandomIDInBucket(idx, randomBytes)
		go d.findNode(target)
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.Read(b)
	return b
}

func (d *DHT) newTag() string {
	d.mu.Lock()
	d.nextTag++
	tag := d.nextTag
	d.mu.Unlock()
	return string([]byte{byte(tag >> 8), byte(tag)})
}

// query sends a query message to addr and blocks up to queryTimeout for a
// matching response.
func (d *DHT) query(addr *net.UDPAddr, name string, args bencode.Dict) (*message, error) {
	tag := d.newTag()
	waiter := make(chan *message, 1)
	d.mu.Lock()
	d.transactions[tag] = &pendingTransaction{waiter: waiter}
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.transactions, tag)
		d.mu.Unlock()
	}()

	pkt := encodeQuery(tag, name, args)
	if _, err := d.conn.WriteToUDP(pkt, addr); err != nil {
		return nil, err
	}
	select {
	case resp := <-waiter:
		return resp, nil
	case <-time.After(queryTimeout):
		return nil, fmt.Errorf("dht: query %s to %s timed out", name, addr)
	}
}

func (d *DHT) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := decodeMessage(buf[:n])
		if err != nil {
			continue
		}
		d.handleMessage(msg, addr)
	}
}

func (d *DHT) handleMessage(msg *message, addr *net.UDPAddr) {
	switch msg.Type {
	case "r", "e":
		d.mu.Lock()
		pending, ok := d.transactions[msg.Tag]
		d.mu.Unlock()
		if ok {
			select {
			case pending.waiter <- msg:
			default:
			}
		}
	case "q":
		d.serveQuery(msg, addr)
	}
}

func (d *DHT) serveQuery(msg *message, addr *net.UDPAddr) {
	var reply []byte
	switch msg.Query {
	case QueryPing:
		reply = encodeResponse(msg.Tag, bencode.Dict{"id": bencode.String(d.self[:])})
	case QueryFindNode:
		target := idFromArgs(msg.Args, "target")
		closest := d.rt.Closest(target, k)
		reply = encodeResponse(msg.Tag, bencode.Dict{
			"id":    bencode.String(d.self[:]),
			"nodes": bencode.String(compactNodes(closest)),
		})
	case QueryGetPeers:
		ih := idFromArgs(msg.Args, "info_hash")
		tok := token(addr.IP, d.currentSecret())
		d.mu.Lock()
		peers := d.peerStorage[ih]
		d.mu.Unlock()
		result := bencode.Dict{"id": bencode.String(d.self[:]), "token": bencode.String(tok)}
		if len(peers) > 0 {
			var list bencode.List
			for _, rec := range peers {
				list = append(list, bencode.String(rec.Compact))
			}
			result["values"] = list
		} else {
			result["nodes"] = bencode.String(compactNodes(d.rt.Closest(ih, k)))
		}
		reply = encodeResponse(msg.Tag, result)
	case QueryAnnouncePeer:
		ih := idFromArgs(msg.Args, "info_hash")
		tok, _ := msg.Args["token"].(bencode.String)
		if !d.validToken(addr.IP, []byte(tok)) {
			reply = encodeError(msg.Tag, 203, "bad token")
			break
		}
		port := int(portFromArgs(msg.Args))
		d.storePeer(ih, compactUDPAddr(addr.IP, port))
		reply = encodeResponse(msg.Tag, bencode.Dict{"id": bencode.String(d.self[:])})
	default:
		reply = encodeError(msg.Tag, 204, "method unknown")
	}
	d.conn.WriteToUDP(reply, addr)
}

func (d *DHT) currentSecret() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.secret
}

func (d *DHT) storePeer(ih NodeID, compact []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.peerStorage[ih]
	if m == nil {
		m = make(map[string]*PeerRecord)
		d.peerStorage[ih] = m
	}
	m[string(compact)] = &PeerRecord{Compact: compact, FirstSeen: time.Now()}
}

func idFromArgs(args bencode.Dict, key string) NodeID {
	var id NodeID
	if s, ok := args[key].(bencode.String); ok {
		copy(id[:], []byte(s))
	}
	return id
}

func portFromArgs(args bencode.Dict) int64 {
	if p, ok := args["port"].(bencode.Int); ok {
		return int64(p)
	}
	return 0
}

func udpAddr(ip []byte, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(ip), Port: port}
}
