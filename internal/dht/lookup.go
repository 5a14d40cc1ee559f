package dht

import (
	"net"
	"sync"
	"time"

	"github.com/kagenova/btswarm/internal/bencode"
)

// shortlistEntry tracks one candidate in an iterative lookup.
type shortlistEntry struct {
	node      *Node
	queried   bool
	responded bool
}

// findNode performs an iterative find_node lookup for target, per
// An iterative lookup: seed from the alpha closest known
// nodes, query in waves, merge closer nodes returned, and stop once k
// nodes have answered with no closer responder found in two consecutive
// rounds (approximated here by a maxIterations bound with no-progress
// detection).
func (d *DHT) findNode(target NodeID) []*Node {
	return d.iterate(target, QueryFindNode, nil)
}

// iterate runs the generic iterative lookup. If infoHash is non-nil the
// lookup is a get_peers search (accumulating tokens and peer values);
// otherwise it is a plain find_node walk.
func (d *DHT) iterate(target NodeID, query string, infoHash *NodeID) []*Node {
	var mu sync.Mutex
	shortlist := map[NodeID]*shortlistEntry{}
	seed := d.rt.Closest(target, alpha)
	for _, n := range seed {
		shortlist[n.ID] = &shortlistEntry{node: n}
	}

	noProgress := 0
	for iter := 0; iter < maxIterations; iter++ {
		mu.Lock()
		var batch []*shortlistEntry
		for _, e := range shortlist {
			if !e.queried {
				batch = append(batch, e)
			}
			if len(batch) >= alpha {
				break
			}
		}
		mu.Unlock()
		if len(batch) == 0 {
			break
		}

		progressed := false
		var wg sync.WaitGroup
		for _, e := range batch {
			e.queried = true
			wg.Add(1)
			go func(e *shortlistEntry) {
				defer wg.Done()
				args := bencode.Dict{"id": bencode.String(d.self[:])}
				if infoHash != nil {
					args["info_hash"] = bencode.String(infoHash[:])
				} else {
					args["target"] = bencode.String(target[:])
				}
				resp, err := d.query(e.node.Addr, query, args)
				if err != nil {
					d.rt.Remove(e.node.ID)
					return
				}
				d.rt.Insert(&Node{ID: e.node.ID, Addr: e.node.Addr, LastSeen: time.Now()})
				mu.Lock()
				e.responded = true
				mu.Unlock()
				if resp.Result == nil {
					return
				}
				if infoHash != nil {
					if tok, ok := resp.Result["token"].(bencode.String); ok {
						d.rememberToken(e.node.Addr, []byte(tok))
					}
					if values, ok := resp.Result["values"].(bencode.List); ok {
						var peers [][]byte
						for _, v := range values {
							if s, ok := v.(bencode.String); ok {
								peers = append(peers, []byte(s))
							}
						}
						d.storeDiscoveredPeers(*infoHash, peers)
					}
				}
				nodesField, ok := resp.Result["nodes"].(bencode.String)
				if !ok {
					return
				}
				closer := parseCompactNodes([]byte(nodesField))
				mu.Lock()
				for _, n := range closer {
					if _, exists := shortlist[n.ID]; !exists {
						shortlist[n.ID] = &shortlistEntry{node: n}
						progressed = true
					}
				}
				mu.Unlock()
			}(e)
		}
		wg.Wait()

		if !progressed {
			noProgress++
		} else {
			noProgress = 0
		}

		queried := 0
		mu.Lock()
		for _, e := range shortlist {
			if e.queried {
				queried++
			}
		}
		mu.Unlock()
		if queried >= k && noProgress >= 2 {
			break
		}
	}

	mu.Lock()
	defer mu.Unlock()
	var out []*Node
	for _, e := range shortlist {
		if e.responded {
			out = append(out, e.node)
		}
	}
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && less(Distance(out[j].ID, target), Distance(out[j-1].ID, target)) {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out
}

type rememberedToken struct {
	token     []byte
	obtained  time.Time
}

func (d *DHT) rememberToken(addr *net.UDPAddr, tok []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.tokens == nil {
		d.tokens = make(map[string]rememberedToken)
	}
	d.tokens[addr.String()] = rememberedToken{token: tok, obtained: time.Now()}
}

func (d *DHT) storeDiscoveredPeers(ih NodeID, peers [][]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.discovered == nil {
		d.discovered = make(map[NodeID][][]byte)
	}
	d.discovered[ih] = append(d.discovered[ih], peers...)
}

// GetPeers performs a get_peers lookup for infoHash and returns the
// accumulated compact peer records plus the k closest responding nodes.
func (d *DHT) GetPeers(infoHash NodeID) ([][]byte, []*Node) {
	d.mu.Lock()
	delete(d.discovered, infoHash)
	d.mu.Unlock()
	nodes := d.iterate(infoHash, QueryGetPeers, &infoHash)
	d.mu.Lock()
	peers := d.discovered[infoHash]
	d.mu.Unlock()
	return peers, nodes
}

// Announce performs a get_peers lookup to obtain tokens, then sends
// announce_peer to each of the k closest whose token is still valid.
func (d *DHT) Announce(infoHash NodeID, port int) {
	_, nodes := d.GetPeers(infoHash)
	for _, n := range nodes {
		d.mu.Lock()
		rt, ok := d.tokens[n.Addr.String()]
		d.mu.Unlock()
		if !ok || time.Since(rt.obtained) >= tokenValidity {
			continue
		}
		args := bencode.Dict{
			"id":        bencode.String(d.self[:]),
			"info_hash": bencode.String(infoHash[:]),
			"port":      bencode.Int(port),
			"token":     bencode.String(rt.token),
		}
		go d.query(n.Addr, QueryAnnouncePeer, args)
	}
}

func (d *DHT) lookupAndAnnounce(infoHash NodeID) {
	peers, _ := d.GetPeers(infoHash)
	d.Announce(infoHash, d.Port())
	select {
	case d.PeersRequestResults <- map[NodeID][]string{infoHash: compactStrings(peers)}:
	case <-d.closeC:
	}
}

func compactStrings(peers [][]byte) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = string(p)
	}
	return out
}
