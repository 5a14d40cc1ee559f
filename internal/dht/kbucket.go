package dht

import (
	"net"
	"time"
)

// NodeID is the 20-byte Kademlia node identifier.
type NodeID [20]byte

// Node is a known DHT peer.
type Node struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// Distance returns xor(a, b) interpreted as a big-endian integer ordering
// (we only ever compare Distances, so the raw byte array suffices).
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// less reports whether a < b when compared as a big-endian integer.
func less(a, b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

const (
	bucketSize  = 8  // k
	numBuckets  = 160
)

// bucket holds up to bucketSize nodes sharing a common prefix length with
// our own id.
type bucket struct {
	nodes []*Node
}

// RoutingTable buckets known nodes by XOR distance from self, bounded to
// k entries per bucket (a routing table bounded to N
// entries").
type RoutingTable struct {
	self    NodeID
	buckets [numBuckets]bucket
}

// NewRoutingTable returns an empty table for the local node self.
func NewRoutingTable(self NodeID) *RoutingTable {
	return &RoutingTable{self: self}
}

// bucketIndex returns which bucket id belongs to: the index of the
// highest differing bit from self, counting from the most significant.
func (rt *RoutingTable) bucketIndex(id NodeID) int {
	d := Distance(rt.self, id)
	for i := 0; i < len(d); i++ {
		if d[i] == 0 {
			continue
		}
		for b := 0; b < 8; b++ {
			if d[i]&(0x80>>uint(b)) != 0 {
				return i*8 + b
			}
		}
	}
	return numBuckets - 1
}

// Insert adds or refreshes n in its bucket; self is never inserted (the
// DHTNode invariant "never stores self in routing table"). If the bucket
// is full, n is dropped: Insert never evicts an existing entry. Entries
// that fail a maintenance ping are removed separately, which frees room
// for later inserts.
func (rt *RoutingTable) Insert(n *Node) {
	if n.ID == rt.self {
		return
	}
	idx := rt.bucketIndex(n.ID)
	b := &rt.buckets[idx]
	for i, existing := range b.nodes {
		if existing.ID == n.ID {
			b.nodes[i] = n
			return
		}
	}
	if len(b.nodes) < bucketSize {
		b.nodes = append(b.nodes, n)
	}
}

// Remove evicts id from its bucket, if present.
func (rt *RoutingTable) Remove(id NodeID) {
	idx := rt.bucketIndex(id)
	b := &rt.buckets[idx]
	for i, existing := range b.nodes {
		if existing.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}

// Closest returns the k closest known nodes to target, sorted nearest
// first.
func (rt *RoutingTable) Closest(target NodeID, k int) []*Node {
	var all []*Node
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].nodes...)
	}
	for i := 1; i < len(all); i++ {
		j := i
		for j > 0 && less(Distance(all[j].ID, target), Distance(all[j-1].ID, target)) {
			all[j], all[j-1] = all[j-1], all[j]
			j--
		}
	}
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// RandomIDInBucket returns a random id such that bucketIndex(id) == idx,
// used by the bucket-refresh maintenance task.
func (rt *RoutingTable) RandomIDInBucket(idx int, randomBytes func(int) []byte) NodeID {
	id := NodeID{}
	copy(id[:], randomBytes(20))
	byteIdx := idx / 8
	bitIdx := uint(idx % 8)
	for i := 0; i < byteIdx; i++ {
		id[i] = rt.self[i]
	}
	mask := byte(0xff) >> bitIdx
	id[byteIdx] = (rt.self[byteIdx] &^ mask) | (id[byteIdx] & mask)
	// Force the differing bit itself so the id actually falls in bucket idx.
	bit := byte(0x80) >> bitIdx
	id[byteIdx] = (id[byteIdx] &^ bit) | (^rt.self[byteIdx] & bit)
	return id
}

// AllNodes returns every node currently in the table, for maintenance
// pings.
func (rt *RoutingTable) AllNodes() []*Node {
	var all []*Node
	for i := range rt.buckets {
		all = append(all, rt.buckets[i].nodes...)
	}
	return all
}

// NonEmptyBuckets returns the indexes of buckets holding at least one
// node, candidates for the periodic refresh task.
func (rt *RoutingTable) NonEmptyBuckets() []int {
	var out []int
	for i := range rt.buckets {
		if len(rt.buckets[i].nodes) > 0 {
			out = append(out, i)
		}
	}
	return out
}
