package dht

import "testing"

func TestRoutingTableNeverStoresSelf(t *testing.T) {
	var self NodeID
	self[0] = 1
	rt := NewRoutingTable(self)
	rt.Insert(&Node{ID: self})
	if len(rt.AllNodes()) != 0 {
		t.Fatalf("self was inserted into routing table")
	}
}

func TestRoutingTableClosestOrdering(t *testing.T) {
	var self NodeID
	rt := NewRoutingTable(self)
	for i := byte(1); i <= 5; i++ {
		var id NodeID
		id[19] = i
		rt.Insert(&Node{ID: id})
	}
	var target NodeID
	target[19] = 3
	closest := rt.Closest(target, 2)
	if len(closest) != 2 {
		t.Fatalf("expected 2 closest nodes, got %d", len(closest))
	}
	if closest[0].ID[19] != 3 {
		t.Fatalf("expected exact match first, got %v", closest[0].ID)
	}
}

func TestBucketCapacity(t *testing.T) {
	var self NodeID
	rt := NewRoutingTable(self)
	// All these ids share the same highest-order differing bit from
	// self (all-zero), so they land in the same bucket.
	for i := 0; i < bucketSize+5; i++ {
		var id NodeID
		id[0] = 0x80
		id[19] = byte(i)
		rt.Insert(&Node{ID: id})
	}
	if len(rt.AllNodes()) != bucketSize {
		t.Fatalf("bucket exceeded capacity: got %d want %d", len(rt.AllNodes()), bucketSize)
	}
}
