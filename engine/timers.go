package engine

import (
	"math/rand"

	"github.com/kagenova/btswarm/internal/peer"
)

// tickUnchoke runs the 10-second regular choking round: interested peers
// (excluding the optimistic picks) are ranked by how much they've given
// us this period while downloading, or by how much we've given them
// while seeding, and the top UnchokedPeers-1 are kept unchoked.
func (t *torrent) tickUnchoke() {
	var candidates []*peer.Peer
	for pe := range t.peers {
		if !pe.PeerInterest {
			t.chokePeer(pe)
			continue
		}
		if pe.OptimisticUnchoked {
			continue
		}
		candidates = append(candidates, pe)
	}

	rate := func(pe *peer.Peer) int64 {
		if t.completed {
			return t.chokePeriodUploaded[pe]
		}
		return t.chokePeriodDownloaded[pe]
	}
	for i := 1; i < len(candidates); i++ {
		j := i
		for j > 0 && rate(candidates[j]) > rate(candidates[j-1]) {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
			j--
		}
	}

	slots := t.config.UnchokedPeers - 1
	for pe := range t.chokePeriodDownloaded {
		t.chokePeriodDownloaded[pe] = 0
	}
	for pe := range t.chokePeriodUploaded {
		t.chokePeriodUploaded[pe] = 0
	}
	for i, pe := range candidates {
		if i < slots {
			t.unchokePeer(pe)
		} else {
			t.chokePeer(pe)
		}
	}
}

// tickOptimisticUnchoke runs the 30-second optimistic-unchoke round:
// previously optimistic picks lose their optimistic flag but stay
// unchoked until the next tickUnchoke ranks them with the other
// candidates, and OptimisticUnchokedPeers new ones are picked uniformly at
// random from the currently choked, interested set.
func (t *torrent) tickOptimisticUnchoke() {
	for _, pe := range t.optimisticUnchokedPeers {
		pe.OptimisticUnchoked = false
	}
	t.optimisticUnchokedPeers = t.optimisticUnchokedPeers[:0]

	var candidates []*peer.Peer
	for pe := range t.peers {
		if pe.PeerInterest && pe.AmChoking {
			candidates = append(candidates, pe)
		}
	}
	n := t.config.OptimisticUnchokedPeers
	if n > len(candidates) {
		n = len(candidates)
	}
	rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
	for i := 0; i < n; i++ {
		pe := candidates[i]
		pe.OptimisticUnchoked = true
		t.optimisticUnchokedPeers = append(t.optimisticUnchokedPeers, pe)
		t.unchokePeer(pe)
	}
}
