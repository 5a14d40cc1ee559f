// Package addrlist holds the pool of candidate peer addresses a swarm
// has learned about from trackers, DHT and PEX, feeding the outgoing
// handshaker pool without ever dialing the same address twice at once.
package addrlist

import (
	"net"
)

// AddrList is NOT safe for concurrent use; it is owned exclusively by the
// swarm's owner goroutine, like the rest of a torrent's live state.
type AddrList struct {
	maxSize int
	addrs   map[string]*net.TCPAddr
	dialing map[string]struct{}
	order   []string
}

// New returns an AddrList capped at maxSize distinct candidates; Push
// drops the oldest entry to make room for a new one once full.
func New(maxSize int) *AddrList {
	return &AddrList{
		maxSize: maxSize,
		addrs:   make(map[string]*net.TCPAddr),
		dialing: make(map[string]struct{}),
	}
}

// Push adds addr if it isn't already known and isn't our own listening
// address (callers filter that before calling Push).
func (l *AddrList) Push(addr *net.TCPAddr) {
	key := addr.String()
	if _, ok := l.addrs[key]; ok {
		return
	}
	if len(l.order) >= l.maxSize {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.addrs, oldest)
	}
	l.addrs[key] = addr
	l.order = append(l.order, key)
}

// PushMany adds every addr in addrs.
func (l *AddrList) PushMany(addrs []*net.TCPAddr) {
	for _, a := range addrs {
		l.Push(a)
	}
}

// Pop returns one candidate not currently being dialed, marking it as
// dialing, or (nil, false) if the pool is empty.
func (l *AddrList) Pop() (*net.TCPAddr, bool) {
	for i, key := range l.order {
		if _, busy := l.dialing[key]; busy {
			continue
		}
		addr := l.addrs[key]
		l.dialing[key] = struct{}{}
		l.order = append(l.order[:i], l.order[i+1:]...)
		delete(l.addrs, key)
		return addr, true
	}
	return nil, false
}

// DialFinished clears the dialing marker for addr regardless of outcome,
// so a later PEX/tracker re-announce can surface it again.
func (l *AddrList) DialFinished(addr *net.TCPAddr) {
	delete(l.dialing, addr.String())
}

// Len returns the number of queued, not-currently-dialing candidates.
func (l *AddrList) Len() int { return len(l.order) }
