package tracker

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"net"
	"net/url"
	"time"
)

const (
	protocolMagic   uint64 = 0x41727101980
	actionConnect   uint32 = 0
	actionAnnounce  uint32 = 1
	initialBackoff         = 15 * time.Second
	maxRetries             = 3
)

// udpTracker implements Tracker over the unofficial binary UDP-tracker
// convention: a connect handshake exchanging a connection-id, followed by
// an announce carrying the usual parameters in a fixed-size packet.
type udpTracker struct {
	rawURL string
	addr   string
	key    uint32
}

// NewUDPTracker returns a Tracker for a udp:// announce URL.
func NewUDPTracker(rawURL string) (Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &udpTracker{rawURL: rawURL, addr: u.Host, key: rand.Uint32()}, nil
}

func (t *udpTracker) URL() string { return t.rawURL }

func (t *udpTracker) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	conn, err := net.Dial("udp", t.addr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connect(conn)
	if err != nil {
		return nil, err
	}
	return t.announce(conn, connID, req)
}

func (t *udpTracker) connect(conn net.Conn) (uint64, error) {
	txID := rand.Uint32()
	pkt := make([]byte, 16)
	binary.BigEndian.PutUint64(pkt[0:8], protocolMagic)
	binary.BigEndian.PutUint32(pkt[8:12], actionConnect)
	binary.BigEndian.PutUint32(pkt[12:16], txID)

	backoff := initialBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		conn.SetDeadline(time.Now().Add(backoff))
		if _, err := conn.Write(pkt); err != nil {
			return 0, err
		}
		resp := make([]byte, 16)
		n, err := conn.Read(resp)
		if err == nil && n >= 16 {
			if binary.BigEndian.Uint32(resp[4:8]) != txID {
				return 0, ErrTransactionMismatch
			}
			if binary.BigEndian.Uint32(resp[0:4]) != actionConnect {
				return 0, errors.New("tracker: unexpected connect action")
			}
			return binary.BigEndian.Uint64(resp[8:16]), nil
		}
		backoff *= 2
	}
	return 0, errors.New("tracker: udp connect timed out")
}

func (t *udpTracker) announce(conn net.Conn, connID uint64, req AnnounceRequest) (*AnnounceResponse, error) {
	txID := rand.Uint32()
	pkt := make([]byte, 98)
	binary.BigEndian.PutUint64(pkt[0:8], connID)
	binary.BigEndian.PutUint32(pkt[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(pkt[12:16], txID)
	copy(pkt[16:36], req.InfoHash[:])
	copy(pkt[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(pkt[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(pkt[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(pkt[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(pkt[80:84], eventCode(req.Event))
	binary.BigEndian.PutUint32(pkt[84:88], 0) // IP address: default
	binary.BigEndian.PutUint32(pkt[88:92], t.key)
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.BigEndian.PutUint32(pkt[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(pkt[96:98], uint16(req.Port))

	backoff := initialBackoff
	for attempt := 0; attempt < maxRetries; attempt++ {
		conn.SetDeadline(time.Now().Add(backoff))
		if _, err := conn.Write(pkt); err != nil {
			return nil, err
		}
		resp := make([]byte, 2048)
		n, err := conn.Read(resp)
		if err == nil && n >= 20 {
			if binary.BigEndian.Uint32(resp[4:8]) != txID {
				return nil, ErrTransactionMismatch
			}
			if binary.BigEndian.Uint32(resp[0:4]) != actionAnnounce {
				return nil, errors.New("tracker: unexpected announce action")
			}
			return &AnnounceResponse{
				Interval: time.Duration(binary.BigEndian.Uint32(resp[8:12])) * time.Second,
				Peers:    parseCompactPeers(resp[20:n]),
			}, nil
		}
		backoff *= 2
	}
	return nil, errors.New("tracker: udp announce timed out")
}

func eventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}
