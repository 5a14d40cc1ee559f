package tracker

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kagenova/btswarm/internal/bencode"
)

// httpTracker implements Tracker over the text-over-HTTP convention.
type httpTracker struct {
	rawURL    string
	client    *http.Client
	userAgent string
}

// NewHTTPTracker returns a Tracker for an http(s):// announce URL.
func NewHTTPTracker(rawURL string, timeout time.Duration, userAgent string) Tracker {
	return &httpTracker{
		rawURL:    rawURL,
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

func (t *httpTracker) URL() string { return t.rawURL }

func (t *httpTracker) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	u, err := url.Parse(t.rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("info_hash", unreservedEscape(req.InfoHash[:]))
	q.Set("peer_id", unreservedEscape(req.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.Event != EventNone {
		q.Set("event", req.Event.String())
	}
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: http status %d", resp.StatusCode)
	}
	return parseHTTPResponse(body)
}

func parseHTTPResponse(body []byte) (*AnnounceResponse, error) {
	v, err := bencode.Decode(body)
	if err != nil {
		return nil, err
	}
	d, ok := v.(bencode.Dict)
	if !ok {
		return nil, ErrFailureReason{Reason: "response is not a dictionary"}
	}
	if fr, ok := d["failure reason"].(bencode.String); ok {
		return nil, ErrFailureReason{Reason: string(fr)}
	}
	resp := &AnnounceResponse{}
	if iv, ok := d["interval"].(bencode.Int); ok {
		resp.Interval = time.Duration(iv) * time.Second
	}
	if mi, ok := d["min interval"].(bencode.Int); ok {
		resp.MinInterval = time.Duration(mi) * time.Second
	}
	if w, ok := d["warning message"].(bencode.String); ok {
		resp.Warning = string(w)
	}
	switch peers := d["peers"].(type) {
	case bencode.String:
		resp.Peers = parseCompactPeers([]byte(peers))
	case bencode.List:
		for _, pv := range peers {
			pd, ok := pv.(bencode.Dict)
			if !ok {
				continue
			}
			ip, _ := pd["ip"].(bencode.String)
			port, _ := pd["port"].(bencode.Int)
			addr := net.JoinHostPort(string(ip), strconv.Itoa(int(port)))
			if tcpAddr, err := net.ResolveTCPAddr("tcp", addr); err == nil {
				resp.Peers = append(resp.Peers, tcpAddr)
			}
		}
	}
	return resp, nil
}

func parseCompactPeers(b []byte) []*net.TCPAddr {
	var addrs []*net.TCPAddr
	for i := 0; i+6 <= len(b); i += 6 {
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.IP(b[i : i+4]),
			Port: int(b[i+4])<<8 | int(b[i+5]),
		})
	}
	return addrs
}

// unreservedEscape percent-encodes b keeping only the unreserved set
// `0-9 A-Z a-z - . _ ~` literal, as required for info_hash/peer_id.
func unreservedEscape(b []byte) string {
	const hex = "0123456789ABCDEF"
	out := make([]byte, 0, len(b)*3)
	for _, c := range b {
		if (c >= '0' && c <= '9') || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			out = append(out, c)
		} else {
			out = append(out, '%', hex[c>>4], hex[c&0xf])
		}
	}
	return string(out)
}
