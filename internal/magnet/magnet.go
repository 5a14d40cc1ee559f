// Package magnet parses and synthesizes magnet identifiers
// (magnet:?xt=urn:btih:...).
package magnet

import (
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet link.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
}

var (
	errScheme   = errors.New("magnet: invalid scheme")
	errNoXT     = errors.New("magnet: missing xt parameter")
	errBadBTIH  = errors.New("magnet: invalid btih value")
	errNotBTIH  = errors.New("magnet: xt is not a btih urn")
	b32Encoding = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
)

// New parses a magnet: URI into its info hash, display name and tracker
// list. The info hash may be encoded as 40 hex characters or 32 base32
// characters, per BEP 9.
func New(link string) (*Magnet, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errScheme
	}
	q := u.Query()
	xt := q.Get("xt")
	if xt == "" {
		return nil, errNoXT
	}
	const prefix = "urn:btih:"
	if !strings.HasPrefix(xt, prefix) {
		return nil, errNotBTIH
	}
	hashStr := xt[len(prefix):]
	var hash [20]byte
	switch len(hashStr) {
	case 40:
		b, err := hex.DecodeString(hashStr)
		if err != nil || len(b) != 20 {
			return nil, errBadBTIH
		}
		copy(hash[:], b)
	case 32:
		b, err := base32Decode(hashStr)
		if err != nil || len(b) != 20 {
			return nil, errBadBTIH
		}
		copy(hash[:], b)
	default:
		return nil, errBadBTIH
	}
	m := &Magnet{
		InfoHash: hash,
		Name:     q.Get("dn"),
		Trackers: q["tr"],
	}
	return m, nil
}

// String synthesizes a magnet: URI from the given fields.
func (m *Magnet) String() string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+hex.EncodeToString(m.InfoHash[:]))
	if m.Name != "" {
		v.Set("dn", m.Name)
	}
	for _, tr := range m.Trackers {
		v.Add("tr", tr)
	}
	return "magnet:?" + v.Encode()
}

// base32Decode implements the RFC 4648 base32 alphabet without padding,
// as used by BEP 9 info hashes.
func base32Decode(s string) ([]byte, error) {
	s = strings.ToUpper(s)
	var bits uint
	var value uint32
	out := make([]byte, 0, len(s)*5/8+1)
	for _, c := range s {
		idx := strings.IndexRune(b32Encoding, c)
		if idx < 0 {
			return nil, errors.New("magnet: invalid base32 character")
		}
		value = (value << 5) | uint32(idx)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(value>>bits))
		}
	}
	return out, nil
}
