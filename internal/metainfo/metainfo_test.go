package metainfo

import (
	"bytes"
	"crypto/sha1" // nolint:gosec
	"strings"
	"testing"

	"github.com/kagenova/btswarm/internal/bencode"
)

func buildMetainfo(t *testing.T) []byte {
	t.Helper()
	info := bencode.Dict{
		"name":         bencode.String("x"),
		"piece length": bencode.Int(16384),
		"pieces":       bencode.String(bytes.Repeat([]byte{0}, 20)),
		"length":       bencode.Int(10),
	}
	top := bencode.Dict{
		"announce": bencode.String("http://t/"),
		"info":     info,
	}
	return bencode.Encode(top)
}

func TestParseMetainfoIdentity(t *testing.T) {
	b := buildMetainfo(t)
	mi, err := New(bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	infoBytes := bencode.Encode(bencode.Dict{
		"name":         bencode.String("x"),
		"piece length": bencode.Int(16384),
		"pieces":       bencode.String(bytes.Repeat([]byte{0}, 20)),
		"length":       bencode.Int(10),
	})
	want := sha1.Sum(infoBytes) // nolint:gosec
	if mi.Info.Hash != want {
		t.Errorf("identity = %x, want %x", mi.Info.Hash, want)
	}
	if mi.Announce != "http://t/" {
		t.Errorf("announce = %q", mi.Announce)
	}
}

func TestParseMetainfoRejectsBadPieceLength(t *testing.T) {
	info := bencode.Dict{
		"name":         bencode.String("x"),
		"piece length": bencode.Int(16384),
		"pieces":       bencode.String([]byte{1, 2, 3}),
		"length":       bencode.Int(10),
	}
	top := bencode.Dict{"announce": bencode.String("http://t/"), "info": info}
	_, err := New(bytes.NewReader(bencode.Encode(top)))
	if err != errInvalidPieceLen {
		t.Errorf("got %v, want errInvalidPieceLen", err)
	}
}

func TestMultiFileOffsets(t *testing.T) {
	files := bencode.List{
		bencode.Dict{"length": bencode.Int(10), "path": bencode.List{bencode.String("a")}},
		bencode.Dict{"length": bencode.Int(20), "path": bencode.List{bencode.String("b")}},
		bencode.Dict{"length": bencode.Int(5), "path": bencode.List{bencode.String("c")}},
	}
	info := bencode.Dict{
		"name":         bencode.String("multi"),
		"piece length": bencode.Int(12),
		"pieces":       bencode.String(bytes.Repeat([]byte{0}, 60)),
		"files":        files,
	}
	raw := bencode.Encode(info)
	parsed, err := NewInfo(raw)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Length != 35 {
		t.Errorf("total length = %d, want 35", parsed.Length)
	}
	if parsed.Files[1].Offset != 10 {
		t.Errorf("file b offset = %d, want 10", parsed.Files[1].Offset)
	}
	if parsed.NumPieces != 3 {
		t.Errorf("numPieces = %d, want 3", parsed.NumPieces)
	}
	if parsed.PieceLengthAt(2) != 11 {
		t.Errorf("last piece length = %d, want 11", parsed.PieceLengthAt(2))
	}
}

func TestGetTrackersDedupesAndOrdersPrimaryFirst(t *testing.T) {
	m := &MetaInfo{
		Announce: "http://a/",
		AnnounceList: [][]string{
			{"http://a/", "http://b/"},
			{"http://c/"},
		},
	}
	got := m.GetTrackers()
	want := []string{"http://a/", "http://b/", "http://c/"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("got %v, want %v", got, want)
	}
}
