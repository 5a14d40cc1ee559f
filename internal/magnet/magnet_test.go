package magnet

import "testing"

func TestParseHex(t *testing.T) {
	link := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=Test&tr=http://t/"
	m, err := New(link)
	if err != nil {
		t.Fatal(err)
	}
	if m.Name != "Test" {
		t.Errorf("name = %q", m.Name)
	}
	if len(m.Trackers) != 1 || m.Trackers[0] != "http://t/" {
		t.Errorf("trackers = %v", m.Trackers)
	}
}

func TestRoundTripHex(t *testing.T) {
	orig := "magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=Test&tr=http%3A%2F%2Ft%2F"
	m, err := New(orig)
	if err != nil {
		t.Fatal(err)
	}
	again, err := New(m.String())
	if err != nil {
		t.Fatal(err)
	}
	if again.InfoHash != m.InfoHash {
		t.Errorf("round trip hash mismatch")
	}
}

func TestMissingXT(t *testing.T) {
	if _, err := New("magnet:?dn=x"); err == nil {
		t.Error("expected error for missing xt")
	}
}
