package bencode

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"i0e",
		"i-42e",
		"4:spam",
		"l4:spami42ee",
		"d3:cow3:moo4:spam4:eggse",
		"d4:spaml1:a1:bee",
		"de",
		"le",
	}
	for _, b := range cases {
		v, err := Decode([]byte(b))
		if err != nil {
			t.Fatalf("decode(%q): %v", b, err)
		}
		out := Encode(v)
		if !bytes.Equal(out, []byte(b)) {
			t.Errorf("encode(decode(%q)) = %q, want %q", b, out, b)
		}
	}
}

func TestRejectsInvalidIntegers(t *testing.T) {
	cases := []string{"i01e", "i-0e", "i-e", "ie", "i--1e"}
	for _, b := range cases {
		if _, err := Decode([]byte(b)); err == nil {
			t.Errorf("Decode(%q) succeeded, want error", b)
		}
	}
}

func TestRejectsResidue(t *testing.T) {
	if _, err := Decode([]byte("i1ee")); err != ErrResidue {
		t.Errorf("got %v, want ErrResidue", err)
	}
}

func TestDictKeysSortedOnEncode(t *testing.T) {
	d := Dict{"b": Int(1), "a": Int(2)}
	out := Encode(d)
	want := "d1:ai2e1:bi1ee"
	if string(out) != want {
		t.Errorf("Encode(unordered dict) = %q, want %q", out, want)
	}
}

func TestStringPreservesRawBytes(t *testing.T) {
	v, err := Decode([]byte("4:\xff\x00\x01\x02"))
	if err != nil {
		t.Fatal(err)
	}
	s, ok := v.(String)
	if !ok {
		t.Fatalf("got %T, want String", v)
	}
	want := []byte{0xff, 0x00, 0x01, 0x02}
	if !bytes.Equal([]byte(s), want) {
		t.Errorf("got %v, want %v", []byte(s), want)
	}
}
