package piece

import (
	"bytes"
	"crypto/sha1" // nolint:gosec
	"testing"
)

func TestTwoBlockPieceIntegrity(t *testing.T) {
	content := bytes.Repeat([]byte("A"), 16385)
	hash := sha1.Sum(content) // nolint:gosec
	p := New(0, uint32(len(content)), hash)

	if len(p.Blocks) != 2 {
		t.Fatalf("got %d blocks, want 2", len(p.Blocks))
	}
	if p.Blocks[0].Length != BlockSize || p.Blocks[1].Length != 1 {
		t.Fatalf("block lengths = %d, %d", p.Blocks[0].Length, p.Blocks[1].Length)
	}

	if err := p.AddBlock(0, content[:BlockSize]); err != nil {
		t.Fatal(err)
	}
	if err := p.AddBlock(BlockSize, content[BlockSize:]); err != nil {
		t.Fatal(err)
	}
	if !p.Complete {
		t.Fatal("piece should be complete")
	}
	ok, data := p.Verify()
	if !ok {
		t.Fatal("verify should succeed")
	}
	if !bytes.Equal(data, content) {
		t.Fatal("assembled data mismatch")
	}

	// Flip a byte and rebuild: verify must now fail.
	bad := append([]byte(nil), content...)
	bad[0] = 'B'
	p2 := New(0, uint32(len(bad)), hash)
	_ = p2.AddBlock(0, bad[:BlockSize])
	_ = p2.AddBlock(BlockSize, bad[BlockSize:])
	ok2, _ := p2.Verify()
	if ok2 {
		t.Fatal("verify should fail on corrupted content")
	}

	p.Reset()
	if p.Complete || p.Verified {
		t.Fatal("reset should clear complete/verified flags")
	}
	nm := p.NextMissing()
	if nm == nil || nm.Begin != 0 {
		t.Fatal("after reset, nextMissing should return offset 0")
	}
}

func TestAddBlockRejectsWrongLength(t *testing.T) {
	p := New(0, 100, [20]byte{})
	if err := p.AddBlock(0, make([]byte, 50)); err == nil {
		t.Fatal("expected error for wrong length")
	}
}

func TestAddBlockIdempotent(t *testing.T) {
	p := New(0, 100, [20]byte{})
	data := make([]byte, 100)
	if err := p.AddBlock(0, data); err != nil {
		t.Fatal(err)
	}
	if err := p.AddBlock(0, data); err != nil {
		t.Fatalf("re-adding received block should be a no-op, got %v", err)
	}
}

func TestBlocksTileExactly(t *testing.T) {
	p := New(0, 40000, [20]byte{})
	var covered uint32
	for _, b := range p.Blocks {
		if b.Begin != covered {
			t.Fatalf("block begin = %d, want %d", b.Begin, covered)
		}
		if b.Length > BlockSize {
			t.Fatalf("block length %d exceeds BlockSize", b.Length)
		}
		covered += b.Length
	}
	if covered != 40000 {
		t.Fatalf("total coverage = %d, want 40000", covered)
	}
}
