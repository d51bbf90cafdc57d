package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := newBloomFilter(1000, 10)
	var keys [][]byte
	for i := 0; i < 1000; i++ {
		k := []byte(fmt.Sprintf("member-%05d", i))
		keys = append(keys, k)
		bf.Insert(k)
	}
	for _, k := range keys {
		if !bf.MayContain(k) {
			t.Fatalf("false negative for inserted key %q", k)
		}
	}
}

func TestBloomFilterSizing(t *testing.T) {
	small := newBloomFilter(100, 10)
	large := newBloomFilter(1000, 10)
	if small.BitLen() >= large.BitLen() {
		t.Fatalf("bit lengths not monotone in entry count: %d >= %d", small.BitLen(), large.BitLen())
	}
	if got := large.BitLen(); got != 10000 {
		t.Fatalf("BitLen = %d, want 10000", got)
	}
}

func TestBloomFilterSidecarRoundTrip(t *testing.T) {
	bf := newBloomFilter(100, 10)
	keys := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, k := range keys {
		bf.Insert(k)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "1.filter")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := bf.writeTo(f); err != nil {
		t.Fatalf("writeTo: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	rf, err := NewOSFS().Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rf.Close()
	restored, err := readBloomFilter(rf)
	if err != nil {
		t.Fatalf("readBloomFilter: %v", err)
	}
	if restored.BitLen() != bf.BitLen() {
		t.Fatalf("restored BitLen = %d, want %d", restored.BitLen(), bf.BitLen())
	}
	for _, k := range keys {
		if !restored.MayContain(k) {
			t.Fatalf("restored filter missing known key %q", k)
		}
	}
}

func TestBloomFilterSidecarDetectsCorruption(t *testing.T) {
	bf := newBloomFilter(100, 10)
	bf.Insert([]byte("alpha"))

	dir := t.TempDir()
	path := filepath.Join(dir, "1.filter")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := bf.writeTo(f); err != nil {
		t.Fatalf("writeTo: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	rf, err := NewOSFS().Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rf.Close()
	if _, err := readBloomFilter(rf); !errors.Is(err, ErrCorruption) {
		t.Fatalf("readBloomFilter on flipped byte = %v, want ErrCorruption", err)
	}
}
