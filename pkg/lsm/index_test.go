package lsm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
)

// Build an index over synthetic pages and verify that every key maps to a
// range containing its true page.
func TestCompactIndexSearchContainsTruePage(t *testing.T) {
	const precision = 8
	b := newIndexBuilder(precision, 3) // small chunk to force chunked processing

	// Eight pages, two per bucket for the first four buckets.
	var firstKeys [][]byte
	for page := 0; page < 8; page++ {
		k := []byte{byte(page / 2), byte(page % 2 * 128)}
		firstKeys = append(firstKeys, k)
		b.Append(k, uint32(page))
	}
	ix := b.Finish(8)

	if ix.NumPages() != 8 {
		t.Fatalf("NumPages = %d, want 8", ix.NumPages())
	}
	for page, k := range firstKeys {
		lo, hi := ix.Search(k)
		if page < lo || page > hi {
			t.Fatalf("Search(%x) = [%d,%d], does not contain page %d", k, lo, hi, page)
		}
	}
	// A key between two page boundaries belongs to the earlier page.
	lo, hi := ix.Search([]byte{0x01, 0x40})
	if lo != 2 || hi != 2 {
		t.Fatalf("Search(mid-bucket key) = [%d,%d], want [2,2]", lo, hi)
	}
	// A key in a bucket with no pages maps to a safe in-bounds range.
	lo, hi = ix.Search([]byte{0xf0, 0x00})
	if lo < 0 || hi >= ix.NumPages() {
		t.Fatalf("Search(empty bucket) = [%d,%d], out of bounds", lo, hi)
	}
}

func TestCompactIndexViaFlushedRun(t *testing.T) {
	opts := Options{WriteBufferEntries: 10, RangeFinderPrecision: 4}.withDefaults()
	fs := NewOSFS()
	dir := t.TempDir()

	wb := NewWriteBuffer(ResolveConcat)
	var keys [][]byte
	for i := 0; i < 500; i++ {
		k := []byte(fmt.Sprintf("%03d-key-%d", i, i))
		keys = append(keys, k)
		wb.Insert(k, Entry{Kind: KindInsert, Value: bytes.Repeat([]byte("v"), 50)})
	}
	r, err := runFromWriteBuffer(fs, opts, nil, dir, 1, wb)
	if err != nil {
		t.Fatalf("runFromWriteBuffer: %v", err)
	}
	defer r.removeReference()

	if r.index.NumPages() < 2 {
		t.Fatalf("expected a multi-page run, got %d pages", r.index.NumPages())
	}
	for _, k := range keys {
		lo, hi := r.index.Search(k)
		foundIn := -1
		for p := lo; p <= hi; p++ {
			buf, err := r.fetchPage(p)
			if err != nil {
				t.Fatalf("fetchPage(%d): %v", p, err)
			}
			v, err := decodePage(buf)
			if err != nil {
				t.Fatalf("decodePage(%d): %v", p, err)
			}
			if _, ok := v.search(k); ok {
				foundIn = p
				break
			}
		}
		if foundIn < 0 {
			t.Fatalf("key %q not found in returned range [%d,%d]", k, lo, hi)
		}
	}
}

func TestCompactIndexSidecarRoundTrip(t *testing.T) {
	b := newIndexBuilder(6, 100)
	for page := 0; page < 20; page++ {
		b.Append([]byte(fmt.Sprintf("key-%04d", page*7)), uint32(page))
	}
	ix := b.Finish(20)

	dir := t.TempDir()
	path := filepath.Join(dir, "ix.index")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ix.writeTo(f); err != nil {
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
	got, err := readCompactIndex(rf)
	if err != nil {
		t.Fatalf("readCompactIndex: %v", err)
	}
	if got.precision != ix.precision || got.NumPages() != ix.NumPages() || got.totalDiskPages != ix.totalDiskPages {
		t.Fatalf("header mismatch: got (%d,%d,%d), want (%d,%d,%d)",
			got.precision, got.NumPages(), got.totalDiskPages,
			ix.precision, ix.NumPages(), ix.totalDiskPages)
	}
	for i := range ix.buckets {
		if got.buckets[i] != ix.buckets[i] {
			t.Fatalf("bucket %d = %+v, want %+v", i, got.buckets[i], ix.buckets[i])
		}
	}
	for i := range ix.firstKeys {
		if !bytes.Equal(got.firstKeys[i], ix.firstKeys[i]) {
			t.Fatalf("firstKeys[%d] = %q, want %q", i, got.firstKeys[i], ix.firstKeys[i])
		}
		if got.diskPages[i] != ix.diskPages[i] {
			t.Fatalf("diskPages[%d] = %d, want %d", i, got.diskPages[i], ix.diskPages[i])
		}
	}
}

func TestCompactIndexSidecarDetectsCorruption(t *testing.T) {
	b := newIndexBuilder(6, 100)
	for page := 0; page < 5; page++ {
		b.Append([]byte(fmt.Sprintf("key-%04d", page)), uint32(page))
	}
	ix := b.Finish(5)

	dir := t.TempDir()
	path := filepath.Join(dir, "ix.index")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := ix.writeTo(f); err != nil {
		t.Fatalf("writeTo: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	raw[indexHeaderSize] ^= 0xff // first body byte
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}

	rf, err := NewOSFS().Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rf.Close()
	if _, err := readCompactIndex(rf); !errors.Is(err, ErrCorruption) {
		t.Fatalf("readCompactIndex on flipped byte = %v, want ErrCorruption", err)
	}
}
