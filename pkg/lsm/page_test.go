package lsm

import (
	"bytes"
	"fmt"
	"testing"
)

func TestPageAccAcceptanceBound(t *testing.T) {
	acc := newPageAcc(0)
	val := bytes.Repeat([]byte("v"), 100)
	n := 0
	for {
		key := []byte(fmt.Sprintf("key-%05d", n))
		if !acc.add(key, pageEntry{kind: KindInsert, value: val}) {
			break
		}
		n++
		if sz := acc.serializedSize(); sz > PageSize {
			t.Fatalf("accepted pair %d pushed size to %d > %d", n, sz, PageSize)
		}
	}
	if n == 0 {
		t.Fatalf("no pairs accepted")
	}
	// The rejected pair must fit a fresh accumulator.
	fresh := newPageAcc(0)
	rejected := []byte(fmt.Sprintf("key-%05d", n))
	if !fresh.add(rejected, pageEntry{kind: KindInsert, value: val}) {
		t.Fatalf("fresh accumulator rejected the pair %q refused by the full page", rejected)
	}
}

func TestPageAccSingleOversizedEntry(t *testing.T) {
	acc := newPageAcc(0)
	big := bytes.Repeat([]byte("x"), 3*PageSize)
	if !acc.add([]byte("huge"), pageEntry{kind: KindInsert, value: big}) {
		t.Fatalf("empty accumulator rejected oversized value")
	}
	if acc.add([]byte("next"), pageEntry{kind: KindInsert, value: []byte("v")}) {
		t.Fatalf("second pair accepted into oversized page")
	}

	buf := acc.serialize()
	if len(buf)%PageSize != 0 {
		t.Fatalf("chunk length %d not a multiple of %d", len(buf), PageSize)
	}
	if len(buf) <= 3*PageSize {
		t.Fatalf("chunk length %d too small for %d-byte value", len(buf), len(big))
	}
	v, err := decodePage(buf)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	if v.chunkSize() != len(buf) {
		t.Fatalf("chunkSize = %d, want %d", v.chunkSize(), len(buf))
	}
	pe, ok := v.search([]byte("huge"))
	if !ok {
		t.Fatalf("oversized key not found")
	}
	if !bytes.Equal(pe.value, big) {
		t.Fatalf("oversized value corrupted: got %d bytes, want %d", len(pe.value), len(big))
	}
}

func TestPageSerializeDecodeRoundTrip(t *testing.T) {
	acc := newPageAcc(0)
	entries := []struct {
		key string
		e   pageEntry
	}{
		{"a", pageEntry{kind: KindInsert, value: []byte("va")}},
		{"b", pageEntry{kind: KindMupdate, value: []byte("vb")}},
		{"c", pageEntry{kind: KindDelete}},
		{"d", pageEntry{kind: KindInsert, value: []byte("vd"), hasBlob: true, blob: BlobSpan{Offset: 7, Size: 21}}},
		{"e", pageEntry{kind: KindInsert, value: nil}},
	}
	for _, kv := range entries {
		if !acc.add([]byte(kv.key), kv.e) {
			t.Fatalf("add(%q) rejected", kv.key)
		}
	}
	buf := acc.serialize()
	if len(buf) != PageSize {
		t.Fatalf("page length = %d, want %d", len(buf), PageSize)
	}

	v, err := decodePage(buf)
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	if v.numElems != len(entries) || v.numBlobs != 1 {
		t.Fatalf("decoded (numElems,numBlobs) = (%d,%d), want (%d,1)", v.numElems, v.numBlobs, len(entries))
	}
	for i, kv := range entries {
		if got := string(v.keyAt(i)); got != kv.key {
			t.Fatalf("keyAt(%d) = %q, want %q", i, got, kv.key)
		}
		pe, ok := v.search([]byte(kv.key))
		if !ok {
			t.Fatalf("search(%q) not found", kv.key)
		}
		if pe.kind != kv.e.kind {
			t.Fatalf("search(%q) kind = %d, want %d", kv.key, pe.kind, kv.e.kind)
		}
		if !bytes.Equal(pe.value, kv.e.value) {
			t.Fatalf("search(%q) value = %q, want %q", kv.key, pe.value, kv.e.value)
		}
		if pe.hasBlob != kv.e.hasBlob || pe.blob != kv.e.blob {
			t.Fatalf("search(%q) blob = (%v,%+v), want (%v,%+v)", kv.key, pe.hasBlob, pe.blob, kv.e.hasBlob, kv.e.blob)
		}
	}
	if _, ok := v.search([]byte("zz")); ok {
		t.Fatalf("search(zz) unexpectedly found")
	}
}

func TestPageAccRangeFinderPartition(t *testing.T) {
	acc := newPageAcc(8) // bucket by the first key byte
	if !acc.add([]byte("alpha"), pageEntry{kind: KindInsert, value: []byte("1")}) {
		t.Fatalf("first pair rejected")
	}
	if !acc.add([]byte("and"), pageEntry{kind: KindInsert, value: []byte("2")}) {
		t.Fatalf("same-bucket pair rejected")
	}
	if acc.add([]byte("beta"), pageEntry{kind: KindInsert, value: []byte("3")}) {
		t.Fatalf("cross-bucket pair accepted with precision 8")
	}
}

func TestKeyTopBits(t *testing.T) {
	cases := []struct {
		key  []byte
		p    int
		want uint16
	}{
		{[]byte{0xff, 0x00}, 8, 0xff},
		{[]byte{0xff, 0xff}, 16, 0xffff},
		{[]byte{0x80}, 1, 1},
		{[]byte{0x7f}, 1, 0},
		{[]byte{}, 8, 0},
		{[]byte{0xab}, 0, 0},
	}
	for _, tc := range cases {
		if got := keyTopBits(tc.key, tc.p); got != tc.want {
			t.Errorf("keyTopBits(%x,%d) = %#x, want %#x", tc.key, tc.p, got, tc.want)
		}
	}
}

// Words underneath the bit-packed maps start zeroed; entries whose bits are
// zero must not disturb neighbors across word boundaries.
func TestPageBitmapWordBoundaries(t *testing.T) {
	acc := newPageAcc(0)
	n := 70 // spans two bitmap words and three crumb words
	for i := 0; i < n; i++ {
		pe := pageEntry{kind: KindInsert, value: []byte{byte(i)}}
		if i%3 == 0 {
			pe.kind = KindDelete
			pe.value = nil
		}
		if i == 64 {
			pe.hasBlob = true
			pe.blob = BlobSpan{Offset: 1, Size: 2}
		}
		if !acc.add([]byte(fmt.Sprintf("k%03d", i)), pe) {
			t.Fatalf("add %d rejected", i)
		}
	}
	v, err := decodePage(acc.serialize())
	if err != nil {
		t.Fatalf("decodePage: %v", err)
	}
	for i := 0; i < n; i++ {
		wantKind := KindInsert
		if i%3 == 0 {
			wantKind = KindDelete
		}
		if got := v.kindAt(i); got != wantKind {
			t.Fatalf("kindAt(%d) = %d, want %d", i, got, wantKind)
		}
		if got := v.hasBlobAt(i); got != (i == 64) {
			t.Fatalf("hasBlobAt(%d) = %v, want %v", i, got, i == 64)
		}
	}
}
