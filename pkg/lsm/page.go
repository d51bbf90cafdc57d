package lsm

import (
	"bytes"
	"encoding/binary"
	"sort"
)

// PageSize is the unit of run storage. Every serialized page is exactly this
// size except the single-entry overflow case, which is padded to the next
// multiple.
const PageSize = 4096

// pageDirSize is the fixed directory at the front of every page:
// numElems:u16, numBlobs:u16, keyOffsetsOffset:u16, 0:u16.
const pageDirSize = 8

// pageEntry is the on-page form of an entry: the blob payload has already
// been written to the run's blob file and reduced to a span.
type pageEntry struct {
	kind    EntryKind
	value   []byte
	hasBlob bool
	blob    BlobSpan
}

// keyTopBits returns the top p bits of the key, reading the first sixteen
// bits big-endian and zero-padding short keys.
func keyTopBits(key []byte, p int) uint16 {
	if p == 0 {
		return 0
	}
	var v uint16
	if len(key) > 0 {
		v = uint16(key[0]) << 8
	}
	if len(key) > 1 {
		v |= uint16(key[1])
	}
	return v >> (16 - p)
}

// pageAcc accumulates key/entry pairs destined for one disk page.
type pageAcc struct {
	precision    int
	keys         [][]byte
	entries      []pageEntry
	numBlobs     int
	keyBytes     int
	valueBytes   int
	firstKeyBits uint16
}

func newPageAcc(precision int) *pageAcc {
	return &pageAcc{precision: precision}
}

func (a *pageAcc) numElems() int { return len(a.keys) }

func (a *pageAcc) reset() {
	a.keys = a.keys[:0]
	a.entries = a.entries[:0]
	a.numBlobs = 0
	a.keyBytes = 0
	a.valueBytes = 0
}

// pageHeaderSize is the byte size of sections (1)-(6) for n elements of
// which b carry blobs.
func pageHeaderSize(n, b int) int {
	sz := pageDirSize
	sz += (n + 63) / 64 * 8 // blob-present bitmap
	sz += (n + 31) / 32 * 8 // operation crumbmap
	sz += b * 12            // blob span array
	sz += n * 2             // key offsets
	if n == 1 {
		sz += 6 // u16 start + u32 end, allows large values
	} else {
		sz += (n + 1) * 2
	}
	return sz
}

func (a *pageAcc) serializedSize() int {
	return pageHeaderSize(a.numElems(), a.numBlobs) + a.keyBytes + a.valueBytes
}

// add accepts or rejects the pair. A rejected pair means the caller must
// serialize the page and retry on a fresh accumulator; an empty accumulator
// accepts any pair, so retry cannot fail.
func (a *pageAcc) add(key []byte, e pageEntry) bool {
	n := a.numElems()
	if n > 0 {
		if keyTopBits(key, a.precision) != a.firstKeyBits {
			return false
		}
		blobs := a.numBlobs
		if e.hasBlob {
			blobs++
		}
		projected := pageHeaderSize(n+1, blobs) + a.keyBytes + len(key) + a.valueBytes + len(e.value)
		if projected > PageSize {
			return false
		}
	} else {
		a.firstKeyBits = keyTopBits(key, a.precision)
	}
	a.keys = append(a.keys, key)
	a.entries = append(a.entries, e)
	if e.hasBlob {
		a.numBlobs++
	}
	a.keyBytes += len(key)
	a.valueBytes += len(e.value)
	return true
}

// serialize renders the accumulated page, zero-padded to a PageSize multiple.
// The accumulator must be non-empty.
func (a *pageAcc) serialize() []byte {
	n := a.numElems()
	hdr := pageHeaderSize(n, a.numBlobs)
	total := hdr + a.keyBytes + a.valueBytes
	padded := (total + PageSize - 1) / PageSize * PageSize
	buf := make([]byte, padded)

	koo := pageDirSize + (n+63)/64*8 + (n+31)/32*8 + a.numBlobs*12
	binary.LittleEndian.PutUint16(buf[0:2], uint16(n))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(a.numBlobs))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(koo))

	// Bit-packed maps. Words start zeroed, so only non-zero writes or bits in.
	bitmapOff := pageDirSize
	crumbOff := bitmapOff + (n+63)/64*8
	spanOff := crumbOff + (n+31)/32*8
	spanIx := 0
	for i, e := range a.entries {
		if e.hasBlob {
			w := bitmapOff + i/64*8
			word := binary.LittleEndian.Uint64(buf[w : w+8])
			word |= 1 << uint(i%64)
			binary.LittleEndian.PutUint64(buf[w:w+8], word)

			off := spanOff + spanIx*12
			binary.LittleEndian.PutUint64(buf[off:off+8], e.blob.Offset)
			binary.LittleEndian.PutUint32(buf[off+8:off+12], e.blob.Size)
			spanIx++
		}
		if c := uint64(e.kind); c != 0 {
			w := crumbOff + i/32*8
			word := binary.LittleEndian.Uint64(buf[w : w+8])
			word |= c << uint(2*(i%32))
			binary.LittleEndian.PutUint64(buf[w:w+8], word)
		}
	}

	// Key and value offsets are absolute within the page chunk.
	keyStart := hdr
	valStart := keyStart + a.keyBytes
	off := koo
	pos := keyStart
	for _, k := range a.keys {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(pos))
		off += 2
		pos += len(k)
	}
	if n == 1 {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(valStart))
		binary.LittleEndian.PutUint32(buf[off+2:off+6], uint32(valStart+a.valueBytes))
	} else {
		pos = valStart
		for _, e := range a.entries {
			binary.LittleEndian.PutUint16(buf[off:off+2], uint16(pos))
			off += 2
			pos += len(e.value)
		}
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(pos))
	}

	pos = keyStart
	for _, k := range a.keys {
		copy(buf[pos:], k)
		pos += len(k)
	}
	for _, e := range a.entries {
		copy(buf[pos:], e.value)
		pos += len(e.value)
	}
	return buf
}

// --- page decoding ---

// pageView decodes a serialized page chunk in place.
type pageView struct {
	buf      []byte
	numElems int
	numBlobs int
	koo      int
}

func decodePage(buf []byte) (pageView, error) {
	if len(buf) < pageDirSize {
		return pageView{}, corruptionf("page shorter than directory: %d bytes", len(buf))
	}
	v := pageView{
		buf:      buf,
		numElems: int(binary.LittleEndian.Uint16(buf[0:2])),
		numBlobs: int(binary.LittleEndian.Uint16(buf[2:4])),
		koo:      int(binary.LittleEndian.Uint16(buf[4:6])),
	}
	if v.numElems == 0 {
		return pageView{}, corruptionf("page with zero entries")
	}
	if want := pageDirSize + (v.numElems+63)/64*8 + (v.numElems+31)/32*8 + v.numBlobs*12; want != v.koo {
		return pageView{}, corruptionf("page directory inconsistent: keyOffsetsOffset %d, want %d", v.koo, want)
	}
	if pageHeaderSize(v.numElems, v.numBlobs) > len(buf) {
		return pageView{}, corruptionf("page header exceeds buffer")
	}
	return v, nil
}

// chunkSize reports how many bytes the full page chunk occupies, which
// exceeds PageSize only for a single oversized entry.
func (v pageView) chunkSize() int {
	if v.numElems != 1 {
		return PageSize
	}
	vo := v.koo + 2
	end := int(binary.LittleEndian.Uint32(v.buf[vo+2 : vo+6]))
	return (end + PageSize - 1) / PageSize * PageSize
}

func (v pageView) keyAt(i int) []byte {
	off := int(binary.LittleEndian.Uint16(v.buf[v.koo+2*i : v.koo+2*i+2]))
	var end int
	if i < v.numElems-1 {
		end = int(binary.LittleEndian.Uint16(v.buf[v.koo+2*(i+1) : v.koo+2*(i+1)+2]))
	} else {
		end = v.valueStart()
	}
	return v.buf[off:end]
}

func (v pageView) valueStart() int {
	vo := v.koo + 2*v.numElems
	return int(binary.LittleEndian.Uint16(v.buf[vo : vo+2]))
}

func (v pageView) valueAt(i int) []byte {
	vo := v.koo + 2*v.numElems
	if v.numElems == 1 {
		start := int(binary.LittleEndian.Uint16(v.buf[vo : vo+2]))
		end := int(binary.LittleEndian.Uint32(v.buf[vo+2 : vo+6]))
		return v.buf[start:end]
	}
	start := int(binary.LittleEndian.Uint16(v.buf[vo+2*i : vo+2*i+2]))
	end := int(binary.LittleEndian.Uint16(v.buf[vo+2*(i+1) : vo+2*(i+1)+2]))
	return v.buf[start:end]
}

func (v pageView) kindAt(i int) EntryKind {
	crumbOff := pageDirSize + (v.numElems+63)/64*8
	word := binary.LittleEndian.Uint64(v.buf[crumbOff+i/32*8 : crumbOff+i/32*8+8])
	return EntryKind((word >> uint(2*(i%32))) & 3)
}

func (v pageView) hasBlobAt(i int) bool {
	word := binary.LittleEndian.Uint64(v.buf[pageDirSize+i/64*8 : pageDirSize+i/64*8+8])
	return (word>>uint(i%64))&1 == 1
}

// blobRankAt returns the position of entry i within the blob span array, by
// counting blob bits below i.
func (v pageView) blobRankAt(i int) int {
	rank := 0
	for j := 0; j < i; j++ {
		if v.hasBlobAt(j) {
			rank++
		}
	}
	return rank
}

func (v pageView) blobSpanAt(i int) BlobSpan {
	spanOff := v.koo - v.numBlobs*12 + v.blobRankAt(i)*12
	return BlobSpan{
		Offset: binary.LittleEndian.Uint64(v.buf[spanOff : spanOff+8]),
		Size:   binary.LittleEndian.Uint32(v.buf[spanOff+8 : spanOff+12]),
	}
}

func (v pageView) entryAt(i int) pageEntry {
	e := pageEntry{kind: v.kindAt(i), value: v.valueAt(i)}
	if v.hasBlobAt(i) {
		e.hasBlob = true
		e.blob = v.blobSpanAt(i)
	}
	return e
}

// search locates key within the page by binary search over the key offsets.
func (v pageView) search(key []byte) (pageEntry, bool) {
	i := sort.Search(v.numElems, func(i int) bool {
		return bytes.Compare(v.keyAt(i), key) >= 0
	})
	if i >= v.numElems || !bytes.Equal(v.keyAt(i), key) {
		return pageEntry{}, false
	}
	return v.entryAt(i), true
}
