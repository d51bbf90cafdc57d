package lsm

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"sort"

	"github.com/bits-and-blooms/bitset"
)

// pageRange is an inclusive range of logical page indices.
type pageRange struct {
	lo, hi uint32
}

// indexBuilder constructs a run's compact index incrementally. For each
// finished page it is told the page's first key; pages arrive in key order
// and appends are processed in fixed-size chunks to bound intermediate work.
//
// Because a page never mixes keys from two range-finder buckets, each bucket
// maps to the contiguous range of pages whose first key hashes into it.
type indexBuilder struct {
	precision int
	chunkSize int

	firstKeys [][]byte
	diskPages []uint32 // disk-page index where each logical page chunk starts

	pending     []uint16 // buckets of appended pages awaiting chunk processing
	pendingBase int      // logical page index of pending[0]

	buckets    []pageRange
	occupied   *bitset.BitSet
	lastBucket int
}

func newIndexBuilder(precision, chunkSize int) *indexBuilder {
	return &indexBuilder{
		precision:  precision,
		chunkSize:  chunkSize,
		buckets:    make([]pageRange, 1<<uint(precision)),
		occupied:   bitset.New(1 << uint(precision)),
		lastBucket: -1,
	}
}

// Append records a finished page by its first key and disk position.
func (b *indexBuilder) Append(firstKey []byte, diskPage uint32) {
	b.firstKeys = append(b.firstKeys, append([]byte(nil), firstKey...))
	b.diskPages = append(b.diskPages, diskPage)
	b.pending = append(b.pending, keyTopBits(firstKey, b.precision))
	if len(b.pending) >= b.chunkSize {
		b.flushChunk()
	}
}

// fillBucketRange writes a constant page range into a contiguous span of
// buckets. Overlapping writes must follow page order.
func fillBucketRange(buckets []pageRange, loBound, hiBound int, value pageRange) {
	for i := loBound; i <= hiBound; i++ {
		buckets[i] = value
	}
}

func (b *indexBuilder) flushChunk() {
	for i, bk := range b.pending {
		page := uint32(b.pendingBase + i)
		bucket := int(bk)
		if b.occupied.Test(uint(bucket)) {
			b.buckets[bucket].hi = page
			continue
		}
		// Buckets skipped between the previous page's bucket and this one
		// hold no keys (pages are bucket-pure); point them at the last page
		// before the gap so searches stay in bounds.
		if bucket > b.lastBucket+1 {
			prev := pageRange{}
			if page > 0 {
				prev = pageRange{lo: page - 1, hi: page - 1}
			}
			fillBucketRange(b.buckets, b.lastBucket+1, bucket-1, prev)
		}
		b.buckets[bucket] = pageRange{lo: page, hi: page}
		b.occupied.Set(uint(bucket))
		b.lastBucket = bucket
	}
	b.pendingBase += len(b.pending)
	b.pending = b.pending[:0]
}

// Finish seals the builder. totalDiskPages is the disk length of the run in
// pages, used to size the final page chunk.
func (b *indexBuilder) Finish(totalDiskPages uint32) *compactIndex {
	b.flushChunk()
	n := uint32(len(b.firstKeys))
	if n > 0 && b.lastBucket+1 < len(b.buckets) {
		fillBucketRange(b.buckets, b.lastBucket+1, len(b.buckets)-1, pageRange{lo: n - 1, hi: n - 1})
	}
	return &compactIndex{
		precision:      b.precision,
		buckets:        b.buckets,
		firstKeys:      b.firstKeys,
		diskPages:      b.diskPages,
		totalDiskPages: totalDiskPages,
	}
}

// compactIndex maps a key to the logical pages that could contain it.
type compactIndex struct {
	precision      int
	buckets        []pageRange
	firstKeys      [][]byte
	diskPages      []uint32
	totalDiskPages uint32
}

func (ix *compactIndex) NumPages() int { return len(ix.firstKeys) }

// Search returns an inclusive logical page range [lo, hi] such that if key is
// present in the run it lives in a page within that range.
func (ix *compactIndex) Search(key []byte) (int, int) {
	if len(ix.firstKeys) == 0 {
		return 0, -1
	}
	r := ix.buckets[keyTopBits(key, ix.precision)]
	lo, hi := int(r.lo), int(r.hi)
	// Narrow to the rightmost page in the bucket whose first key is <= key.
	i := sort.Search(hi-lo+1, func(i int) bool {
		return bytes.Compare(ix.firstKeys[lo+i], key) > 0
	})
	if i == 0 {
		return lo, lo
	}
	p := lo + i - 1
	return p, p
}

// diskSpan returns the disk page offset and length in disk pages of a
// logical page chunk.
func (ix *compactIndex) diskSpan(page int) (uint32, uint32) {
	start := ix.diskPages[page]
	end := ix.totalDiskPages
	if page+1 < len(ix.diskPages) {
		end = ix.diskPages[page+1]
	}
	return start, end - start
}

// --- sidecar serialization ---

const indexHeaderSize = 24 // precision:u16, pad:u16, bodyCRC:u32, numPages:u64, numBuckets:u64

func (ix *compactIndex) writeTo(w io.Writer) error {
	var buf bytes.Buffer
	var u32 [4]byte
	for _, r := range ix.buckets {
		binary.LittleEndian.PutUint32(u32[:], r.lo)
		buf.Write(u32[:])
		binary.LittleEndian.PutUint32(u32[:], r.hi)
		buf.Write(u32[:])
	}
	var u16 [2]byte
	for _, k := range ix.firstKeys {
		binary.LittleEndian.PutUint16(u16[:], uint16(len(k)))
		buf.Write(u16[:])
		buf.Write(k)
	}
	for _, d := range ix.diskPages {
		binary.LittleEndian.PutUint32(u32[:], d)
		buf.Write(u32[:])
	}
	binary.LittleEndian.PutUint32(u32[:], ix.totalDiskPages)
	buf.Write(u32[:])

	var hdr [indexHeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(ix.precision))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(buf.Bytes(), sidecarCRCTab))
	binary.LittleEndian.PutUint64(hdr[8:16], uint64(len(ix.firstKeys)))
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(len(ix.buckets)))
	if _, err := w.Write(hdr[:]); err != nil {
		return wrapIO(err, "write index header")
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return wrapIO(err, "write index body")
	}
	return nil
}

func readCompactIndex(f File) (*compactIndex, error) {
	size, err := f.Size()
	if err != nil {
		return nil, err
	}
	raw := make([]byte, size)
	if _, err := f.ReadAt(raw, 0); err != nil {
		return nil, wrapIO(err, "read index file")
	}
	if len(raw) < indexHeaderSize {
		return nil, corruptionf("index file shorter than header: %d bytes", len(raw))
	}
	wantCRC := binary.LittleEndian.Uint32(raw[4:8])
	if got := crc32.Checksum(raw[indexHeaderSize:], sidecarCRCTab); got != wantCRC {
		return nil, corruptionf("index checksum mismatch: got %x, want %x", got, wantCRC)
	}
	ix := &compactIndex{precision: int(binary.LittleEndian.Uint16(raw[0:2]))}
	numPages := int(binary.LittleEndian.Uint64(raw[8:16]))
	numBuckets := int(binary.LittleEndian.Uint64(raw[16:24]))
	if numBuckets != 1<<uint(ix.precision) {
		return nil, corruptionf("index bucket count %d does not match precision %d", numBuckets, ix.precision)
	}
	off := indexHeaderSize
	need := numBuckets * 8
	if off+need > len(raw) {
		return nil, corruptionf("index bucket array truncated")
	}
	ix.buckets = make([]pageRange, numBuckets)
	for i := range ix.buckets {
		ix.buckets[i].lo = binary.LittleEndian.Uint32(raw[off : off+4])
		ix.buckets[i].hi = binary.LittleEndian.Uint32(raw[off+4 : off+8])
		off += 8
	}
	ix.firstKeys = make([][]byte, numPages)
	for i := range ix.firstKeys {
		if off+2 > len(raw) {
			return nil, corruptionf("index first-key section truncated")
		}
		n := int(binary.LittleEndian.Uint16(raw[off : off+2]))
		off += 2
		if off+n > len(raw) {
			return nil, corruptionf("index first-key section truncated")
		}
		ix.firstKeys[i] = append([]byte(nil), raw[off:off+n]...)
		off += n
	}
	if off+numPages*4+4 > len(raw) {
		return nil, corruptionf("index disk-page section truncated")
	}
	ix.diskPages = make([]uint32, numPages)
	for i := range ix.diskPages {
		ix.diskPages[i] = binary.LittleEndian.Uint32(raw[off : off+4])
		off += 4
	}
	ix.totalDiskPages = binary.LittleEndian.Uint32(raw[off : off+4])
	return ix, nil
}
