package lsm

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"

	bloom "github.com/bits-and-blooms/bloom/v3"
)

var sidecarCRCTab = crc32.MakeTable(crc32.Castagnoli)

// bloomFilter wraps the per-run filter. Sizing is fixed bits per entry
// (RunBloomFilterAlloc); the hash count follows from that ratio.
type bloomFilter struct {
	f *bloom.BloomFilter
}

func newBloomFilter(expectedEntries, bitsPerEntry int) *bloomFilter {
	if expectedEntries < 1 {
		expectedEntries = 1
	}
	m := uint(expectedEntries * bitsPerEntry)
	k := uint(math.Round(math.Ln2 * float64(bitsPerEntry)))
	if k < 1 {
		k = 1
	}
	return &bloomFilter{f: bloom.New(m, k)}
}

func (b *bloomFilter) Insert(key []byte) { b.f.Add(key) }

func (b *bloomFilter) MayContain(key []byte) bool { return b.f.Test(key) }

func (b *bloomFilter) BitLen() uint { return b.f.Cap() }

// writeTo serializes the filter as a u32 length prefix and u32 Castagnoli
// checksum followed by the filter's own binary encoding.
func (b *bloomFilter) writeTo(w io.Writer) error {
	var buf bytes.Buffer
	if _, err := b.f.WriteTo(&buf); err != nil {
		return wrapIO(err, "encode bloom filter")
	}
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(buf.Len()))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.Checksum(buf.Bytes(), sidecarCRCTab))
	if _, err := w.Write(hdr[:]); err != nil {
		return wrapIO(err, "write bloom filter header")
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return wrapIO(err, "write bloom filter body")
	}
	return nil
}

func readBloomFilter(f File) (*bloomFilter, error) {
	var hdr [8]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, wrapIO(err, "read bloom filter header")
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	wantCRC := binary.LittleEndian.Uint32(hdr[4:8])
	body := make([]byte, n)
	if _, err := f.ReadAt(body, 8); err != nil {
		return nil, wrapIO(err, "read bloom filter body")
	}
	if got := crc32.Checksum(body, sidecarCRCTab); got != wantCRC {
		return nil, corruptionf("bloom filter checksum mismatch: got %x, want %x", got, wantCRC)
	}
	bf := bloom.New(1, 1)
	if _, err := bf.ReadFrom(bytes.NewReader(body)); err != nil {
		return nil, corruptionf("decode bloom filter: %v", err)
	}
	return &bloomFilter{f: bf}, nil
}
