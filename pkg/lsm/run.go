package lsm

import (
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
)

// runFilePaths returns the four file paths of the run with the given id, in
// the order keyops, blobs, filter, index.
func runFilePaths(dir string, id uint64) [4]string {
	return [4]string{
		filepath.Join(dir, fmt.Sprintf("%d.keyops", id)),
		filepath.Join(dir, fmt.Sprintf("%d.blobs", id)),
		filepath.Join(dir, fmt.Sprintf("%d.filter", id)),
		filepath.Join(dir, fmt.Sprintf("%d.index", id)),
	}
}

// Run is an immutable sorted file of pages plus sidecar filter, index, and
// blob files. Runs are shared by reference count across tables, snapshots,
// and in-progress merges; the holder of the last reference unlinks all four
// files.
type Run struct {
	id     uint64
	dir    string
	fs     FS
	keyops File
	blobs  File
	filter *bloomFilter
	index  *compactIndex

	numEntries int
	refs       atomic.Int32
	cache      *pageCache
}

func (r *Run) NumEntries() int { return r.numEntries }

func (r *Run) addReference() { r.refs.Add(1) }

// removeReference drops one reference. When the count reaches zero the open
// handles are closed and the run's four files are unlinked.
func (r *Run) removeReference() error {
	if r.refs.Add(-1) > 0 {
		return nil
	}
	var firstErr error
	if err := r.keyops.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.blobs.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, p := range runFilePaths(r.dir, r.id) {
		if err := r.fs.Remove(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fetchPage reads the serialized chunk of a logical page, consulting the
// page cache first.
func (r *Run) fetchPage(page int) ([]byte, error) {
	if buf, ok := r.cache.get(r.id, page); ok {
		return buf, nil
	}
	start, count := r.index.diskSpan(page)
	buf := make([]byte, int(count)*PageSize)
	if _, err := r.keyops.ReadAt(buf, int64(start)*PageSize); err != nil {
		return nil, wrapIO(err, "read run %d page %d", r.id, page)
	}
	r.cache.put(r.id, page, buf)
	return buf, nil
}

// readBlob reads an out-of-line payload from the run's blob file.
func (r *Run) readBlob(span BlobSpan) ([]byte, error) {
	buf := make([]byte, span.Size)
	if _, err := r.blobs.ReadAt(buf, int64(span.Offset)); err != nil {
		return nil, wrapIO(err, "read run %d blob at %d", r.id, span.Offset)
	}
	return buf, nil
}

// --- run construction ---

// runBuilder streams ordered key/entry pairs into the four run files. With
// tmp set the files are built under a .tmp suffix and renamed on Finish, so
// an aborted build leaves nothing behind.
type runBuilder struct {
	fs    FS
	opts  Options
	dir   string
	id    uint64
	cache *pageCache

	acc    *pageAcc
	filter *bloomFilter
	index  *indexBuilder

	keyopsF File
	blobsF  File

	tmp       bool
	diskPages uint32
	entries   int
	blobOff   uint64
}

func tmpPath(p string) string { return p + ".tmp" }

func newRunBuilder(fs FS, opts Options, cache *pageCache, dir string, id uint64, expectedEntries int, tmp bool) (*runBuilder, error) {
	paths := runFilePaths(dir, id)
	kp, bp := paths[0], paths[1]
	if tmp {
		kp, bp = tmpPath(kp), tmpPath(bp)
	}
	keyopsF, err := fs.Create(kp)
	if err != nil {
		return nil, err
	}
	blobsF, err := fs.Create(bp)
	if err != nil {
		_ = keyopsF.Close()
		_ = fs.Remove(kp)
		return nil, err
	}
	return &runBuilder{
		fs:      fs,
		opts:    opts,
		dir:     dir,
		id:      id,
		cache:   cache,
		acc:     newPageAcc(opts.RangeFinderPrecision),
		filter:  newBloomFilter(expectedEntries, opts.RunBloomFilterAlloc),
		index:   newIndexBuilder(opts.RangeFinderPrecision, opts.ChunkSize),
		keyopsF: keyopsF,
		blobsF:  blobsF,
		tmp:     tmp,
	}, nil
}

// Add appends the next pair. Keys must arrive in strictly increasing order.
func (b *runBuilder) Add(key []byte, e Entry) error {
	pe := pageEntry{kind: e.Kind, value: e.Value}
	if e.Blob != nil {
		if _, err := b.blobsF.Write(e.Blob); err != nil {
			return wrapIO(err, "write blob for run %d", b.id)
		}
		pe.hasBlob = true
		pe.blob = BlobSpan{Offset: b.blobOff, Size: uint32(len(e.Blob))}
		b.blobOff += uint64(len(e.Blob))
	}
	b.filter.Insert(key)
	if !b.acc.add(key, pe) {
		if err := b.emitPage(); err != nil {
			return err
		}
		b.acc.add(key, pe)
	}
	b.entries++
	return nil
}

func (b *runBuilder) emitPage() error {
	if b.acc.numElems() == 0 {
		return nil
	}
	buf := b.acc.serialize()
	b.index.Append(b.acc.keys[0], b.diskPages)
	if _, err := b.keyopsF.Write(buf); err != nil {
		return wrapIO(err, "write run %d page", b.id)
	}
	b.diskPages += uint32(len(buf) / PageSize)
	b.acc.reset()
	return nil
}

// Finish flushes the final page, writes the filter and index sidecars, and
// returns the run with one reference held by the caller.
func (b *runBuilder) Finish() (*Run, error) {
	if err := b.emitPage(); err != nil {
		return nil, err
	}
	if err := b.keyopsF.Sync(); err != nil {
		return nil, wrapIO(err, "sync run %d keyops", b.id)
	}
	if err := b.blobsF.Sync(); err != nil {
		return nil, wrapIO(err, "sync run %d blobs", b.id)
	}
	index := b.index.Finish(b.diskPages)

	paths := runFilePaths(b.dir, b.id)
	fp, ip := paths[2], paths[3]
	if b.tmp {
		fp, ip = tmpPath(fp), tmpPath(ip)
	}
	if err := b.writeSidecar(fp, b.filter.writeTo); err != nil {
		return nil, err
	}
	if err := b.writeSidecar(ip, index.writeTo); err != nil {
		return nil, err
	}
	if b.tmp {
		for _, p := range paths {
			if err := b.fs.Rename(tmpPath(p), p); err != nil {
				return nil, err
			}
		}
	}
	r := &Run{
		id:         b.id,
		dir:        b.dir,
		fs:         b.fs,
		keyops:     b.keyopsF,
		blobs:      b.blobsF,
		filter:     b.filter,
		index:      index,
		numEntries: b.entries,
		cache:      b.cache,
	}
	r.refs.Store(1)
	return r, nil
}

func (b *runBuilder) writeSidecar(path string, write func(w io.Writer) error) error {
	f, err := b.fs.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return wrapIO(err, "sync %s", path)
	}
	return f.Close()
}

// Abort closes the partial output and removes whatever was created, both
// temporary and final names.
func (b *runBuilder) Abort() {
	_ = b.keyopsF.Close()
	_ = b.blobsF.Close()
	for _, p := range runFilePaths(b.dir, b.id) {
		_ = b.fs.Remove(p)
		_ = b.fs.Remove(tmpPath(p))
	}
}

// runFromWriteBuffer flushes an ordered write buffer into a new run.
func runFromWriteBuffer(fs FS, opts Options, cache *pageCache, dir string, id uint64, wb *WriteBuffer) (*Run, error) {
	b, err := newRunBuilder(fs, opts, cache, dir, id, wb.NumEntries(), false)
	if err != nil {
		return nil, err
	}
	for c := wb.Cursor(); c.Valid(); c.Advance() {
		kv := c.Peek()
		if err := b.Add(kv.Key, kv.Entry); err != nil {
			b.Abort()
			return nil, err
		}
	}
	r, err := b.Finish()
	if err != nil {
		b.Abort()
		return nil, err
	}
	return r, nil
}
