package lsm

import (
	"io"
	"os"
	"sort"
)

// FS is the filesystem surface the engine needs. The default implementation
// wraps the os package; tests may substitute their own.
type FS interface {
	Create(name string) (File, error)
	Open(name string) (File, error)
	Remove(name string) error
	Rename(oldname, newname string) error
	Exists(name string) (bool, error)
	MkdirAll(dir string) error
}

// File is an open file handle supporting positional reads.
type File interface {
	io.ReaderAt
	io.Writer
	io.Closer
	Sync() error
	Size() (int64, error)
}

// BlockRead is a single positional read request against an open file.
type BlockRead struct {
	File   File
	Offset int64
	Buf    []byte
}

// BlockIO submits batches of positional reads. Implementations may reorder
// requests; every buffer is fully populated on a nil return.
type BlockIO interface {
	ReadBatch(reqs []BlockRead) error
}

// --- os-backed implementations ---

type osFS struct{}

// NewOSFS returns an FS backed by the os package.
func NewOSFS() FS { return osFS{} }

func (osFS) Create(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, wrapIO(err, "create %s", name)
	}
	return osFile{f}, nil
}

func (osFS) Open(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, wrapIO(err, "open %s", name)
	}
	return osFile{f}, nil
}

func (osFS) Remove(name string) error {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return wrapIO(err, "remove %s", name)
	}
	return nil
}

func (osFS) Rename(oldname, newname string) error {
	return wrapIO(os.Rename(oldname, newname), "rename %s", oldname)
}

func (osFS) Exists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, wrapIO(err, "stat %s", name)
}

func (osFS) MkdirAll(dir string) error {
	return wrapIO(os.MkdirAll(dir, 0o755), "mkdir %s", dir)
}

type osFile struct{ f *os.File }

func (o osFile) ReadAt(p []byte, off int64) (int, error) { return o.f.ReadAt(p, off) }
func (o osFile) Write(p []byte) (int, error)             { return o.f.Write(p) }
func (o osFile) Close() error                            { return o.f.Close() }
func (o osFile) Sync() error                             { return o.f.Sync() }

func (o osFile) Size() (int64, error) {
	fi, err := o.f.Stat()
	if err != nil {
		return 0, wrapIO(err, "stat open file")
	}
	return fi.Size(), nil
}

type osBlockIO struct{}

// NewOSBlockIO returns a BlockIO that issues the reads of a batch in file
// offset order, one ReadAt per request.
func NewOSBlockIO() BlockIO { return osBlockIO{} }

func (osBlockIO) ReadBatch(reqs []BlockRead) error {
	ordered := make([]*BlockRead, len(reqs))
	for i := range reqs {
		ordered[i] = &reqs[i]
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })
	for _, r := range ordered {
		if _, err := r.File.ReadAt(r.Buf, r.Offset); err != nil {
			return wrapIO(err, "block read at %d", r.Offset)
		}
	}
	return nil
}
