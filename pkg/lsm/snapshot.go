package lsm

import (
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// SnapshotName is a validated snapshot identifier. Construct with
// MkSnapshotName.
type SnapshotName string

var snapshotNameRe = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// Reserved device filenames that are valid per the grammar but not usable as
// filenames everywhere.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true, "com5": true,
	"com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true, "lpt5": true,
	"lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// MkSnapshotName validates s: 1-64 characters of [a-z0-9_-], usable as a
// filename on POSIX and Windows.
func MkSnapshotName(s string) (SnapshotName, bool) {
	if !snapshotNameRe.MatchString(s) || reservedNames[s] {
		return "", false
	}
	return SnapshotName(s), true
}

// snapshotRecord is a frozen table descriptor: the level layout at snapshot
// time, holding one reference per recorded run.
type snapshotRecord struct {
	typeLabel string
	levels    [][]*Run
}

func (rec *snapshotRecord) release() {
	for _, runs := range rec.levels {
		for _, r := range runs {
			_ = r.removeReference()
		}
	}
}

// Session owns a directory of run files, the run-id allocator, the shared
// page cache, and the process-wide snapshot registry for that directory.
type Session struct {
	dir   string
	fs    FS
	bio   BlockIO
	opts  Options
	log   *zap.Logger
	cache *pageCache

	runID     atomic.Uint64
	snapshots *xsync.MapOf[SnapshotName, *snapshotRecord]

	mu     sync.Mutex
	tables map[*Table]struct{}
	closed bool
}

// NewSession opens a session rooted at dir. The session assumes exclusive
// control of the directory.
func NewSession(fs FS, bio BlockIO, dir string, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if err := fs.MkdirAll(dir); err != nil {
		return nil, err
	}
	return &Session{
		dir:       dir,
		fs:        fs,
		bio:       bio,
		opts:      opts,
		log:       opts.Logger,
		cache:     newPageCache(opts.CachePolicy, opts.PageCacheCapacity),
		snapshots: xsync.NewMapOf[SnapshotName, *snapshotRecord](),
		tables:    make(map[*Table]struct{}),
	}, nil
}

func (s *Session) nextRunID() uint64 { return s.runID.Add(1) }

// NewTable creates an empty table. typeLabel identifies the caller's
// key/value encoding and is checked when reopening snapshots.
func (s *Session) NewTable(typeLabel string, resolve ResolveFunc) (*Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrHandleClosed
	}
	return s.newTableLocked(typeLabel, resolve), nil
}

func (s *Session) newTableLocked(typeLabel string, resolve ResolveFunc) *Table {
	if resolve == nil {
		resolve = ResolveConcat
	}
	t := &Table{
		sess:      s,
		opts:      s.opts,
		resolve:   resolve,
		typeLabel: typeLabel,
		log:       s.log,
		wb:        NewWriteBuffer(resolve),
	}
	s.tables[t] = struct{}{}
	return t
}

// SaveSnapshot freezes the table under name: the write buffer is flushed and
// the level layout recorded with a reference per run. An existing record
// under the same name is replaced.
func (t *Table) SaveSnapshot(name SnapshotName) error {
	if _, ok := MkSnapshotName(string(name)); !ok {
		return ErrInvalidSnapshotName
	}
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	if err := t.flushLocked(); err != nil {
		return err
	}
	rec := &snapshotRecord{typeLabel: t.typeLabel}
	for _, lv := range t.levels {
		runs := append([]*Run(nil), lv.runs...)
		for _, r := range runs {
			r.addReference()
		}
		rec.levels = append(rec.levels, runs)
	}
	if old, ok := t.sess.snapshots.LoadAndStore(name, rec); ok {
		old.release()
	}
	t.log.Info("snapshot saved", zap.String("name", string(name)))
	return nil
}

// OpenSnapshot materializes a snapshot as a new independent table.
func (s *Session) OpenSnapshot(name SnapshotName, typeLabel string, resolve ResolveFunc) (*Table, error) {
	if _, ok := MkSnapshotName(string(name)); !ok {
		return nil, ErrInvalidSnapshotName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrHandleClosed
	}
	rec, ok := s.snapshots.Load(name)
	if !ok {
		return nil, ErrNoSuchSnapshot
	}
	if rec.typeLabel != typeLabel {
		return nil, ErrSnapshotTypeMismatch
	}
	t := s.newTableLocked(typeLabel, resolve)
	for _, runs := range rec.levels {
		lvRuns := append([]*Run(nil), runs...)
		for _, r := range lvRuns {
			r.addReference()
		}
		t.levels = append(t.levels, &level{runs: lvRuns})
	}
	return t, nil
}

// DeleteSnapshot removes a snapshot record and releases its run references.
func (s *Session) DeleteSnapshot(name SnapshotName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrHandleClosed
	}
	rec, ok := s.snapshots.LoadAndDelete(name)
	if !ok {
		return ErrNoSuchSnapshot
	}
	rec.release()
	return nil
}

// Snapshots lists the registered snapshot names.
func (s *Session) Snapshots() []SnapshotName {
	var names []SnapshotName
	s.snapshots.Range(func(name SnapshotName, _ *snapshotRecord) bool {
		names = append(names, name)
		return true
	})
	return names
}

// Close closes every table of the session, releases all snapshot records,
// and marks the session invalid.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	for t := range s.tables {
		if err := t.closeLocked(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.snapshots.Range(func(name SnapshotName, rec *snapshotRecord) bool {
		rec.release()
		s.snapshots.Delete(name)
		return true
	})
	return firstErr
}
