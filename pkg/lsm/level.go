package lsm

import (
	"bytes"
	"container/heap"

	"go.uber.org/zap"
)

// level holds the runs of one age class, newest first, plus the in-progress
// merge pushing them into the next level. At most one merge per level.
type level struct {
	runs            []*Run
	merge           *Merge
	mergingRuns     []*Run
	creditPerUpdate int
}

// Table is an ordered list of levels plus the active write buffer. All
// public operations hold the owning session's mutex for their duration; runs referenced
// by a table stay alive until the table drops them.
type Table struct {
	sess      *Session
	opts      Options
	resolve   ResolveFunc
	typeLabel string
	log       *zap.Logger

	wb     *WriteBuffer
	levels []*level
	closed bool
}

// KeyValue is one result of a range lookup.
type KeyValue struct {
	Key   []byte
	Value []byte
}

func (t *Table) guard() error {
	if t.closed {
		return ErrHandleClosed
	}
	return nil
}

// Insert records key -> value.
func (t *Table) Insert(key, value []byte) error {
	return t.update(key, Entry{Kind: KindInsert, Value: value})
}

// InsertWithBlob records key -> value with an out-of-line payload that will
// be spilled to the run's blob file on flush.
func (t *Table) InsertWithBlob(key, value, blob []byte) error {
	if blob == nil {
		blob = []byte{}
	}
	return t.update(key, Entry{Kind: KindInsert, Value: value, Blob: blob})
}

// Delete records a tombstone for key.
func (t *Table) Delete(key []byte) error {
	return t.update(key, Entry{Kind: KindDelete})
}

// Mupsert records a monoidal upsert: value is combined with the current
// value using the table's resolve function.
func (t *Table) Mupsert(key, value []byte) error {
	return t.update(key, Entry{Kind: KindMupdate, Value: value})
}

func (t *Table) update(key []byte, e Entry) error {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	t.wb.Insert(key, e)
	if err := t.supplyCreditLocked(1); err != nil {
		return err
	}
	if t.wb.NumEntries() >= t.opts.WriteBufferEntries {
		return t.flushLocked()
	}
	// A merge installed by the credit above may have overfilled the next
	// level.
	return t.scheduleMergesLocked()
}

// Flush forces the write buffer into a level-0 run.
func (t *Table) Flush() error {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	return t.flushLocked()
}

func (t *Table) flushLocked() error {
	if t.wb.NumEntries() == 0 {
		return nil
	}
	id := t.sess.nextRunID()
	r, err := runFromWriteBuffer(t.sess.fs, t.opts, t.sess.cache, t.sess.dir, id, t.wb)
	if err != nil {
		return err
	}
	t.log.Debug("flushed write buffer",
		zap.Uint64("run", id),
		zap.Int("entries", r.NumEntries()))
	if len(t.levels) == 0 {
		t.levels = append(t.levels, &level{})
	}
	l0 := t.levels[0]
	l0.runs = append([]*Run{r}, l0.runs...)
	t.wb = NewWriteBuffer(t.resolve)
	return t.scheduleMergesLocked()
}

// scheduleMergesLocked walks levels from the top, force-completing a merge
// whose level overflowed again and creating merges for overflowing levels.
// Installation only pushes runs deeper, so one ascending pass suffices.
func (t *Table) scheduleMergesLocked() error {
	for i := 0; i < len(t.levels); i++ {
		lv := t.levels[i]
		if lv.merge != nil && len(lv.runs)-len(lv.mergingRuns) >= t.opts.LevelRunBound {
			if err := t.driveMergeLocked(i, lv.merge.TotalEntries()); err != nil {
				return err
			}
		}
		if lv.merge == nil && len(lv.runs) >= t.opts.LevelRunBound {
			if err := t.createMergeLocked(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// isLastTarget reports whether the merge out of level i writes the deepest
// data in the table, which permits tombstone elision.
func (t *Table) isLastTarget(i int) bool {
	for j := i + 1; j < len(t.levels); j++ {
		if len(t.levels[j].runs) > 0 || t.levels[j].merge != nil {
			return false
		}
	}
	return true
}

func (t *Table) createMergeLocked(i int) error {
	lv := t.levels[i]
	inputs := append([]*Run(nil), lv.runs...)
	id := t.sess.nextRunID()
	m, err := newMerge(t.sess.fs, t.opts, t.sess.cache, t.sess.dir, id, t.isLastTarget(i), t.resolve, inputs)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	// Pay the merge down before the level overflows again: one unit of
	// credit per user update, scaled so the budget is spent within the
	// level's refill period.
	slack := t.opts.WriteBufferEntries * t.opts.LevelRunBound
	for j := 0; j < i; j++ {
		slack *= t.opts.LevelRunBound
	}
	lv.merge = m
	lv.mergingRuns = inputs
	lv.creditPerUpdate = (m.TotalEntries() + slack - 1) / slack
	if lv.creditPerUpdate < 1 {
		lv.creditPerUpdate = 1
	}
	t.log.Info("merge created",
		zap.Int("level", i),
		zap.Uint64("output", id),
		zap.Int("inputs", len(inputs)),
		zap.Int("budget", m.TotalEntries()))
	return nil
}

func (t *Table) supplyCreditLocked(credit int) error {
	for i := 0; i < len(t.levels); i++ {
		lv := t.levels[i]
		if lv.merge == nil {
			continue
		}
		if err := t.driveMergeLocked(i, lv.creditPerUpdate*credit); err != nil {
			return err
		}
	}
	return nil
}

// driveMergeLocked applies steps of credit to level i's merge and installs
// the output if it completes.
func (t *Table) driveMergeLocked(i int, steps int) error {
	lv := t.levels[i]
	_, status, err := lv.merge.Steps(steps)
	if err != nil {
		return err
	}
	if status != MergeComplete {
		return nil
	}
	out := lv.merge.Output()
	t.log.Info("merge completed",
		zap.Int("level", i),
		zap.Uint64("output", out.id),
		zap.Int("entries", out.NumEntries()))

	// Drop the inputs from this level; the table's references go with them.
	merged := make(map[*Run]bool, len(lv.mergingRuns))
	for _, r := range lv.mergingRuns {
		merged[r] = true
	}
	kept := lv.runs[:0]
	for _, r := range lv.runs {
		if merged[r] {
			if err := r.removeReference(); err != nil {
				return err
			}
		} else {
			kept = append(kept, r)
		}
	}
	lv.runs = kept
	lv.merge = nil
	lv.mergingRuns = nil

	if i+1 >= len(t.levels) {
		t.levels = append(t.levels, &level{})
	}
	next := t.levels[i+1]
	next.runs = append([]*Run{out}, next.runs...)
	return nil
}

// runsSnapshotLocked lists all live runs, newest first: level order, and
// within a level run order.
func (t *Table) runsSnapshotLocked() []*Run {
	var runs []*Run
	for _, lv := range t.levels {
		runs = append(runs, lv.runs...)
	}
	return runs
}

// Lookup returns the value for key, if any.
func (t *Table) Lookup(key []byte) ([]byte, bool, error) {
	res, err := t.LookupBatch([][]byte{key})
	if err != nil {
		return nil, false, err
	}
	return res[0].Value, res[0].Found, nil
}

// LookupWithBlob is Lookup plus the out-of-line payload when the entry
// carries one.
func (t *Table) LookupWithBlob(key []byte) (value, blob []byte, found bool, err error) {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if err := t.guard(); err != nil {
		return nil, nil, false, err
	}
	res, err := t.lookupBatchLocked([][]byte{key})
	if err != nil {
		return nil, nil, false, err
	}
	r := res[0]
	if !r.Found {
		return nil, nil, false, nil
	}
	switch {
	case r.blobInline != nil:
		blob = append([]byte(nil), r.blobInline...)
	case r.Blob != nil && r.blobRun != nil:
		blob, err = r.blobRun.readBlob(*r.Blob)
		if err != nil {
			return nil, nil, false, err
		}
	}
	return r.Value, blob, true, nil
}

// LookupBatch answers a batch of point lookups; results line up with keys.
func (t *Table) LookupBatch(keys [][]byte) ([]LookupResult, error) {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if err := t.guard(); err != nil {
		return nil, err
	}
	return t.lookupBatchLocked(keys)
}

func (t *Table) lookupBatchLocked(keys [][]byte) ([]LookupResult, error) {
	runs := t.runsSnapshotLocked()

	// Keys answered by the write buffer alone skip the run pipeline; a
	// buffered mupdate still needs the older value from the runs.
	pipelineKeys := make([][]byte, 0, len(keys))
	pipelineIx := make([]int, 0, len(keys))
	for i, k := range keys {
		e, ok := t.wb.Lookup(k)
		if !ok || e.Kind == KindMupdate {
			pipelineKeys = append(pipelineKeys, k)
			pipelineIx = append(pipelineIx, i)
		}
	}
	var piped []LookupResult
	if len(pipelineKeys) > 0 {
		var err error
		piped, err = lookupBatch(t.sess.bio, t.opts.BatchSize, runs, pipelineKeys, t.resolve)
		if err != nil {
			return nil, err
		}
	}
	fromRuns := make(map[int]LookupResult, len(piped))
	for j, r := range piped {
		fromRuns[pipelineIx[j]] = r
	}

	results := make([]LookupResult, len(keys))
	for i, k := range keys {
		res := LookupResult{Key: k}
		if e, ok := t.wb.Lookup(k); ok {
			switch e.Kind {
			case KindInsert:
				res.Found = true
				res.Value = append([]byte(nil), e.Value...)
				res.blobInline = e.Blob
			case KindDelete:
			case KindMupdate:
				older := fromRuns[i]
				res.Found = true
				if older.Found {
					res.Value = t.resolve(e.Value, older.Value)
				} else {
					res.Value = append([]byte(nil), e.Value...)
				}
			}
		} else {
			res = fromRuns[i]
		}
		results[i] = res
	}
	return results, nil
}

// --- range lookups ---

type entryCursor interface {
	Valid() bool
	Peek() KeyEntry
	Advance() error
}

type wbEntryCursor struct{ c *WriteBufferCursor }

func (w wbEntryCursor) Valid() bool    { return w.c.Valid() }
func (w wbEntryCursor) Peek() KeyEntry { return w.c.Peek() }
func (w wbEntryCursor) Advance() error { w.c.Advance(); return nil }

type rangeHeapItem struct {
	c  entryCursor
	ix int
}

type rangeHeap []rangeHeapItem

func (h rangeHeap) Len() int { return len(h) }
func (h rangeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].c.Peek().Key, h[j].c.Peek().Key); c != 0 {
		return c < 0
	}
	return h[i].ix < h[j].ix
}
func (h rangeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *rangeHeap) Push(x interface{}) { *h = append(*h, x.(rangeHeapItem)) }
func (h *rangeHeap) Pop() interface{} {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// RangeLookup returns the live key/value pairs with lo <= key < hi in key
// order. A nil hi means no upper bound.
func (t *Table) RangeLookup(lo, hi []byte) ([]KeyValue, error) {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if err := t.guard(); err != nil {
		return nil, err
	}

	var h rangeHeap
	wc := t.wb.Cursor()
	for wc.Valid() && bytes.Compare(wc.Peek().Key, lo) < 0 {
		wc.Advance()
	}
	if wc.Valid() {
		h = append(h, rangeHeapItem{c: wbEntryCursor{c: wc}, ix: 0})
	}
	for i, r := range t.runsSnapshotLocked() {
		c, err := newRunCursor(r)
		if err != nil {
			return nil, err
		}
		if err := c.seek(lo); err != nil {
			return nil, err
		}
		if c.Valid() {
			h = append(h, rangeHeapItem{c: c, ix: i + 1})
		}
	}
	heap.Init(&h)

	var out []KeyValue
	for h.Len() > 0 {
		key := h[0].c.Peek().Key
		if hi != nil && bytes.Compare(key, hi) >= 0 {
			break
		}
		acc := h[0].c.Peek().Entry
		if err := rangeAdvance(&h); err != nil {
			return nil, err
		}
		for h.Len() > 0 && bytes.Equal(h[0].c.Peek().Key, key) {
			if acc.Kind == KindMupdate {
				acc = resolveEntries(acc, h[0].c.Peek().Entry, t.resolve)
			}
			if err := rangeAdvance(&h); err != nil {
				return nil, err
			}
		}
		if acc.Kind != KindDelete {
			out = append(out, KeyValue{
				Key:   append([]byte(nil), key...),
				Value: append([]byte(nil), acc.Value...),
			})
		}
	}
	return out, nil
}

func rangeAdvance(h *rangeHeap) error {
	it := (*h)[0]
	if err := it.c.Advance(); err != nil {
		return err
	}
	if it.c.Valid() {
		heap.Fix(h, 0)
	} else {
		heap.Pop(h)
	}
	return nil
}

// --- duplication, logical value, union ---

// Duplicate returns an independent table sharing all existing runs by
// reference. Future updates on either side do not affect the other. An
// in-progress merge stays with the original table only.
func (t *Table) Duplicate() (*Table, error) {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if err := t.guard(); err != nil {
		return nil, err
	}
	dup := &Table{
		sess:      t.sess,
		opts:      t.opts,
		resolve:   t.resolve,
		typeLabel: t.typeLabel,
		log:       t.log,
		wb:        t.wb.Clone(),
	}
	for _, lv := range t.levels {
		runs := append([]*Run(nil), lv.runs...)
		for _, r := range runs {
			r.addReference()
		}
		dup.levels = append(dup.levels, &level{runs: runs})
	}
	t.sess.tables[dup] = struct{}{}
	return dup, nil
}

// LogicalValue reconstructs the full observed mapping. Intended for tests
// and tooling; it reads every run.
func (t *Table) LogicalValue() (map[string][]byte, error) {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	if err := t.guard(); err != nil {
		return nil, err
	}
	folded, err := t.allEntriesLocked()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte)
	for _, kv := range folded.ToList() {
		if kv.Entry.Kind == KindDelete {
			continue
		}
		out[string(kv.Key)] = kv.Entry.Value
	}
	return out, nil
}

// allEntriesLocked folds the write buffer and every run, newest first, into
// a single resolved buffer.
func (t *Table) allEntriesLocked() (*WriteBuffer, error) {
	acc := t.wb.Clone()
	for _, r := range t.runsSnapshotLocked() {
		older := NewWriteBuffer(t.resolve)
		c, err := newRunCursor(r)
		if err != nil {
			return nil, err
		}
		for c.Valid() {
			kv := c.Peek()
			older.list.Set(kv.Key, kv.Entry)
			if err := c.Advance(); err != nil {
				return nil, err
			}
		}
		acc.Union(older)
	}
	return acc, nil
}

// UnionTables combines two tables of the same session into a new table whose
// logical value is the union, with a's updates taking precedence and
// mupdates folded with a's resolve function.
func UnionTables(a, b *Table) (*Table, error) {
	if a.sess != b.sess {
		return nil, ErrDifferentSessions
	}
	a.sess.mu.Lock()
	defer a.sess.mu.Unlock()
	if err := a.guard(); err != nil {
		return nil, err
	}
	if err := b.guard(); err != nil {
		return nil, err
	}
	ea, err := a.allEntriesLocked()
	if err != nil {
		return nil, err
	}
	eb, err := b.allEntriesLocked()
	if err != nil {
		return nil, err
	}
	ea.Union(eb)
	out := a.sess.newTableLocked(a.typeLabel, a.resolve)
	out.wb = ea
	if out.wb.NumEntries() >= out.opts.WriteBufferEntries {
		if err := out.flushLocked(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Close releases the table's references and marks it invalid. Subsequent
// operations fail with ErrHandleClosed.
func (t *Table) Close() error {
	t.sess.mu.Lock()
	defer t.sess.mu.Unlock()
	return t.closeLocked()
}

func (t *Table) closeLocked() error {
	if t.closed {
		return nil
	}
	t.closed = true
	delete(t.sess.tables, t)
	var firstErr error
	for _, lv := range t.levels {
		if lv.merge != nil {
			lv.merge.Close()
		}
		for _, r := range lv.runs {
			if err := r.removeReference(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	t.levels = nil
	return firstErr
}
