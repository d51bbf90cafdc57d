package lsm

import (
	"bytes"
	"container/heap"
)

// runCursor is a pull-based stream of a run's key/entry pairs in key order.
// Blob payloads are re-materialized from the blob file as entries are read,
// so consumers see the in-memory entry form.
type runCursor struct {
	r    *Run
	page int
	ix   int
	view pageView

	cur   KeyEntry
	valid bool
}

func newRunCursor(r *Run) (*runCursor, error) {
	c := &runCursor{r: r}
	if r.index.NumPages() == 0 {
		return c, nil
	}
	if err := c.loadPage(); err != nil {
		return nil, err
	}
	return c, c.fill()
}

func (c *runCursor) loadPage() error {
	buf, err := c.r.fetchPage(c.page)
	if err != nil {
		return err
	}
	c.view, err = decodePage(buf)
	return err
}

func (c *runCursor) fill() error {
	pe := c.view.entryAt(c.ix)
	e := Entry{Kind: pe.kind, Value: append([]byte(nil), pe.value...)}
	if pe.hasBlob {
		blob, err := c.r.readBlob(pe.blob)
		if err != nil {
			return err
		}
		e.Blob = blob
	}
	c.cur = KeyEntry{Key: append([]byte(nil), c.view.keyAt(c.ix)...), Entry: e}
	c.valid = true
	return nil
}

func (c *runCursor) Valid() bool    { return c.valid }
func (c *runCursor) Peek() KeyEntry { return c.cur }

func (c *runCursor) Advance() error {
	c.ix++
	if c.ix >= c.view.numElems {
		c.ix = 0
		c.page++
		if c.page >= c.r.index.NumPages() {
			c.valid = false
			return nil
		}
		if err := c.loadPage(); err != nil {
			return err
		}
	}
	return c.fill()
}

// seek positions the cursor on the first pair with key >= target, using the
// compact index to skip ahead.
func (c *runCursor) seek(target []byte) error {
	if !c.valid {
		return nil
	}
	lo, _ := c.r.index.Search(target)
	if lo > c.page {
		c.page = lo
		c.ix = 0
		if err := c.loadPage(); err != nil {
			return err
		}
		if err := c.fill(); err != nil {
			return err
		}
	}
	for c.valid && bytes.Compare(c.cur.Key, target) < 0 {
		if err := c.Advance(); err != nil {
			return err
		}
	}
	return nil
}

// cursorHeap orders cursors by current key, ties broken by input position so
// that newer inputs surface first.
type cursorItem struct {
	c       *runCursor
	inputIx int
}

type cursorHeap []cursorItem

func (h cursorHeap) Len() int { return len(h) }
func (h cursorHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].c.cur.Key, h[j].c.cur.Key); c != 0 {
		return c < 0
	}
	return h[i].inputIx < h[j].inputIx
}
func (h cursorHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *cursorHeap) Push(x interface{}) { *h = append(*h, x.(cursorItem)) }
func (h *cursorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// MergeStatus reports whether a merge still has input to consume.
type MergeStatus int

const (
	MergeInProgress MergeStatus = iota
	MergeComplete
)

// Merge is a stepped k-way merge of input runs into one output run. Earlier
// inputs are newer; equal keys are folded with the resolve function and, at
// the last level, tombstones are dropped from the output.
type Merge struct {
	resolve   ResolveFunc
	lastLevel bool
	inputs    []*Run
	h         cursorHeap
	builder   *runBuilder

	stepsDone int
	total     int
	out       *Run
	done      bool
	closed    bool
}

// newMerge prepares a merge of runs into a new run with the given id. It
// returns nil when there is nothing to merge (fewer than two inputs). The
// merge holds a reference on every input until it completes or is closed.
func newMerge(fs FS, opts Options, cache *pageCache, dir string, id uint64, lastLevel bool, resolve ResolveFunc, inputs []*Run) (*Merge, error) {
	if len(inputs) < 2 {
		return nil, nil
	}
	total := 0
	for _, r := range inputs {
		total += r.NumEntries()
	}
	builder, err := newRunBuilder(fs, opts, cache, dir, id, total, true)
	if err != nil {
		return nil, err
	}
	m := &Merge{
		resolve:   resolve,
		lastLevel: lastLevel,
		builder:   builder,
		total:     total,
	}
	for i, r := range inputs {
		r.addReference()
		m.inputs = append(m.inputs, r)
		c, err := newRunCursor(r)
		if err != nil {
			m.Close()
			return nil, err
		}
		if c.Valid() {
			m.h = append(m.h, cursorItem{c: c, inputIx: i})
		}
	}
	heap.Init(&m.h)
	return m, nil
}

// TotalEntries is the merge's step budget: the summed entry counts of its
// inputs.
func (m *Merge) TotalEntries() int { return m.total }

// StepsDone is the number of input entries consumed so far.
func (m *Merge) StepsDone() int { return m.stepsDone }

// Output returns the completed run. It is nil until Steps reports
// MergeComplete.
func (m *Merge) Output() *Run { return m.out }

// Steps advances the merge until at least n input entries have been consumed
// or the inputs are exhausted, whichever comes first. It returns the number
// consumed during this call. On MergeComplete the output run is finalized and
// further calls are not permitted.
func (m *Merge) Steps(n int) (int, MergeStatus, error) {
	if m.done || m.closed {
		return 0, MergeComplete, nil
	}
	consumed := 0
	for consumed < n && m.h.Len() > 0 {
		adv, err := m.mergeOneKey()
		if err != nil {
			return consumed, MergeInProgress, err
		}
		consumed += adv
	}
	m.stepsDone += consumed
	if m.h.Len() > 0 {
		return consumed, MergeInProgress, nil
	}
	out, err := m.builder.Finish()
	if err != nil {
		return consumed, MergeInProgress, err
	}
	m.out = out
	m.done = true
	m.releaseInputs()
	return consumed, MergeComplete, nil
}

// mergeOneKey pops every cursor positioned on the minimum key, folds their
// entries newest-first, and emits the resolved entry.
func (m *Merge) mergeOneKey() (int, error) {
	top := m.h[0]
	key := top.c.Peek().Key
	acc := top.c.Peek().Entry
	adv, err := m.advanceTop()
	if err != nil {
		return adv, err
	}
	for m.h.Len() > 0 && bytes.Equal(m.h[0].c.Peek().Key, key) {
		older := m.h[0].c.Peek().Entry
		acc = resolveEntries(acc, older, m.resolve)
		n, err := m.advanceTop()
		adv += n
		if err != nil {
			return adv, err
		}
	}
	if m.lastLevel && elideAtLastLevel(acc) {
		return adv, nil
	}
	return adv, m.builder.Add(key, acc)
}

func (m *Merge) advanceTop() (int, error) {
	it := m.h[0]
	if err := it.c.Advance(); err != nil {
		return 0, err
	}
	if it.c.Valid() {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	return 1, nil
}

func (m *Merge) releaseInputs() {
	for _, r := range m.inputs {
		_ = r.removeReference()
	}
	m.inputs = nil
}

// Close cancels the merge: the partial output files are deleted and the
// input references are released. Closing a completed or already closed merge
// is a no-op.
func (m *Merge) Close() {
	if m.done || m.closed {
		return
	}
	m.closed = true
	m.builder.Abort()
	m.releaseInputs()
}
