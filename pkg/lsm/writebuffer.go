package lsm

import (
	"bytes"

	"github.com/huandu/skiplist"
)

// WriteBuffer is the in-memory ordered map of pending updates. Resolution
// against an existing entry for the same key happens at insertion time, so
// the buffer holds at most one entry per key.
type WriteBuffer struct {
	list    *skiplist.SkipList
	resolve ResolveFunc
}

func compareKeys(a, b interface{}) int {
	return bytes.Compare(a.([]byte), b.([]byte))
}

// NewWriteBuffer returns an empty buffer using resolve for mupsert folding.
func NewWriteBuffer(resolve ResolveFunc) *WriteBuffer {
	return &WriteBuffer{
		list:    skiplist.New(skiplist.GreaterThanFunc(compareKeys)),
		resolve: resolve,
	}
}

// Insert applies e as the newest update for key, resolving against any
// buffered entry.
func (wb *WriteBuffer) Insert(key []byte, e Entry) {
	if old := wb.list.Get(key); old != nil {
		e = resolveEntries(e, old.Value.(Entry), wb.resolve)
	}
	wb.list.Set(append([]byte(nil), key...), e)
}

// Lookup returns the buffered entry for key, if any.
func (wb *WriteBuffer) Lookup(key []byte) (Entry, bool) {
	el := wb.list.Get(key)
	if el == nil {
		return Entry{}, false
	}
	return el.Value.(Entry), true
}

// NumEntries returns the number of buffered keys.
func (wb *WriteBuffer) NumEntries() int { return wb.list.Len() }

// ToList yields the buffered key/entry pairs in key order.
func (wb *WriteBuffer) ToList() []KeyEntry {
	out := make([]KeyEntry, 0, wb.list.Len())
	for el := wb.list.Front(); el != nil; el = el.Next() {
		out = append(out, KeyEntry{Key: el.Key().([]byte), Entry: el.Value.(Entry)})
	}
	return out
}

// WriteBufferFromMap builds a buffer from a key -> entry mapping.
func WriteBufferFromMap(resolve ResolveFunc, m map[string]Entry) *WriteBuffer {
	wb := NewWriteBuffer(resolve)
	for k, e := range m {
		wb.list.Set([]byte(k), e)
	}
	return wb
}

// ToMap returns the buffered entries keyed by string form of the key.
func (wb *WriteBuffer) ToMap() map[string]Entry {
	m := make(map[string]Entry, wb.list.Len())
	for el := wb.list.Front(); el != nil; el = el.Next() {
		m[string(el.Key().([]byte))] = el.Value.(Entry)
	}
	return m
}

// Clone returns an independent copy of the buffer.
func (wb *WriteBuffer) Clone() *WriteBuffer {
	out := NewWriteBuffer(wb.resolve)
	for el := wb.list.Front(); el != nil; el = el.Next() {
		out.list.Set(el.Key().([]byte), el.Value.(Entry))
	}
	return out
}

// Union folds other into wb, with wb's entries treated as newer.
func (wb *WriteBuffer) Union(other *WriteBuffer) {
	for el := other.list.Front(); el != nil; el = el.Next() {
		k := el.Key().([]byte)
		older := el.Value.(Entry)
		if cur := wb.list.Get(k); cur != nil {
			wb.list.Set(k, resolveEntries(cur.Value.(Entry), older, wb.resolve))
		} else {
			wb.list.Set(k, older)
		}
	}
}

// MergeWriteBuffers folds bufs into a single buffer, with earlier-listed
// buffers newer. At the last level delete entries are elided.
func MergeWriteBuffers(lastLevel bool, resolve ResolveFunc, bufs []*WriteBuffer) *WriteBuffer {
	out := NewWriteBuffer(resolve)
	for i := len(bufs) - 1; i >= 0; i-- {
		for el := bufs[i].list.Front(); el != nil; el = el.Next() {
			out.Insert(el.Key().([]byte), el.Value.(Entry))
		}
	}
	if lastLevel {
		var dead [][]byte
		for el := out.list.Front(); el != nil; el = el.Next() {
			if elideAtLastLevel(el.Value.(Entry)) {
				dead = append(dead, el.Key().([]byte))
			}
		}
		for _, k := range dead {
			out.list.Remove(k)
		}
	}
	return out
}

// Cursor returns a pull-based stream of the buffered pairs in key order. The
// stream is finite and non-restartable.
func (wb *WriteBuffer) Cursor() *WriteBufferCursor {
	return &WriteBufferCursor{el: wb.list.Front()}
}

// WriteBufferCursor walks a buffer's pairs in key order.
type WriteBufferCursor struct {
	el *skiplist.Element
}

// Valid reports whether the cursor is positioned on a pair.
func (c *WriteBufferCursor) Valid() bool { return c.el != nil }

// Peek returns the current pair without advancing.
func (c *WriteBufferCursor) Peek() KeyEntry {
	return KeyEntry{Key: c.el.Key().([]byte), Entry: c.el.Value.(Entry)}
}

// Advance moves to the next pair.
func (c *WriteBufferCursor) Advance() { c.el = c.el.Next() }
