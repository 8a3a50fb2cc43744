package lsm

import "container/heap"

// cursor is the shared capability of MemTable and SSTable iterators: a
// forward-only walk over cells in ascending key order.
type cursor interface {
	Next() bool
	Cell() *Cell
	Close() error
}

// mergeItem is one live cursor tracked by the merge heap, ordered by
// (key ascending, position ascending). A smaller position means an
// earlier entry in the cursor list, which by construction (memtable,
// then flushing newest-first, then SSTables newest-generation-first)
// means a newer table — so position doubles as the tie-breaker when two
// cells for the same key carry an identical timestamp.
type mergeItem struct {
	cur  cursor
	pos  int
	cell *Cell
}

type mergeHeap []*mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := compareKeys(h[i].cell.Key, h[j].cell.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].pos < h[j].pos
}
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeIterator is an N-way merge over per-table cursors that collapses
// duplicate keys by timestamp (ties broken by table recency, i.e. cursor
// position). Every cell it emits has its expiry resolved against now
// before being handed to the caller.
type mergeIterator struct {
	heap    mergeHeap
	now     int64
	current *Cell
}

// newMergeIterator builds a merge iterator over cursors, in priority
// order: memtable first, then flushing MemTables newest-first, then
// SSTables newest-generation-first.
func newMergeIterator(cursors []cursor, now int64) *mergeIterator {
	m := &mergeIterator{now: now}
	for i, c := range cursors {
		if c.Next() {
			heap.Push(&m.heap, &mergeItem{cur: c, pos: i, cell: c.Cell()})
		} else {
			c.Close()
		}
	}
	heap.Init(&m.heap)
	return m
}

// Next advances to the next distinct key, discarding all but the
// freshest cell seen for it. Returns false once every cursor is
// exhausted.
func (m *mergeIterator) Next() bool {
	if m.heap.Len() == 0 {
		m.current = nil
		return false
	}

	winner := heap.Pop(&m.heap).(*mergeItem)
	key := winner.cell.Key
	best := winner.cell
	m.advance(winner)

	for m.heap.Len() > 0 && compareKeys(m.heap[0].cell.Key, key) == 0 {
		dup := heap.Pop(&m.heap).(*mergeItem)
		if newer(dup.cell, best) {
			best = dup.cell
		}
		m.advance(dup)
	}

	m.current = best.AsOf(m.now)
	return true
}

// advance pulls the next cell from item's cursor and re-pushes it onto
// the heap, or closes and drops it once exhausted.
func (m *mergeIterator) advance(item *mergeItem) {
	if item.cur.Next() {
		item.cell = item.cur.Cell()
		heap.Push(&m.heap, item)
		return
	}
	item.cur.Close()
}

func (m *mergeIterator) Cell() *Cell { return m.current }

func (m *mergeIterator) Close() error {
	var first error
	for _, item := range m.heap {
		if err := item.cur.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// freshCellIterator drops cells whose effective kind is Tombstone. Used
// by user-facing reads (Get, RangeScan).
type freshCellIterator struct {
	inner *mergeIterator
}

func newFreshCellIterator(cursors []cursor, now int64) *freshCellIterator {
	return &freshCellIterator{inner: newMergeIterator(cursors, now)}
}

func (f *freshCellIterator) Next() bool {
	for f.inner.Next() {
		if f.inner.Cell().Kind == Present {
			return true
		}
	}
	return false
}

func (f *freshCellIterator) Cell() *Cell { return f.inner.Cell() }
func (f *freshCellIterator) Close() error { return f.inner.Close() }

// allCellIterator preserves tombstones. Used by Engine.Lookup, where a
// tombstone must stay distinguishable from an absent key; compaction
// reads through freshCellIterator instead.
type allCellIterator struct {
	inner *mergeIterator
}

func newAllCellIterator(cursors []cursor, now int64) *allCellIterator {
	return &allCellIterator{inner: newMergeIterator(cursors, now)}
}

func (a *allCellIterator) Next() bool    { return a.inner.Next() }
func (a *allCellIterator) Cell() *Cell   { return a.inner.Cell() }
func (a *allCellIterator) Close() error  { return a.inner.Close() }
