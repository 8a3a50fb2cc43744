package lsm

import "sync"

// entryOverhead approximates the fixed per-cell bookkeeping cost (timestamp,
// kind, expire, skip-list node pointers) that sizeInBytes adds on top of the
// key/value payload when deciding whether to trigger a flush.
const entryOverhead = int64(32)

// MemTable is the current writable, in-memory ordered map of cells. It is
// safe for concurrent upsert/remove; readers of a previously constructed
// iterator observe the snapshot taken at iterator-creation time even as
// later writers keep mutating the table.
type MemTable struct {
	mu   sync.RWMutex
	list *skipList
	size int64
}

// NewMemTable returns an empty, writable MemTable.
func NewMemTable() *MemTable {
	return &MemTable{list: newSkipList()}
}

// Upsert inserts or replaces the cell for key with a Present cell carrying
// value, timestamp and expire.
func (mt *MemTable) Upsert(key, value []byte, timestamp int64, expire int64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	cell := &Cell{Key: key, Timestamp: timestamp, Kind: Present, Expire: expire, Value: value}
	mt.list.insert(key, cell)
	mt.size += int64(len(key)+len(value)) + entryOverhead
}

// Remove writes a Tombstone cell for key; it does not erase the entry.
func (mt *MemTable) Remove(key []byte, timestamp int64) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	cell := &Cell{Key: key, Timestamp: timestamp, Kind: Tombstone, Expire: Forever}
	mt.list.insert(key, cell)
	mt.size += int64(len(key)) + entryOverhead
}

// Get returns the cell stored for key, if any.
func (mt *MemTable) Get(key []byte) (*Cell, bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.list.search(key)
}

// SizeInBytes returns a running total of serialized size estimates used to
// decide when to flush.
func (mt *MemTable) SizeInBytes() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.size
}

// Len returns the number of distinct keys currently held.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.list.size
}

// Iterator returns a cursor over cells with key >= from in ascending order.
// The cursor snapshots the table at the moment of construction: later
// upserts/removes on this MemTable are never observed by it.
func (mt *MemTable) Iterator(from []byte) *memTableCursor {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var cells []*Cell
	for node := mt.list.seek(from); node != nil; node = node.forward[0] {
		cells = append(cells, node.value)
	}
	return &memTableCursor{cells: cells, pos: -1}
}

// memTableCursor walks a MemTable snapshot taken at construction time.
type memTableCursor struct {
	cells []*Cell
	pos   int
}

func (c *memTableCursor) Next() bool {
	if c.pos+1 >= len(c.cells) {
		c.pos = len(c.cells)
		return false
	}
	c.pos++
	return true
}

func (c *memTableCursor) Cell() *Cell {
	if c.pos < 0 || c.pos >= len(c.cells) {
		return nil
	}
	return c.cells[c.pos]
}

func (c *memTableCursor) Close() error { return nil }
