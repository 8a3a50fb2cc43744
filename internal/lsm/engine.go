package lsm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnohosten/driftkv/internal/metrics"
)

// Config configures a new Engine.
type Config struct {
	Dir            string
	FlushThreshold int64              // bytes; memtable is flushed once it reaches this size
	FlushWorkers   int                // size of the fixed background flush pool
	Metrics        *metrics.Registry // optional; nil disables engine-level metrics
}

// DefaultConfig returns sensible defaults for an on-disk data directory.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:            dir,
		FlushThreshold: 4 * 1024 * 1024,
		FlushWorkers:   2,
	}
}

// Engine is the storage engine: it orchestrates the MemTable,
// SSTables and merge iterator behind upsert/remove/get/rangeScan,
// flush and compact.
//
// A single reader/writer lock protects the TableSet pointer itself.
// Holding the write lock across I/O is forbidden — file writes, renames
// and peer calls all happen between lock acquisitions, never under one.
type Engine struct {
	dir            string
	flushThreshold int64

	mu sync.RWMutex
	ts *TableSet

	lastTimestamp int64 // atomic monotonic counter, see Timestamp()
	nextGen       int64 // atomic, engine-wide unique generation allocator

	flushJobs chan flushJob
	wg        sync.WaitGroup
	closed    bool

	compactMu sync.Mutex // compaction is single-writer per engine

	metrics *metrics.Registry // optional, set at Open time, never reassigned after
}

type flushJob struct {
	memTable   *MemTable
	generation int64
}

// Open creates or reopens an engine rooted at config.Dir, discovering
// any published SSTables (<g>.dat) left by a prior run. .tmp files are
// ignored — they are the product of a flush or compaction that never
// completed its rename and carry no committed state.
func Open(config *Config) (*Engine, error) {
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = DefaultConfig(config.Dir).FlushThreshold
	}
	if config.FlushWorkers <= 0 {
		config.FlushWorkers = DefaultConfig(config.Dir).FlushWorkers
	}

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	entries, err := os.ReadDir(config.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	ts := newTableSet()
	var maxGen int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".dat") {
			continue
		}
		gen, err := strconv.ParseInt(strings.TrimSuffix(e.Name(), ".dat"), 10, 64)
		if err != nil {
			continue
		}
		sst, err := OpenSSTable(filepath.Join(config.Dir, e.Name()), gen)
		if err != nil {
			return nil, err
		}
		ts.SSTables[gen] = sst
		if gen > maxGen {
			maxGen = gen
		}
	}
	ts.Generation = maxGen + 1

	e := &Engine{
		dir:            config.Dir,
		flushThreshold: config.FlushThreshold,
		ts:             ts,
		nextGen:        maxGen + 1,
		flushJobs:      make(chan flushJob, config.FlushWorkers*4),
		metrics:        config.Metrics,
	}

	e.reportSSTablesTotal()

	for i := 0; i < config.FlushWorkers; i++ {
		e.wg.Add(1)
		go e.flushWorker()
	}

	return e, nil
}

// Timestamp mints a monotonic logical instant: max(previous, wall-clock
// nanos), so two writes in the same nanosecond still receive distinct,
// strictly increasing values.
func (e *Engine) Timestamp() int64 {
	for {
		prev := atomic.LoadInt64(&e.lastTimestamp)
		next := time.Now().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if atomic.CompareAndSwapInt64(&e.lastTimestamp, prev, next) {
			return next
		}
	}
}

func (e *Engine) reserveGeneration() int64 {
	return atomic.AddInt64(&e.nextGen, 1) - 1
}

func (e *Engine) snapshot() *TableSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ts
}

// Upsert inserts value under key with a freshly minted timestamp and the
// given expiry (lsm.Forever disables expiry). If the active MemTable has
// grown past the flush threshold, a flush is scheduled.
func (e *Engine) Upsert(key, value []byte, expire int64) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	mt := e.ts.MemTable
	e.mu.RUnlock()

	mt.Upsert(key, value, e.Timestamp(), expire)
	e.reportMemTableBytes(mt.SizeInBytes())

	if mt.SizeInBytes() >= e.flushThreshold {
		e.scheduleFlush()
	}
	return nil
}

// Remove writes a Tombstone cell for key.
func (e *Engine) Remove(key []byte) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return ErrClosed
	}
	mt := e.ts.MemTable
	e.mu.RUnlock()

	mt.Remove(key, e.Timestamp())
	e.reportMemTableBytes(mt.SizeInBytes())

	if mt.SizeInBytes() >= e.flushThreshold {
		e.scheduleFlush()
	}
	return nil
}

func (e *Engine) reportMemTableBytes(n int64) {
	if e.metrics != nil {
		e.metrics.EngineMemTableBytes.Set(float64(n))
	}
}

func (e *Engine) reportSSTablesTotal() {
	if e.metrics == nil {
		return
	}
	e.metrics.EngineSSTablesTotal.Set(float64(len(e.snapshot().SSTables)))
}

// Get returns the freshest live value for key, or ErrNotFound if the
// key is absent, a tombstone, or expired.
func (e *Engine) Get(key []byte) ([]byte, error) {
	it, err := e.RangeScan(key)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	if !it.Next() {
		return nil, ErrNotFound
	}
	cell := it.Cell()
	if compareKeys(cell.Key, key) != 0 {
		return nil, ErrNotFound
	}
	return cell.Value, nil
}

// RangeScan returns a fresh-cell iterator (tombstones omitted) over the
// current TableSet, starting at the first key >= from. The iterator
// pins the SSTables it reads so a concurrent compaction cannot unlink
// them out from under it; callers must Close it.
func (e *Engine) RangeScan(from []byte) (*freshCellIterator, error) {
	cursors, _, err := e.snapshotCursors(from)
	if err != nil {
		return nil, err
	}
	return newFreshCellIterator(cursors, time.Now().UnixNano()), nil
}

// snapshotCursors builds the ordered cursor list (memtable, then
// flushing newest-first, then sstables newest-generation-first) that
// every merge view is built on top of.
func (e *Engine) snapshotCursors(from []byte) ([]cursor, *TableSet, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	ts := e.ts
	e.mu.RUnlock()

	cursors := make([]cursor, 0, 1+len(ts.Flushing)+len(ts.SSTables))
	cursors = append(cursors, ts.MemTable.Iterator(from))
	// Flushing is stored oldest-demoted-first; walk it back to front so
	// cursor position (the merge tie-break) ranks the most recently
	// demoted memtable — the one with the newest writes — first.
	for i := len(ts.Flushing) - 1; i >= 0; i-- {
		cursors = append(cursors, ts.Flushing[i].Iterator(from))
	}
	for _, sst := range ts.sortedSSTables() {
		sst.acquire()
		c, err := sst.Iterator(from)
		if err != nil {
			sst.release()
			for _, prior := range cursors {
				prior.Close()
			}
			return nil, nil, err
		}
		cursors = append(cursors, &releasingCursor{cursor: c, sst: sst})
	}

	return cursors, ts, nil
}

// LookupResult reports the authoritative state of a single key,
// distinguishing a key that never existed from one whose most recent
// cell is a tombstone (explicit remove or lapsed expiry) — a
// distinction freshCellIterator deliberately erases but that replica
// responses must preserve.
type LookupResult struct {
	Kind      Kind // Present or Tombstone
	Value     []byte
	Timestamp int64
	Found     bool // false iff key never existed in the active snapshot
}

// Lookup resolves key against an all-cell view (tombstones included) so
// callers can tell ABSENT from REMOVED, as the replication coordinator
// must.
func (e *Engine) Lookup(key []byte) (LookupResult, error) {
	cursors, _, err := e.snapshotCursors(key)
	if err != nil {
		return LookupResult{}, err
	}
	it := newAllCellIterator(cursors, time.Now().UnixNano())
	defer it.Close()

	if !it.Next() {
		return LookupResult{}, nil
	}
	cell := it.Cell()
	if compareKeys(cell.Key, key) != 0 {
		return LookupResult{}, nil
	}
	return LookupResult{
		Kind:      cell.Kind,
		Value:     cell.Value,
		Timestamp: cell.Timestamp,
		Found:     true,
	}, nil
}

// releasingCursor wraps an SSTable cursor so that closing it also drops
// the pin taken for the scan's duration.
type releasingCursor struct {
	cursor
	sst *SSTable
}

func (r *releasingCursor) Close() error {
	err := r.cursor.Close()
	r.sst.release()
	return err
}

// Flush forces the active MemTable to disk synchronously, returning
// once the new SSTable has been published. It is a no-op if the active
// MemTable is empty.
func (e *Engine) Flush() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.ts.MemTable.Len() == 0 {
		e.mu.Unlock()
		return nil
	}
	oldMem := e.ts.MemTable
	generation := e.reserveGeneration()
	e.ts = e.ts.markAsFlushing()
	e.mu.Unlock()

	return e.runFlush(flushJob{memTable: oldMem, generation: generation})
}

// scheduleFlush snapshots the TableSet, and if its MemTable is
// non-empty, marks it flushing and dispatches the serialize-and-publish
// work to the background pool.
func (e *Engine) scheduleFlush() {
	e.mu.Lock()
	if e.closed || e.ts.MemTable.Len() == 0 {
		e.mu.Unlock()
		return
	}
	oldMem := e.ts.MemTable
	generation := e.reserveGeneration()
	e.ts = e.ts.markAsFlushing()
	e.mu.Unlock()

	select {
	case e.flushJobs <- flushJob{memTable: oldMem, generation: generation}:
	default:
		// Pool is saturated; run inline rather than block the writer
		// that triggered us, or drop the flush.
		e.runFlush(flushJob{memTable: oldMem, generation: generation})
	}
}

func (e *Engine) flushWorker() {
	defer e.wg.Done()
	for job := range e.flushJobs {
		e.runFlush(job)
	}
}

// runFlush serializes a frozen memtable to <g>.tmp, renames it to
// <g>.dat, opens it, then publishes it via moveToFlushedFiles under the
// write lock. A failure here leaves the memtable in Flushing, reachable
// for a retry on Close.
func (e *Engine) runFlush(job flushJob) error {
	writer, err := NewSSTableWriter(e.dir, job.generation)
	if err != nil {
		return err
	}

	iter := job.memTable.Iterator(nil)
	for iter.Next() {
		if err := writer.Write(iter.Cell()); err != nil {
			writer.Abort()
			return err
		}
	}

	sst, err := writer.Finalize()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.ts = e.ts.moveToFlushedFiles(job.memTable, sst, job.generation)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.EngineFlushesTotal.Inc()
	}
	e.reportSSTablesTotal()
	return nil
}

// Compact merges every live SSTable into a single new one, dropping
// tombstones (this is the terminal level: nothing older can contradict
// a tombstone once every SSTable has been folded into it). Compaction
// is single-writer per engine.
func (e *Engine) Compact() error {
	e.compactMu.Lock()
	defer e.compactMu.Unlock()

	e.mu.RLock()
	ts := e.ts
	e.mu.RUnlock()

	if len(ts.SSTables) == 0 {
		return nil
	}

	generation := e.reserveGeneration()
	cursors := make([]cursor, 0, len(ts.SSTables))
	sstables := ts.sortedSSTables()
	for _, sst := range sstables {
		sst.acquire()
		c, err := sst.Iterator(nil)
		if err != nil {
			for _, s := range sstables {
				s.release()
			}
			return err
		}
		cursors = append(cursors, c)
	}

	fresh := newFreshCellIterator(cursors, time.Now().UnixNano())
	writer, err := NewSSTableWriter(e.dir, generation)
	if err != nil {
		fresh.Close()
		for _, s := range sstables {
			s.release()
		}
		return err
	}

	for fresh.Next() {
		if err := writer.Write(fresh.Cell()); err != nil {
			writer.Abort()
			fresh.Close()
			for _, s := range sstables {
				s.release()
			}
			return err
		}
	}
	fresh.Close()
	for _, s := range sstables {
		s.release()
	}

	var merged *SSTable
	if writer.count > 0 {
		merged, err = writer.Finalize()
		if err != nil {
			return err
		}
	} else {
		writer.Abort()
		os.Remove(sstableTempPath(e.dir, generation))
	}

	oldGenerations := make(map[int64]*SSTable, len(ts.SSTables))
	for g, sst := range ts.SSTables {
		oldGenerations[g] = sst
	}

	e.mu.Lock()
	e.ts = e.ts.replaceCompactedFiles(oldGenerations, merged, generation)
	e.mu.Unlock()

	for _, sst := range sstables {
		sst.retire()
	}

	if e.metrics != nil {
		e.metrics.EngineCompactionsTotal.Inc()
	}
	e.reportSSTablesTotal()

	return nil
}

// Close flushes any non-empty MemTable synchronously, waits for
// outstanding flushes, and closes every open SSTable.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ts := e.ts
	e.mu.Unlock()

	close(e.flushJobs)
	e.wg.Wait()

	e.mu.RLock()
	ts = e.ts
	e.mu.RUnlock()

	if ts.MemTable.Len() > 0 {
		generation := e.reserveGeneration()
		if err := e.runFlush(flushJob{memTable: ts.MemTable, generation: generation}); err != nil {
			return err
		}
	}
	e.mu.RLock()
	remaining := append([]*MemTable(nil), e.ts.Flushing...)
	e.mu.RUnlock()
	for _, mt := range remaining {
		if mt.Len() == 0 {
			continue
		}
		generation := e.reserveGeneration()
		if err := e.runFlush(flushJob{memTable: mt, generation: generation}); err != nil {
			return err
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	var first error
	for _, sst := range e.ts.SSTables {
		if err := sst.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Stats returns a snapshot of engine-level counters used by /v0/status.
func (e *Engine) Stats() map[string]any {
	ts := e.snapshot()

	gens := make([]int64, 0, len(ts.SSTables))
	for g := range ts.SSTables {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })

	return map[string]any{
		"memtable_size":  ts.MemTable.SizeInBytes(),
		"num_flushing":   len(ts.Flushing),
		"num_sstables":   len(ts.SSTables),
		"next_generation": ts.Generation,
	}
}
