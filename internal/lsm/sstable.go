package lsm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
)

// On-disk cell flags.
const (
	flagPresent   byte = 1 << 0
	flagHasExpire byte = 1 << 1
)

// SSTable is an immutable on-disk sorted table: three concatenated
// regions: cells, offsets, trailer. It supports
// random point lookup (binary search over the offsets region) and a
// forward range cursor.
type SSTable struct {
	generation int64
	path       string
	file       *os.File
	offsets    []int64 // one entry per cell, ascending key order
	minKey     []byte
	maxKey     []byte
	bloom      *bloomFilter // in-memory only; rebuilt on every open, never persisted

	refs    int32 // atomic; starts at 1, held by whichever TableSet owns this table
	retired int32 // atomic bool; set once a compaction has dropped ownership
}

func sstablePath(dir string, generation int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.dat", generation))
}

func sstableTempPath(dir string, generation int64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.tmp", generation))
}

// writeCell serializes a single cell and returns its encoded length.
func writeCell(w io.Writer, c *Cell) (int64, error) {
	var n int64

	if err := binary.Write(w, binary.BigEndian, uint32(len(c.Key))); err != nil {
		return n, err
	}
	n += 4
	if _, err := w.Write(c.Key); err != nil {
		return n, err
	}
	n += int64(len(c.Key))

	if err := binary.Write(w, binary.BigEndian, c.Timestamp); err != nil {
		return n, err
	}
	n += 8

	var flags byte
	if c.Kind == Present {
		flags |= flagPresent
	}
	hasExpire := c.Expire != Forever
	if hasExpire {
		flags |= flagHasExpire
	}
	if _, err := w.Write([]byte{flags}); err != nil {
		return n, err
	}
	n++

	if hasExpire {
		if err := binary.Write(w, binary.BigEndian, c.Expire); err != nil {
			return n, err
		}
		n += 8
	}

	if c.Kind == Present {
		if err := binary.Write(w, binary.BigEndian, uint32(len(c.Value))); err != nil {
			return n, err
		}
		n += 4
		if _, err := w.Write(c.Value); err != nil {
			return n, err
		}
		n += int64(len(c.Value))
	}

	return n, nil
}

// readCell decodes a single cell from r, as written by writeCell.
func readCell(r io.Reader) (*Cell, error) {
	var keyLen uint32
	if err := binary.Read(r, binary.BigEndian, &keyLen); err != nil {
		return nil, err
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}

	var timestamp int64
	if err := binary.Read(r, binary.BigEndian, &timestamp); err != nil {
		return nil, err
	}

	var flagByte [1]byte
	if _, err := io.ReadFull(r, flagByte[:]); err != nil {
		return nil, err
	}
	flags := flagByte[0]

	expire := Forever
	if flags&flagHasExpire != 0 {
		if err := binary.Read(r, binary.BigEndian, &expire); err != nil {
			return nil, err
		}
	}

	cell := &Cell{Key: key, Timestamp: timestamp, Expire: expire}
	if flags&flagPresent != 0 {
		cell.Kind = Present
		var valueLen uint32
		if err := binary.Read(r, binary.BigEndian, &valueLen); err != nil {
			return nil, err
		}
		value := make([]byte, valueLen)
		if _, err := io.ReadFull(r, value); err != nil {
			return nil, err
		}
		cell.Value = value
	} else {
		cell.Kind = Tombstone
	}

	return cell, nil
}

// SSTableWriter streams a strictly-ascending cell stream to <generation>.tmp
// and, on Finalize, atomically renames it to <generation>.dat.
type SSTableWriter struct {
	dir        string
	generation int64
	file       *os.File
	bw         *bufio.Writer
	offsets    []int64
	offset     int64
	minKey     []byte
	maxKey     []byte
	lastKey    []byte
	count      int
}

// NewSSTableWriter creates the temporary file for a new SSTable generation.
func NewSSTableWriter(dir string, generation int64) (*SSTableWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	path := sstableTempPath(dir, generation)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return &SSTableWriter{
		dir:        dir,
		generation: generation,
		file:       file,
		bw:         bufio.NewWriter(file),
	}, nil
}

// Write appends one cell. Cells must arrive in strictly ascending key order.
func (w *SSTableWriter) Write(c *Cell) error {
	if w.lastKey != nil && compareKeys(c.Key, w.lastKey) <= 0 {
		return ErrUnsortedInput
	}
	w.offsets = append(w.offsets, w.offset)

	n, err := writeCell(w.bw, c)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	w.offset += n
	w.count++

	if w.minKey == nil {
		w.minKey = append([]byte(nil), c.Key...)
	}
	w.maxKey = append([]byte(nil), c.Key...)
	w.lastKey = w.maxKey

	return nil
}

// Finalize writes the offsets region and trailer, syncs, renames the
// temp file to its final name, and opens the resulting SSTable.
func (w *SSTableWriter) Finalize() (*SSTable, error) {
	for _, off := range w.offsets {
		if err := binary.Write(w.bw, binary.BigEndian, off); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	if err := binary.Write(w.bw, binary.BigEndian, uint32(w.count)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := w.bw.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := w.file.Sync(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := w.file.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	tmpPath := sstableTempPath(w.dir, w.generation)
	finalPath := sstablePath(w.dir, w.generation)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	return OpenSSTable(finalPath, w.generation)
}

// Abort closes the in-progress temp file without publishing it. Used
// when a flush or compaction fails partway through. The .tmp file is
// not removed; it stays on disk and is ignored on next open.
func (w *SSTableWriter) Abort() {
	w.file.Close()
}

// OpenSSTable opens an existing, already-published SSTable file.
func OpenSSTable(path string, generation int64) (*SSTable, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	size := stat.Size()
	if size < 4 {
		file.Close()
		return nil, fmt.Errorf("%w: truncated sstable %s", ErrIO, path)
	}

	var trailer [4]byte
	if _, err := file.ReadAt(trailer[:], size-4); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	cellCount := binary.BigEndian.Uint32(trailer[:])

	offsetsRegionSize := int64(cellCount) * 8
	offsetsStart := size - 4 - offsetsRegionSize
	if offsetsStart < 0 {
		file.Close()
		return nil, fmt.Errorf("%w: corrupt trailer in %s", ErrIO, path)
	}

	offsets := make([]int64, cellCount)
	if cellCount > 0 {
		buf := make([]byte, offsetsRegionSize)
		if _, err := file.ReadAt(buf, offsetsStart); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		for i := range offsets {
			offsets[i] = int64(binary.BigEndian.Uint64(buf[i*8 : i*8+8]))
		}
	}

	sst := &SSTable{
		generation: generation,
		path:       path,
		file:       file,
		offsets:    offsets,
		refs:       1,
	}

	bloom := newBloomFilter(len(offsets))
	for i, off := range offsets {
		end := offsetsStart
		if i+1 < len(offsets) {
			end = offsets[i+1]
		}
		key, err := sst.readKeyAt(off, end)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}
		if i == 0 {
			sst.minKey = key
		}
		if i == len(offsets)-1 {
			sst.maxKey = key
		}
		bloom.add(key)
	}
	sst.bloom = bloom

	return sst, nil
}

// readKeyAt decodes just the key field of the cell starting at offset,
// without materializing its value.
func (sst *SSTable) readKeyAt(offset, limit int64) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := sst.file.ReadAt(lenBuf[:], offset); err != nil {
		return nil, err
	}
	keyLen := binary.BigEndian.Uint32(lenBuf[:])
	key := make([]byte, keyLen)
	if keyLen > 0 {
		if _, err := sst.file.ReadAt(key, offset+4); err != nil {
			return nil, err
		}
	}
	return key, nil
}

// Generation returns the generation number encoded in this table's filename.
func (sst *SSTable) Generation() int64 { return sst.generation }

// NumEntries returns the number of cells stored.
func (sst *SSTable) NumEntries() int { return len(sst.offsets) }

// Get performs a point lookup for key via bloom pre-check, key-range
// pre-check, then binary search over the offsets region.
func (sst *SSTable) Get(key []byte) (*Cell, bool, error) {
	if sst.bloom != nil && !sst.bloom.contains(key) {
		return nil, false, nil
	}
	if len(sst.offsets) == 0 {
		return nil, false, nil
	}
	if compareKeys(key, sst.minKey) < 0 || compareKeys(key, sst.maxKey) > 0 {
		return nil, false, nil
	}

	idx := sort.Search(len(sst.offsets), func(i int) bool {
		k, err := sst.readKeyAt(sst.offsets[i], 0)
		if err != nil {
			return false
		}
		return compareKeys(k, key) >= 0
	})
	if idx >= len(sst.offsets) {
		return nil, false, nil
	}
	k, err := sst.readKeyAt(sst.offsets[idx], 0)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if compareKeys(k, key) != 0 {
		return nil, false, nil
	}

	cell, err := sst.readCellAt(idx)
	if err != nil {
		return nil, false, err
	}
	return cell, true, nil
}

func (sst *SSTable) readCellAt(idx int) (*Cell, error) {
	sr := io.NewSectionReader(sst.file, sst.offsets[idx], sst.cellSpan(idx))
	cell, err := readCell(sr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	return cell, nil
}

func (sst *SSTable) cellSpan(idx int) int64 {
	if idx+1 < len(sst.offsets) {
		return sst.offsets[idx+1] - sst.offsets[idx]
	}
	// Last cell: span to the end of the file. A generous upper bound
	// is fine since readCell stops once it has decoded one cell's worth
	// of fields.
	stat, err := sst.file.Stat()
	if err != nil {
		return 1 << 20
	}
	return stat.Size() - sst.offsets[idx]
}

// Iterator returns a forward cursor starting at the first key >= from
// (or the first key overall, if from is nil).
func (sst *SSTable) Iterator(from []byte) (*sstableCursor, error) {
	start := 0
	if from != nil {
		start = sort.Search(len(sst.offsets), func(i int) bool {
			k, err := sst.readKeyAt(sst.offsets[i], 0)
			if err != nil {
				return false
			}
			return compareKeys(k, from) >= 0
		})
	}
	return &sstableCursor{sst: sst, idx: start - 1}, nil
}

// Close releases the table's open file handle.
func (sst *SSTable) Close() error {
	return sst.file.Close()
}

// acquire pins the table for the duration of a concurrent reader (a
// RangeScan cursor or a compaction's merge input), so a retirement
// racing with that reader cannot close or unlink the file underneath it.
func (sst *SSTable) acquire() {
	atomic.AddInt32(&sst.refs, 1)
}

// release drops a pin taken by acquire. Once the count reaches zero the
// file handle is closed; if the table was also retired, its file is
// unlinked.
func (sst *SSTable) release() {
	if atomic.AddInt32(&sst.refs, -1) == 0 {
		sst.file.Close()
		if atomic.LoadInt32(&sst.retired) == 1 {
			os.Remove(sst.path)
		}
	}
}

// retire drops the TableSet's own ownership reference and marks the
// table for deletion once every other pin (from in-flight scans) has
// also been released.
func (sst *SSTable) retire() {
	atomic.StoreInt32(&sst.retired, 1)
	sst.release()
}

// sstableCursor is a forward-only cursor decoding cells on demand.
type sstableCursor struct {
	sst *SSTable
	idx int
}

func (c *sstableCursor) Next() bool {
	c.idx++
	return c.idx < len(c.sst.offsets)
}

func (c *sstableCursor) Cell() *Cell {
	if c.idx < 0 || c.idx >= len(c.sst.offsets) {
		return nil
	}
	cell, err := c.sst.readCellAt(c.idx)
	if err != nil {
		return nil
	}
	return cell
}

func (c *sstableCursor) Close() error { return nil }
