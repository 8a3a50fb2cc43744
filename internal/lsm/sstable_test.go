package lsm

import (
	"bytes"
	"fmt"
	"os"
	"testing"
)

func truncateFile(path string, size int64) error {
	return os.Truncate(path, size)
}

func writeTestSSTable(t *testing.T, dir string, gen int64, cells []*Cell) *SSTable {
	t.Helper()
	writer, err := NewSSTableWriter(dir, gen)
	if err != nil {
		t.Fatalf("NewSSTableWriter: %v", err)
	}
	for _, c := range cells {
		if err := writer.Write(c); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	sst, err := writer.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return sst
}

func TestSSTableRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cells := []*Cell{
		{Key: []byte("a"), Timestamp: 1, Kind: Present, Expire: Forever, Value: []byte("1")},
		{Key: []byte("b"), Timestamp: 2, Kind: Present, Expire: Forever, Value: []byte("2")},
		{Key: []byte("c"), Timestamp: 3, Kind: Tombstone, Expire: Forever},
	}
	sst := writeTestSSTable(t, dir, 1, cells)
	defer sst.Close()

	if sst.NumEntries() != 3 {
		t.Fatalf("expected 3 entries, got %d", sst.NumEntries())
	}

	cell, found, err := sst.Get([]byte("a"))
	if err != nil || !found {
		t.Fatalf("expected to find a, err=%v found=%v", err, found)
	}
	if !bytes.Equal(cell.Value, []byte("1")) {
		t.Fatalf("expected value 1, got %s", cell.Value)
	}

	cell, found, err = sst.Get([]byte("c"))
	if err != nil || !found {
		t.Fatalf("expected to find c (tombstone), err=%v found=%v", err, found)
	}
	if cell.Kind != Tombstone {
		t.Fatalf("expected Tombstone, got %v", cell.Kind)
	}

	_, found, err = sst.Get([]byte("z"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatal("expected z to be absent")
	}
}

func TestSSTableWriteRequiresAscendingKeys(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewSSTableWriter(dir, 1)
	if err != nil {
		t.Fatalf("NewSSTableWriter: %v", err)
	}
	if err := writer.Write(&Cell{Key: []byte("b"), Timestamp: 1, Kind: Present, Expire: Forever, Value: []byte("v")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	err = writer.Write(&Cell{Key: []byte("a"), Timestamp: 2, Kind: Present, Expire: Forever, Value: []byte("v")})
	if err != ErrUnsortedInput {
		t.Fatalf("expected ErrUnsortedInput, got %v", err)
	}
	writer.Abort()
}

func TestSSTableIteratorFrom(t *testing.T) {
	dir := t.TempDir()
	var cells []*Cell
	for i := 0; i < 20; i++ {
		cells = append(cells, &Cell{
			Key:       []byte(fmt.Sprintf("k%02d", i)),
			Timestamp: int64(i),
			Kind:      Present,
			Expire:    Forever,
			Value:     []byte(fmt.Sprintf("v%02d", i)),
		})
	}
	sst := writeTestSSTable(t, dir, 1, cells)
	defer sst.Close()

	it, err := sst.Iterator([]byte("k10"))
	if err != nil {
		t.Fatalf("Iterator: %v", err)
	}

	count := 0
	for it.Next() {
		count++
	}
	if count != 10 {
		t.Fatalf("expected 10 cells from k10 onward, got %d", count)
	}
}

func TestSSTableOpenRejectsTruncatedTrailer(t *testing.T) {
	dir := t.TempDir()
	cells := []*Cell{{Key: []byte("a"), Timestamp: 1, Kind: Present, Expire: Forever, Value: []byte("1")}}
	sst := writeTestSSTable(t, dir, 1, cells)
	path := sst.path
	sst.Close()

	// Corrupt: truncate to 2 bytes, far too small to carry a valid trailer.
	if err := truncateFile(path, 2); err != nil {
		t.Fatalf("truncateFile: %v", err)
	}

	if _, err := OpenSSTable(path, 1); err == nil {
		t.Fatal("expected an error opening a truncated sstable")
	}
}

func TestSSTableAbortDoesNotPublishDatFile(t *testing.T) {
	dir := t.TempDir()
	writer, err := NewSSTableWriter(dir, 1)
	if err != nil {
		t.Fatalf("NewSSTableWriter: %v", err)
	}
	writer.Write(&Cell{Key: []byte("a"), Timestamp: 1, Kind: Present, Expire: Forever, Value: []byte("v")})
	writer.Abort()

	if _, err := OpenSSTable(sstablePath(dir, 1), 1); err == nil {
		t.Fatal("an aborted writer must not have published a .dat file")
	}
}
