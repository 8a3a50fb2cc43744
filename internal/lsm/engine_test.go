package lsm

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mnohosten/driftkv/internal/metrics"
)

func TestEngineBasicOperations(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	key := []byte("test-key")
	value := []byte("test-value")

	if err := engine.Upsert(key, value, Forever); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	got, err := engine.Get(key)
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Fatalf("expected %s, got %s", value, got)
	}
}

func TestEngineUpdate(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	key := []byte("update-key")
	if err := engine.Upsert(key, []byte("value-1"), Forever); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := engine.Get(key)
	if err != nil || !bytes.Equal(got, []byte("value-1")) {
		t.Fatalf("expected value-1, got %s (err=%v)", got, err)
	}

	if err := engine.Upsert(key, []byte("value-2"), Forever); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err = engine.Get(key)
	if err != nil || !bytes.Equal(got, []byte("value-2")) {
		t.Fatalf("expected value-2, got %s (err=%v)", got, err)
	}
}

func TestEngineRemove(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	key := []byte("key-to-delete")
	if err := engine.Upsert(key, []byte("value"), Forever); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := engine.Get(key); err != nil {
		t.Fatalf("key should exist: %v", err)
	}

	if err := engine.Remove(key); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	if _, err := engine.Get(key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngineNotFound(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	if _, err := engine.Get([]byte("nonexistent")); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEngineFlushThenGet(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		value := []byte(fmt.Sprintf("value-%04d", i))
		if err := engine.Upsert(key, value, Forever); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	if err := engine.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	stats := engine.Stats()
	if stats["num_sstables"].(int) == 0 {
		t.Fatal("expected SSTables after flush")
	}

	for i := 0; i < 100; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		expected := []byte(fmt.Sprintf("value-%04d", i))
		got, err := engine.Get(key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !bytes.Equal(got, expected) {
			t.Fatalf("key %s: expected %s, got %s", key, expected, got)
		}
	}
}

func TestEngineRemoveSurvivesFlush(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	key := []byte("flushed-tombstone")
	if err := engine.Upsert(key, []byte("v"), Forever); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := engine.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := engine.Remove(key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := engine.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if _, err := engine.Get(key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after tombstone flushed over value, got %v", err)
	}
}

func TestEngineCompactionPreservesData(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	for round := 0; round < 3; round++ {
		for i := 0; i < 50; i++ {
			key := []byte(fmt.Sprintf("key-%04d", i))
			value := []byte(fmt.Sprintf("round-%d-value-%04d", round, i))
			if err := engine.Upsert(key, value, Forever); err != nil {
				t.Fatalf("upsert: %v", err)
			}
		}
		if err := engine.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}
	}

	if err := engine.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}

	stats := engine.Stats()
	if stats["num_sstables"].(int) != 1 {
		t.Fatalf("expected exactly one SSTable after compaction, got %v", stats["num_sstables"])
	}

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		expected := []byte(fmt.Sprintf("round-2-value-%04d", i))
		got, err := engine.Get(key)
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !bytes.Equal(got, expected) {
			t.Fatalf("key %s: expected freshest %s, got %s", key, expected, got)
		}
	}
}

func TestEngineCompactionDropsTombstones(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	key := []byte("to-be-removed")
	if err := engine.Upsert(key, []byte("v"), Forever); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := engine.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := engine.Remove(key); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := engine.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := engine.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}

	if _, err := engine.Get(key); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnginePersistence(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)

	engine, err := Open(config)
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("persist-key-%04d", i))
		value := []byte(fmt.Sprintf("persist-value-%04d", i))
		if err := engine.Upsert(key, value, Forever); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := engine.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "*.dat"))
	if len(matches) == 0 {
		t.Fatal("no sstable files created")
	}

	reopened, err := Open(config)
	if err != nil {
		t.Fatalf("failed to reopen engine: %v", err)
	}
	defer reopened.Close()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("persist-key-%04d", i))
		expected := []byte(fmt.Sprintf("persist-value-%04d", i))
		got, err := reopened.Get(key)
		if err != nil {
			t.Fatalf("get %s after reopen: %v", key, err)
		}
		if !bytes.Equal(got, expected) {
			t.Fatalf("key %s: expected %s, got %s", key, expected, got)
		}
	}
}

func TestEngineClosedRejectsOperations(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := engine.Upsert([]byte("k"), []byte("v"), Forever); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := engine.Get([]byte("k")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := engine.Remove([]byte("k")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestEngineCloseFlushesPendingMemTable(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig(dir)

	engine, err := Open(config)
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}

	if err := engine.Upsert([]byte("unflushed"), []byte("v"), Forever); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(config)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get([]byte("unflushed"))
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if !bytes.Equal(got, []byte("v")) {
		t.Fatalf("expected v, got %s", got)
	}
}

func TestEngineExpiry(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	key := []byte("expiring-key")
	expired := engine.Timestamp() - 1 // already in the past
	if err := engine.Upsert(key, []byte("v"), expired); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, err := engine.Get(key); err != ErrNotFound {
		t.Fatalf("expected expired key to read as not found, got %v", err)
	}
}

func TestEngineRangeScan(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		if err := engine.Upsert(key, []byte(fmt.Sprintf("v%02d", i)), Forever); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := engine.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	for i := 20; i < 30; i++ {
		key := []byte(fmt.Sprintf("k%02d", i))
		if err := engine.Upsert(key, []byte(fmt.Sprintf("v%02d", i)), Forever); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	it, err := engine.RangeScan([]byte("k10"))
	if err != nil {
		t.Fatalf("rangescan: %v", err)
	}
	defer it.Close()

	count := 0
	var lastKey []byte
	for it.Next() {
		cell := it.Cell()
		if lastKey != nil && compareKeys(cell.Key, lastKey) <= 0 {
			t.Fatalf("range scan produced out-of-order keys: %s after %s", cell.Key, lastKey)
		}
		lastKey = append([]byte(nil), cell.Key...)
		count++
	}
	if count != 20 {
		t.Fatalf("expected 20 keys from k10 onward, got %d", count)
	}
}

func TestEngineTimestampMonotonic(t *testing.T) {
	dir := t.TempDir()
	engine, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	prev := engine.Timestamp()
	for i := 0; i < 1000; i++ {
		next := engine.Timestamp()
		if next <= prev {
			t.Fatalf("timestamps must be strictly increasing: %d then %d", prev, next)
		}
		prev = next
	}
}

func TestEngineReportsFlushAndCompactionMetrics(t *testing.T) {
	dir := t.TempDir()
	reg := metrics.NewRegistry()
	config := DefaultConfig(dir)
	config.Metrics = reg

	engine, err := Open(config)
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	defer engine.Close()

	if err := engine.Upsert([]byte("k"), []byte("v"), Forever); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if got := testutil.ToFloat64(reg.EngineMemTableBytes); got <= 0 {
		t.Fatalf("expected memtable bytes gauge > 0 after a write, got %v", got)
	}

	if err := engine.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := testutil.ToFloat64(reg.EngineFlushesTotal); got != 1 {
		t.Fatalf("expected 1 flush recorded, got %v", got)
	}
	if got := testutil.ToFloat64(reg.EngineSSTablesTotal); got != 1 {
		t.Fatalf("expected 1 live sstable after flush, got %v", got)
	}

	if err := engine.Compact(); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if got := testutil.ToFloat64(reg.EngineCompactionsTotal); got != 1 {
		t.Fatalf("expected 1 compaction recorded, got %v", got)
	}
}
