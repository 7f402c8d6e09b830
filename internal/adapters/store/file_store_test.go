package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/citiesair/fidas-uplink/internal/domain"
	"github.com/citiesair/fidas-uplink/internal/ports"
)

func sample(seq uint64) domain.Measurement {
	return domain.Measurement{
		SensorID:  "fidas-1",
		Timestamp: time.Date(2025, 11, 26, 9, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Minute),
		Seq:       seq,
		Values:    map[string]float64{domain.MetricPM25: float64(seq)},
	}
}

func TestAppendPeekAcknowledge(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	for seq := uint64(1); seq <= 5; seq++ {
		if err := s.Append(sample(seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	if got := s.PendingCount(); got != 5 {
		t.Fatalf("expected 5 pending, got %d", got)
	}

	batch, err := s.PeekBatch(3)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(batch))
	}
	for i, m := range batch {
		if m.Seq != uint64(i+1) {
			t.Fatalf("batch out of order: pos %d has seq %d", i, m.Seq)
		}
	}

	if err := s.Acknowledge(3); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if got := s.PendingCount(); got != 2 {
		t.Fatalf("expected 2 pending after ack, got %d", got)
	}

	batch, err = s.PeekBatch(10)
	if err != nil {
		t.Fatalf("peek after ack: %v", err)
	}
	if len(batch) != 2 || batch[0].Seq != 4 || batch[1].Seq != 5 {
		t.Fatalf("unexpected batch after ack: %+v", batch)
	}
}

func TestAcknowledgeIdempotent(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		if err := s.Append(sample(seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	if err := s.Acknowledge(2); err != nil {
		t.Fatalf("first acknowledge: %v", err)
	}
	before := s.PendingCount()
	if err := s.Acknowledge(2); err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}
	if got := s.PendingCount(); got != before || got != 1 {
		t.Fatalf("repeat acknowledge changed state: before=%d after=%d", before, got)
	}
	// Acknowledging below the current point is also a no-op.
	if err := s.Acknowledge(1); err != nil {
		t.Fatalf("lower acknowledge: %v", err)
	}
	if got := s.PendingCount(); got != 1 {
		t.Fatalf("lower acknowledge changed state: %d", got)
	}
}

func TestStoreFullAtCapacity(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), 2)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	if err := s.Append(sample(1)); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := s.Append(sample(2)); err != nil {
		t.Fatalf("append 2: %v", err)
	}
	if err := s.Append(sample(3)); !errors.Is(err, ports.ErrStoreFull) {
		t.Fatalf("expected ErrStoreFull, got %v", err)
	}
	if got := s.PendingCount(); got != 2 {
		t.Fatalf("expected 2 pending, got %d", got)
	}

	// Acknowledging frees capacity again.
	if err := s.Acknowledge(1); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := s.Append(sample(3)); err != nil {
		t.Fatalf("append after ack: %v", err)
	}
}

func TestReopenReplaysPendingOnly(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for seq := uint64(1); seq <= 4; seq++ {
		if err := s.Append(sample(seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	if err := s.Acknowledge(2); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if got := s2.PendingCount(); got != 2 {
		t.Fatalf("expected 2 pending after reopen, got %d", got)
	}
	if got := s2.LastSeq(); got != 4 {
		t.Fatalf("expected last seq 4, got %d", got)
	}
	batch, err := s2.PeekBatch(10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(batch) != 2 || batch[0].Seq != 3 || batch[1].Seq != 4 {
		t.Fatalf("unexpected backlog after reopen: %+v", batch)
	}
	// New appends continue after the recovered sequence.
	if err := s2.Append(sample(5)); err != nil {
		t.Fatalf("append after reopen: %v", err)
	}
}

func TestReopenTruncatesTornRecord(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Append(sample(1)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-append: garbage trailing bytes.
	path := filepath.Join(dir, "store.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.Write([]byte{0xFF, 0xAA, 0x01}); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	f.Close()

	s2, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("reopen after garbage: %v", err)
	}
	defer s2.Close()

	if got := s2.PendingCount(); got != 1 {
		t.Fatalf("expected 1 pending, got %d", got)
	}
	batch, err := s2.PeekBatch(10)
	if err != nil {
		t.Fatalf("peek after truncation: %v", err)
	}
	if len(batch) != 1 || batch[0].Seq != 1 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestCompactionKeepsPendingWindow(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	for seq := uint64(1); seq <= 10; seq++ {
		if err := s.Append(sample(seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	if err := s.Acknowledge(7); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	s.mu.Lock()
	err = s.compactLocked()
	s.mu.Unlock()
	if err != nil {
		t.Fatalf("compact: %v", err)
	}

	if got := s.PendingCount(); got != 3 {
		t.Fatalf("expected 3 pending after compaction, got %d", got)
	}
	batch, err := s.PeekBatch(10)
	if err != nil {
		t.Fatalf("peek after compaction: %v", err)
	}
	if len(batch) != 3 || batch[0].Seq != 8 || batch[2].Seq != 10 {
		t.Fatalf("unexpected batch after compaction: %+v", batch)
	}

	// The store remains usable for appends and survives a reopen.
	if err := s.Append(sample(11)); err != nil {
		t.Fatalf("append after compaction: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	s2, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("reopen after compaction: %v", err)
	}
	defer s2.Close()
	if got := s2.PendingCount(); got != 4 {
		t.Fatalf("expected 4 pending after reopen, got %d", got)
	}
}

func TestAcknowledgePersistsMetaDurably(t *testing.T) {
	dir := t.TempDir()

	s, err := NewFileStore(dir, 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	for seq := uint64(1); seq <= 3; seq++ {
		if err := s.Append(sample(seq)); err != nil {
			t.Fatalf("append %d: %v", seq, err)
		}
	}
	if err := s.Acknowledge(2); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	// The acknowledge point is on disk before Acknowledge returns, and
	// the temp file used for the atomic swap is gone.
	data, err := os.ReadFile(filepath.Join(dir, "store.meta"))
	if err != nil {
		t.Fatalf("read meta: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "2" {
		t.Fatalf("expected meta to record 2, got %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "store.meta.tmp")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("temp meta file left behind: %v", err)
	}
}

func TestAppendRejectsNonIncreasingSeq(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	if err := s.Append(sample(5)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(sample(5)); err == nil {
		t.Fatalf("expected error for repeated seq")
	}
	if err := s.Append(sample(4)); err == nil {
		t.Fatalf("expected error for decreasing seq")
	}
}
