package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"courier/internal/log"
	"courier/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	w, err := NewManager(t.TempDir(), log.NewNop())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func enqueueRecord(id string) Record {
	return Record{
		Op: OpEnqueue,
		ID: id,
		Message: &store.QueueMessage{
			ID:       id,
			Payload:  json.RawMessage(`{"n":"` + id + `"}`),
			Metadata: store.MessageMetadata{QueueName: "orders"},
		},
	}
}

func TestPendingExcludesSettledMessages(t *testing.T) {
	w := newTestManager(t)
	for _, rec := range []Record{
		enqueueRecord("a"),
		enqueueRecord("b"),
		enqueueRecord("c"),
		{Op: OpAck, ID: "a"},
		{Op: OpDeadLetter, ID: "c"},
		enqueueRecord("c"),
	} {
		if err := w.Append("orders", rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	pending, err := w.Pending("orders")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != "b" || pending[1].ID != "c" {
		t.Fatalf("unexpected pending %+v", pending)
	}
}

func TestReplayAcrossRotatedSegments(t *testing.T) {
	w := newTestManager(t)
	w.maxFileSize = 1
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	w.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	ids := []string{"1", "2", "3", "4"}
	for _, id := range ids {
		if err := w.Append("orders", enqueueRecord(id)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	segments, _ := filepath.Glob(filepath.Join(w.baseDir, "orders", "wal-*.log"))
	if len(segments) != 3 {
		t.Fatalf("want 3 rotated segments, got %d", len(segments))
	}
	records, err := w.Replay("orders")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != len(ids) {
		t.Fatalf("want %d records, got %d", len(ids), len(records))
	}
	for i, rec := range records {
		if rec.ID != ids[i] {
			t.Fatalf("record %d: want %s, got %s", i, ids[i], rec.ID)
		}
	}
}

func TestReplaySkipsTornRecord(t *testing.T) {
	w := newTestManager(t)
	if err := w.Append("orders", enqueueRecord("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(w.baseDir, "orders", liveFile), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	f.WriteString(`{"op":"enqueue","id":"b","mess`)
	f.Close()

	records, err := w.Replay("orders")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(records) != 1 || records[0].ID != "a" {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestCleanupRemovesOldSegments(t *testing.T) {
	w := newTestManager(t)
	dir := filepath.Join(w.baseDir, "orders")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	old := filepath.Join(dir, "wal-20200101T000000.000.log")
	recent := filepath.Join(dir, "wal-"+time.Now().UTC().Format(segmentTimeFormat)+".log")
	for _, p := range []string{old, recent, filepath.Join(dir, "wal-garbage.log")} {
		if err := os.WriteFile(p, nil, 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Cleanup(24 * time.Hour); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatal("old segment should be removed")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Fatalf("recent segment removed: %v", err)
	}
}

func TestQueuesListsJournals(t *testing.T) {
	w := newTestManager(t)
	_ = w.Append("orders", enqueueRecord("a"))
	_ = w.Append("alerts", enqueueRecord("b"))
	queues, err := w.Queues()
	if err != nil {
		t.Fatalf("queues: %v", err)
	}
	if len(queues) != 2 {
		t.Fatalf("want 2 queues, got %v", queues)
	}
}
