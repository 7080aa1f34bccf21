// Package wal journals durable queues to local append-only files so messages
// can be re-inserted after the store loses them.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"courier/internal/log"
	"courier/internal/store"

	"go.uber.org/zap"
)

type Op string

const (
	OpEnqueue    Op = "enqueue"
	OpAck        Op = "ack"
	OpDeadLetter Op = "deadLetter"
	// OpDrop marks a message discarded by expiry or trimming.
	OpDrop       Op = "drop"
)

const (
	defaultMaxFileSize = 100 * 1024 * 1024 // 100MB
	liveFile           = "wal.log"
	segmentTimeFormat  = "20060102T150405.000"
)

// Record is one journal line. Message is set for enqueue records only.
type Record struct {
	Op      Op                  `json:"op"`
	ID      string              `json:"id"`
	Message *store.QueueMessage `json:"message,omitempty"`
	At      int64               `json:"at"`
}

type journal struct {
	f    *os.File
	size int64
}

type Manager struct {
	mu          sync.Mutex
	baseDir     string
	maxFileSize int64
	journals    map[string]*journal
	logger      *log.Logger
	now         func() time.Time
}

func NewManager(baseDir string, logger *log.Logger) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create WAL directory %s: %w", baseDir, err)
	}
	return &Manager{
		baseDir:     baseDir,
		maxFileSize: defaultMaxFileSize,
		journals:    make(map[string]*journal),
		logger:      logger,
		now:         time.Now,
	}, nil
}

func (w *Manager) queueDir(queue string) string {
	return filepath.Join(w.baseDir, queue)
}

// open returns the live journal of a queue. Callers hold w.mu.
func (w *Manager) open(queue string) (*journal, error) {
	if j, ok := w.journals[queue]; ok {
		return j, nil
	}
	dir := w.queueDir(queue)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create WAL directory for %s: %w", queue, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, liveFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open WAL file for %s: %w", queue, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat WAL file for %s: %w", queue, err)
	}
	j := &journal{f: f, size: info.Size()}
	w.journals[queue] = j
	return j, nil
}

// rotate renames the live file to a timestamped segment. Callers hold w.mu.
func (w *Manager) rotate(queue string, j *journal) error {
	if err := j.f.Close(); err != nil {
		return fmt.Errorf("close WAL file for %s: %w", queue, err)
	}
	dir := w.queueDir(queue)
	name := fmt.Sprintf("wal-%s.log", w.now().UTC().Format(segmentTimeFormat))
	if err := os.Rename(filepath.Join(dir, liveFile), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename WAL file for %s: %w", queue, err)
	}
	f, err := os.OpenFile(filepath.Join(dir, liveFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open new WAL file for %s: %w", queue, err)
	}
	j.f = f
	j.size = 0
	w.logger.Info("Rotated WAL", zap.String("queue", queue), zap.String("segment", name))
	return nil
}

func (w *Manager) Append(queue string, rec Record) error {
	if rec.At == 0 {
		rec.At = w.now().UnixMilli()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal WAL record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	j, err := w.open(queue)
	if err != nil {
		return err
	}
	if j.size >= w.maxFileSize {
		if err := w.rotate(queue, j); err != nil {
			return fmt.Errorf("rotate WAL for %s: %w", queue, err)
		}
	}
	n, err := j.f.Write(append(data, '\n'))
	if err != nil {
		w.logger.Error("Failed to write WAL", zap.String("queue", queue), zap.Error(err))
		return fmt.Errorf("write WAL for %s: %w", queue, err)
	}
	j.size += int64(n)
	return nil
}

func (w *Manager) files(queue string) ([]string, error) {
	dir := w.queueDir(queue)
	segments, err := filepath.Glob(filepath.Join(dir, "wal-*.log"))
	if err != nil {
		return nil, fmt.Errorf("list WAL files for %s: %w", queue, err)
	}
	sort.Strings(segments)
	return append(segments, filepath.Join(dir, liveFile)), nil
}

// Replay returns every record of a queue, oldest segment first.
func (w *Manager) Replay(queue string) ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	paths, err := w.files(queue)
	if err != nil {
		return nil, err
	}
	var records []Record
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read WAL %s: %w", path, err)
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var rec Record
			if err := json.Unmarshal(line, &rec); err != nil {
				// a torn final write is expected after a crash
				w.logger.Warn("Skipping malformed WAL record", zap.String("file", path), zap.Error(err))
				continue
			}
			records = append(records, rec)
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("scan WAL %s: %w", path, err)
		}
	}
	return records, nil
}

// Pending returns the journaled messages of a queue that were not acked,
// dead-lettered or dropped, in the order they were last enqueued.
func (w *Manager) Pending(queue string) ([]*store.QueueMessage, error) {
	records, err := w.Replay(queue)
	if err != nil {
		return nil, err
	}
	live := make(map[string]*store.QueueMessage)
	seq := make(map[string]int)
	var order []string
	for _, rec := range records {
		switch rec.Op {
		case OpEnqueue:
			if rec.Message == nil {
				continue
			}
			live[rec.ID] = rec.Message
			seq[rec.ID] = len(order)
			order = append(order, rec.ID)
		case OpAck, OpDeadLetter, OpDrop:
			delete(live, rec.ID)
		}
	}
	var out []*store.QueueMessage
	for i, id := range order {
		if msg, ok := live[id]; ok && seq[id] == i {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Queues lists the queues that have a journal directory.
func (w *Manager) Queues() ([]string, error) {
	entries, err := os.ReadDir(w.baseDir)
	if err != nil {
		return nil, fmt.Errorf("list WAL directory: %w", err)
	}
	var queues []string
	for _, e := range entries {
		if e.IsDir() {
			queues = append(queues, e.Name())
		}
	}
	return queues, nil
}

// Cleanup removes rotated segments older than retention.
func (w *Manager) Cleanup(retention time.Duration) error {
	queues, err := w.Queues()
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-retention)
	for _, queue := range queues {
		segments, err := filepath.Glob(filepath.Join(w.queueDir(queue), "wal-*.log"))
		if err != nil {
			return fmt.Errorf("list WAL files for %s: %w", queue, err)
		}
		for _, file := range segments {
			ts := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(file), "wal-"), ".log")
			t, err := time.Parse(segmentTimeFormat, ts)
			if err != nil {
				continue // skip malformed files
			}
			if t.Before(cutoff) {
				if err := os.Remove(file); err != nil {
					return fmt.Errorf("remove old WAL file %s: %w", file, err)
				}
			}
		}
	}
	return nil
}

func (w *Manager) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for queue, j := range w.journals {
		if err := j.f.Close(); err != nil {
			return fmt.Errorf("close WAL file for %s: %w", queue, err)
		}
		delete(w.journals, queue)
	}
	return nil
}
