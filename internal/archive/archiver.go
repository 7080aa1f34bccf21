// Package archive drains dead letters evicted from the bounded in-store
// dead-letter lists into long-term storage.
package archive

import (
	"context"
	"fmt"
	"time"

	"courier/internal/log"
	"courier/internal/store"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Source is the part of queue.Manager the archiver drains.
type Source interface {
	DeadLetterQueues() []string
	EvictedDeadLetters(ctx context.Context, dlq string, limit int) ([]store.DeadLetterEntry, int, error)
	DropEvicted(ctx context.Context, dlq string, count int) error
}

// Sink stores archived entries; store.PGArchive is the production sink.
type Sink interface {
	Archive(ctx context.Context, entries []store.DeadLetterEntry) (int64, error)
}

type Archiver struct {
	source    Source
	sink      Sink
	interval  time.Duration
	batchSize int
	logger    *log.Logger
	cb        *gobreaker.CircuitBreaker
}

func NewArchiver(source Source, sink Sink, interval time.Duration, batchSize int, logger *log.Logger) *Archiver {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "archiver",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed", zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Archiver{
		source:    source,
		sink:      sink,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		cb:        cb,
	}
}

func (a *Archiver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Archiver shutting down, performing final flush...")
			a.FlushAll(context.Background())
			a.logger.Info("Archiver shutdown complete")
			return
		case <-ticker.C:
			a.FlushAll(ctx)
		}
	}
}

// FlushAll archives the evicted entries of every dead-letter queue and
// returns how many were archived.
func (a *Archiver) FlushAll(ctx context.Context) int {
	total := 0
	for _, dlq := range a.source.DeadLetterQueues() {
		n, err := a.Flush(ctx, dlq)
		if err != nil {
			a.logger.Error("Archive flush failed", zap.Error(err), zap.String("dlq", dlq))
		}
		total += n
	}
	return total
}

// Flush drains dlq's evicted entries batch by batch. Entries leave the store
// only after the sink accepted them.
func (a *Archiver) Flush(ctx context.Context, dlq string) (int, error) {
	archived := 0
	for {
		entries, read, err := a.source.EvictedDeadLetters(ctx, dlq, a.batchSize)
		if err != nil {
			return archived, fmt.Errorf("read evicted: %w", err)
		}
		if read == 0 {
			return archived, nil
		}
		if len(entries) > 0 {
			_, err := a.cb.Execute(func() (interface{}, error) {
				return a.sink.Archive(ctx, entries)
			})
			if err != nil {
				a.logger.Error("Failed to archive dead letters", zap.Error(err), zap.String("dlq", dlq))
				return archived, fmt.Errorf("archive dead letters: %w", err)
			}
		}
		if err := a.source.DropEvicted(ctx, dlq, read); err != nil {
			a.logger.Error("Failed to drop archived dead letters", zap.Error(err))
			return archived, fmt.Errorf("drop evicted: %w", err)
		}
		archived += len(entries)
		a.logger.Info("Archived dead letters", zap.String("dlq", dlq), zap.Int("count", len(entries)))
		if read < a.batchSize {
			return archived, nil
		}
	}
}
