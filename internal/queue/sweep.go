package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"courier/internal/store"

	"go.uber.org/zap"
)

// PromoteDue moves delayed messages whose time has come into the ready set
// and returns how many were moved.
func (m *Manager) PromoteDue(ctx context.Context, queue string) (int, error) {
	cfg, err := m.lookup(queue)
	if err != nil {
		return 0, err
	}
	now := m.now().UnixMilli()
	due, err := m.store.ZRangeByScore(ctx, delayedKey(cfg.Name), math.Inf(-1), float64(now), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("scan delayed %s: %w", queue, err)
	}
	moved := 0
	for _, d := range due {
		priority := 0
		if !cfg.fifo() {
			raw, err := m.store.HGet(ctx, msgsKey(cfg.Name), d.Member)
			if errors.Is(err, store.ErrNotFound) {
				m.store.ZRem(ctx, delayedKey(cfg.Name), d.Member)
				continue
			}
			if err != nil {
				return moved, fmt.Errorf("load delayed %s: %w", d.Member, err)
			}
			if msg, err := store.DecodeMessage(raw); err == nil {
				priority = msg.Metadata.Priority
			}
		}
		ok, err := m.store.Move(ctx, delayedKey(cfg.Name), msgsKey(cfg.Name), d.Member, "", readyTarget(cfg, priority))
		if err != nil {
			m.logger.Error("Failed to promote message", zap.String("queue", queue), zap.String("id", d.Member), zap.Error(err))
			return moved, err
		}
		if !ok {
			// another process promoted it
			continue
		}
		moved++
	}
	if moved > 0 {
		m.logger.Debug("Promoted delayed messages", zap.String("queue", queue), zap.Int("count", moved))
	}
	return moved, nil
}

// NextDue returns when the earliest delayed message of queue becomes ready.
func (m *Manager) NextDue(ctx context.Context, queue string) (time.Time, bool, error) {
	cfg, err := m.lookup(queue)
	if err != nil {
		return time.Time{}, false, err
	}
	first, ok, err := m.store.ZFirst(ctx, delayedKey(cfg.Name))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(first.Score)), true, nil
}

// ReclaimExpired fails every lease of queue that ran past its visibility
// timeout, so the message is retried or dead-lettered like any other nack.
func (m *Manager) ReclaimExpired(ctx context.Context, queue string) (int, error) {
	cfg, err := m.lookup(queue)
	if err != nil {
		return 0, err
	}
	now := m.now().UnixMilli()
	expired, err := m.store.ZRangeByScore(ctx, leasesKey(cfg.Name), math.Inf(-1), float64(now), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("scan leases %s: %w", queue, err)
	}
	reclaimed := 0
	for _, l := range expired {
		ok, err := m.Nack(ctx, cfg.Name, l.Member, ReasonLeaseExpired, NackOptions{})
		if err != nil {
			m.logger.Error("Failed to reclaim lease", zap.String("queue", queue), zap.String("id", l.Member), zap.Error(err))
			continue
		}
		if ok {
			reclaimed++
		}
	}
	if reclaimed > 0 {
		m.logger.Info("Reclaimed expired leases", zap.String("queue", queue), zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}
