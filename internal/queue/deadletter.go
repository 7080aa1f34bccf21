package queue

import (
	"context"
	"fmt"

	"courier/internal/store"
	"courier/internal/wal"

	"go.uber.org/zap"
)

// deadLetter moves the leased msg onto the queue's dead-letter list and caps
// the list. The entry is pushed before the lease is settled, so a failure in
// between leaves a duplicate and never a loss. It fails with ErrLeaseNotFound
// when msg holds no lease.
func (m *Manager) deadLetter(ctx context.Context, cfg QueueConfig, msg *store.QueueMessage, reason string) error {
	now := m.now()
	entry := &store.DeadLetterEntry{
		Message:        *msg,
		DeadLetteredAt: now.UnixMilli(),
		OriginQueue:    cfg.Name,
		Reason:         reason,
	}
	raw, err := store.EncodeDeadLetter(entry)
	if err != nil {
		return fmt.Errorf("encode dead letter %s: %w", msg.ID, err)
	}
	if _, err := m.store.LPush(ctx, deadLetterKey(cfg.DeadLetterQueue), raw); err != nil {
		m.logger.Error("Failed to dead-letter message", zap.String("queue", cfg.Name), zap.String("id", msg.ID), zap.Error(err))
		return fmt.Errorf("dead-letter %s: %w", msg.ID, err)
	}
	if err := m.settle(ctx, cfg, msg.ID); err != nil {
		// withdraw the entry; the lease went to someone else or the settle failed
		if _, lerr := m.store.LRem(ctx, deadLetterKey(cfg.DeadLetterQueue), 1, raw); lerr != nil {
			m.logger.Warn("Failed to withdraw dead letter", zap.String("id", msg.ID), zap.Error(lerr))
		}
		return err
	}
	overflow := ""
	if m.archiveEvicted {
		overflow = evictedKey(cfg.DeadLetterQueue)
	}
	evicted, err := m.store.CapList(ctx, deadLetterKey(cfg.DeadLetterQueue), overflow, int64(m.deadLetterMaxSize))
	if err != nil {
		m.logger.Warn("Failed to cap dead-letter queue", zap.String("dlq", cfg.DeadLetterQueue), zap.Error(err))
	} else if evicted > 0 {
		m.logger.Debug("Evicted dead letters", zap.String("dlq", cfg.DeadLetterQueue), zap.Int64("count", evicted))
	}
	if err := m.record(cfg, wal.Record{Op: wal.OpDeadLetter, ID: msg.ID}); err != nil {
		m.logger.Warn("Failed to journal dead letter", zap.String("id", msg.ID), zap.Error(err))
	}
	m.incr(ctx, cfg.Name, counterDeadLettered, 1)
	m.logger.Warn("Message dead-lettered",
		zap.String("queue", cfg.Name),
		zap.String("dlq", cfg.DeadLetterQueue),
		zap.String("id", msg.ID),
		zap.Int("retries", msg.Metadata.RetryCount),
		zap.String("reason", reason),
	)
	m.emit(Event{
		Type:       EventDeadLettered,
		Queue:      cfg.Name,
		MessageID:  msg.ID,
		At:         now,
		RetryCount: msg.Metadata.RetryCount,
		Reason:     reason,
	})
	return nil
}

// ListDeadLetters returns up to limit entries of a dead-letter queue, newest
// first, starting at offset.
func (m *Manager) ListDeadLetters(ctx context.Context, dlq string, offset, limit int) ([]store.DeadLetterEntry, error) {
	if offset < 0 || limit <= 0 {
		return nil, fmt.Errorf("%w: offset %d limit %d", ErrValidationFailed, offset, limit)
	}
	raws, err := m.store.LRange(ctx, deadLetterKey(dlq), int64(offset), int64(offset+limit-1))
	if err != nil {
		return nil, fmt.Errorf("list dead letters %s: %w", dlq, err)
	}
	return m.decodeEntries(dlq, raws), nil
}

func (m *Manager) decodeEntries(dlq string, raws []string) []store.DeadLetterEntry {
	entries := make([]store.DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		e, err := store.DecodeDeadLetter(raw)
		if err != nil {
			m.logger.Warn("Skipping undecodable dead letter", zap.String("dlq", dlq), zap.Error(err))
			continue
		}
		entries = append(entries, *e)
	}
	return entries
}

// DeadLetterCount returns the length of a dead-letter queue.
func (m *Manager) DeadLetterCount(ctx context.Context, dlq string) (int64, error) {
	return m.store.LLen(ctx, deadLetterKey(dlq))
}

// Redrive moves the dead letter with the given message id back onto its
// origin queue with a fresh retry budget. It returns false when no such
// entry exists.
func (m *Manager) Redrive(ctx context.Context, dlq, msgID string) (bool, error) {
	raws, err := m.store.LRange(ctx, deadLetterKey(dlq), 0, -1)
	if err != nil {
		return false, fmt.Errorf("list dead letters %s: %w", dlq, err)
	}
	for _, raw := range raws {
		e, err := store.DecodeDeadLetter(raw)
		if err != nil || e.Message.ID != msgID {
			continue
		}
		cfg, err := m.lookup(e.OriginQueue)
		if err != nil {
			return false, err
		}
		msg := e.Message
		msg.Metadata.RetryCount = 0
		msg.Metadata.DelayUntil = 0
		msg.Metadata.LastError = ""
		msg.Metadata.FirstFailedAt = 0
		if err := m.record(cfg, wal.Record{Op: wal.OpEnqueue, ID: msg.ID, Message: &msg}); err != nil {
			m.logger.Warn("Failed to journal redrive", zap.String("id", msg.ID), zap.Error(err))
		}
		// place before removing the entry; the entry stays put if placing fails
		placed, err := m.place(ctx, cfg, &msg)
		if err != nil {
			return false, err
		}
		n, err := m.store.LRem(ctx, deadLetterKey(dlq), 1, raw)
		if err != nil {
			return false, fmt.Errorf("remove dead letter %s: %w", msgID, err)
		}
		if !placed {
			// already back on the queue from an earlier attempt
			return n > 0, nil
		}
		m.incr(ctx, cfg.Name, counterEnqueued, 1)
		m.logger.Info("Redrove dead letter", zap.String("dlq", dlq), zap.String("queue", cfg.Name), zap.String("id", msg.ID))
		m.emit(Event{Type: EventEnqueued, Queue: cfg.Name, MessageID: msg.ID})
		return true, nil
	}
	return false, nil
}

// PurgeDeadLetters empties a dead-letter queue and returns how many entries
// it held.
func (m *Manager) PurgeDeadLetters(ctx context.Context, dlq string) (int64, error) {
	n, err := m.store.LLen(ctx, deadLetterKey(dlq))
	if err != nil {
		return 0, fmt.Errorf("count dead letters %s: %w", dlq, err)
	}
	if _, err := m.store.Del(ctx, deadLetterKey(dlq)); err != nil {
		return 0, fmt.Errorf("purge dead letters %s: %w", dlq, err)
	}
	m.logger.Info("Purged dead-letter queue", zap.String("dlq", dlq), zap.Int64("count", n))
	return n, nil
}

// EvictedDeadLetters returns up to limit of the oldest entries trimmed off a
// dead-letter queue, oldest first, together with the number of raw entries
// read. Pass that number to DropEvicted once the entries are archived.
func (m *Manager) EvictedDeadLetters(ctx context.Context, dlq string, limit int) ([]store.DeadLetterEntry, int, error) {
	if limit <= 0 {
		return nil, 0, nil
	}
	raws, err := m.store.LRange(ctx, evictedKey(dlq), int64(-limit), -1)
	if err != nil {
		return nil, 0, fmt.Errorf("list evicted %s: %w", dlq, err)
	}
	// the list is newest first; hand out the oldest first
	for i, j := 0, len(raws)-1; i < j; i, j = i+1, j-1 {
		raws[i], raws[j] = raws[j], raws[i]
	}
	return m.decodeEntries(dlq, raws), len(raws), nil
}

// DropEvicted removes the count oldest evicted entries of a dead-letter queue.
func (m *Manager) DropEvicted(ctx context.Context, dlq string, count int) error {
	if count <= 0 {
		return nil
	}
	if err := m.store.LTrim(ctx, evictedKey(dlq), 0, int64(-(count + 1))); err != nil {
		return fmt.Errorf("drop evicted %s: %w", dlq, err)
	}
	return nil
}
