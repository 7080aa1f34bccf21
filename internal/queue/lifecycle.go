package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"courier/internal/retry"
	"courier/internal/store"
	"courier/internal/wal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Enqueue optimizes payload, stores it as a new message and returns its id.
// payload must be a JSON document.
func (m *Manager) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) (msgID string, err error) {
	ctx, span := m.tracer.Start(ctx, "queue.Enqueue", trace.WithAttributes(attribute.String("queue", queue)))
	defer func() { endSpan(span, err) }()

	cfg, err := m.lookup(queue)
	if err != nil {
		return "", err
	}
	if err := opts.validate(); err != nil {
		return "", err
	}
	if !json.Valid(payload) {
		return "", fmt.Errorf("%w: payload is not valid JSON", ErrValidationFailed)
	}

	now := m.now()
	msgID = m.ids.Next()

	if opts.DeduplicationKey != "" {
		first, derr := m.dedup(ctx, cfg.Name, opts.DeduplicationKey, msgID)
		if derr != nil {
			return "", derr
		}
		if first != msgID {
			m.logger.Info("Skipping duplicate enqueue", zap.String("queue", queue), zap.String("dedup_key", opts.DeduplicationKey), zap.String("id", first))
			return first, nil
		}
		// a failed enqueue must not leave the key pointing at an id that was never stored
		claimed := msgID
		defer func() {
			if err == nil {
				return
			}
			key := dedupKey(cfg.Name, opts.DeduplicationKey)
			if _, cerr := m.store.CompareAndDelete(context.WithoutCancel(ctx), key, claimed); cerr != nil {
				m.logger.Warn("Failed to release dedup key", zap.String("queue", queue), zap.String("dedup_key", opts.DeduplicationKey), zap.Error(cerr))
			}
		}()
	}

	optCfg := m.optimization
	if cfg.Optimization != nil {
		optCfg = *cfg.Optimization
	}
	res := m.optimizer.Process(payload, opts.optimization(optCfg))
	if res.Err != nil {
		m.logger.Debug("Payload stored with partial optimization", zap.String("queue", queue), zap.Error(res.Err))
	}

	maxRetries := cfg.MaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}
	ttl := cfg.MessageTTL
	if opts.TTL > 0 {
		ttl = opts.TTL
	}
	delayUntil := opts.DelayUntil
	if opts.Delay > 0 {
		delayUntil = now.Add(opts.Delay).UnixMilli()
	}

	msg := &store.QueueMessage{
		ID:      msgID,
		Payload: json.RawMessage(res.Data),
		Metadata: store.MessageMetadata{
			QueueName:         cfg.Name,
			EnqueuedAt:        now.UnixMilli(),
			EnqueuedAtISO:     now.UTC().Format(time.RFC3339Nano),
			Priority:          opts.Priority,
			DelayUntil:        delayUntil,
			MaxRetries:        maxRetries,
			VisibilityTimeout: opts.VisibilityTimeout.Milliseconds(),
			TTL:               ttl.Milliseconds(),
			CorrelationID:     opts.CorrelationID,
			UserID:            opts.UserID,
			SessionID:         opts.SessionID,
			Tags:              opts.Tags,
			DeduplicationKey:  opts.DeduplicationKey,
			Optimization:      res.Metadata,
		},
	}

	if err := m.record(cfg, wal.Record{Op: wal.OpEnqueue, ID: msgID, Message: msg}); err != nil {
		m.logger.Error("Failed to journal message", zap.String("queue", queue), zap.Error(err))
		return "", err
	}
	placed, err := m.place(ctx, cfg, msg)
	if err == nil && !placed {
		err = fmt.Errorf("message id %s already stored", msgID)
	}
	if err != nil {
		m.logger.Error("Failed to enqueue message", zap.String("queue", queue), zap.Error(err))
		if jerr := m.record(cfg, wal.Record{Op: wal.OpDrop, ID: msgID}); jerr != nil {
			m.logger.Warn("Failed to journal dropped enqueue", zap.String("id", msgID), zap.Error(jerr))
		}
		return "", err
	}
	m.incr(ctx, cfg.Name, counterEnqueued, 1)
	if cfg.MaxLength > 0 {
		m.trim(ctx, cfg)
	}

	ev := Event{Type: EventEnqueued, Queue: cfg.Name, MessageID: msgID, At: now}
	if delayUntil > now.UnixMilli() {
		ev.DelayUntil = delayUntil
	}
	m.emit(ev)
	span.SetAttributes(attribute.String("message.id", msgID), attribute.Int("payload.size", len(res.Data)))
	return msgID, nil
}

// dedup claims key for candidate and returns the id that owns the key.
func (m *Manager) dedup(ctx context.Context, queue, key, candidate string) (string, error) {
	k := dedupKey(queue, key)
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := m.store.SetNX(ctx, k, candidate, m.dedupWindow)
		if err != nil {
			return "", fmt.Errorf("claim dedup key: %w", err)
		}
		if ok {
			return candidate, nil
		}
		first, err := m.store.Get(ctx, k)
		if errors.Is(err, store.ErrNotFound) {
			// expired between the two calls
			continue
		}
		if err != nil {
			return "", fmt.Errorf("read dedup key: %w", err)
		}
		return first, nil
	}
	return candidate, nil
}

// trim drops ready messages beyond cfg.MaxLength: the oldest of a FIFO queue,
// the lowest priority (newest first among equals) of a priority queue.
func (m *Manager) trim(ctx context.Context, cfg QueueConfig) {
	var (
		ids []string
		err error
	)
	if cfg.fifo() {
		var n int64
		if n, err = m.store.LLen(ctx, readyKey(cfg.Name)); err == nil && n > int64(cfg.MaxLength) {
			ids, err = m.store.LPop(ctx, readyKey(cfg.Name), int(n-int64(cfg.MaxLength)))
		}
	} else {
		var n int64
		if n, err = m.store.ZCard(ctx, readyKey(cfg.Name)); err == nil && n > int64(cfg.MaxLength) {
			var popped []store.ScoredMember
			popped, err = m.store.ZPopMax(ctx, readyKey(cfg.Name), n-int64(cfg.MaxLength))
			for _, p := range popped {
				ids = append(ids, p.Member)
			}
		}
	}
	if err != nil {
		m.logger.Warn("Failed to trim queue", zap.String("queue", cfg.Name), zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	if _, err := m.store.HDel(ctx, msgsKey(cfg.Name), ids...); err != nil {
		m.logger.Warn("Failed to drop trimmed messages", zap.String("queue", cfg.Name), zap.Error(err))
	}
	for _, id := range ids {
		if err := m.record(cfg, wal.Record{Op: wal.OpDrop, ID: id}); err != nil {
			m.logger.Warn("Failed to journal trim", zap.String("queue", cfg.Name), zap.Error(err))
		}
	}
	m.incr(ctx, cfg.Name, counterTrimmed, int64(len(ids)))
	m.logger.Info("Trimmed queue", zap.String("queue", cfg.Name), zap.Int("count", len(ids)))
}

// Dequeue leases the next ready message and returns it with its payload
// restored. It returns nil when nothing is ready.
func (m *Manager) Dequeue(ctx context.Context, queue string, opts DequeueOptions) (msg *store.QueueMessage, err error) {
	ctx, span := m.tracer.Start(ctx, "queue.Dequeue", trace.WithAttributes(attribute.String("queue", queue)))
	defer func() { endSpan(span, err) }()

	cfg, err := m.lookup(queue)
	if err != nil {
		return nil, err
	}
	if _, err := m.PromoteDue(ctx, queue); err != nil {
		m.logger.Warn("Promotion before dequeue failed", zap.String("queue", queue), zap.Error(err))
	}

	for {
		now := m.now()
		timeout := cfg.VisibilityTimeout
		if opts.VisibilityTimeout > 0 {
			timeout = opts.VisibilityTimeout
		}
		id, ok, err := m.store.PopAndLease(ctx, readyKey(cfg.Name), leasesKey(cfg.Name), cfg.fifo(), now.Add(timeout).UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("lease from %s: %w", queue, err)
		}
		if !ok {
			return nil, nil
		}

		raw, err := m.store.HGet(ctx, msgsKey(cfg.Name), id)
		if errors.Is(err, store.ErrNotFound) {
			m.logger.Warn("Dropping lease of missing message", zap.String("queue", queue), zap.String("id", id))
			m.store.ZRem(ctx, leasesKey(cfg.Name), id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load message %s: %w", id, err)
		}
		msg, err := store.DecodeMessage(raw)
		if err != nil {
			m.logger.Error("Dropping undecodable message", zap.String("queue", queue), zap.String("id", id), zap.Error(err))
			if serr := m.settle(ctx, cfg, id); serr != nil && !errors.Is(serr, ErrLeaseNotFound) {
				return nil, serr
			}
			continue
		}
		if msg.Metadata.Expired(now) {
			m.expire(ctx, cfg, id)
			continue
		}
		if opts.VisibilityTimeout == 0 && msg.Metadata.VisibilityTimeout > 0 {
			until := now.UnixMilli() + msg.Metadata.VisibilityTimeout
			if err := m.store.ZAdd(ctx, leasesKey(cfg.Name), store.ScoredMember{Member: id, Score: float64(until)}); err != nil {
				m.logger.Warn("Failed to apply message visibility timeout", zap.String("id", id), zap.Error(err))
			}
		}
		m.incr(ctx, cfg.Name, counterDequeued, 1)

		restored, rerr := m.optimizer.Restore(msg.Payload, msg.Metadata.Optimization)
		if rerr != nil {
			m.logger.Warn("Payload restored partially", zap.String("queue", queue), zap.String("id", id), zap.Error(rerr))
		}
		msg.Payload = json.RawMessage(restored)

		m.emit(Event{Type: EventDequeued, Queue: cfg.Name, MessageID: id, At: now, RetryCount: msg.Metadata.RetryCount})
		span.SetAttributes(attribute.String("message.id", id))
		return msg, nil
	}
}

func (m *Manager) expire(ctx context.Context, cfg QueueConfig, id string) {
	if err := m.settle(ctx, cfg, id); err != nil {
		if !errors.Is(err, ErrLeaseNotFound) {
			m.logger.Warn("Failed to drop expired message", zap.String("id", id), zap.Error(err))
		}
		return
	}
	if err := m.record(cfg, wal.Record{Op: wal.OpDrop, ID: id}); err != nil {
		m.logger.Warn("Failed to journal expiry", zap.String("id", id), zap.Error(err))
	}
	m.incr(ctx, cfg.Name, counterExpired, 1)
	m.logger.Debug("Discarded expired message", zap.String("queue", cfg.Name), zap.String("id", id))
}

// Ack settles a leased message. It returns false when id holds no lease.
func (m *Manager) Ack(ctx context.Context, queue, msgID string) (acked bool, err error) {
	ctx, span := m.tracer.Start(ctx, "queue.Ack", trace.WithAttributes(attribute.String("queue", queue), attribute.String("message.id", msgID)))
	defer func() { endSpan(span, err) }()

	cfg, err := m.lookup(queue)
	if err != nil {
		return false, err
	}
	if err := m.settle(ctx, cfg, msgID); err != nil {
		if errors.Is(err, ErrLeaseNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := m.record(cfg, wal.Record{Op: wal.OpAck, ID: msgID}); err != nil {
		m.logger.Warn("Failed to journal ack", zap.String("id", msgID), zap.Error(err))
	}
	m.incr(ctx, cfg.Name, counterProcessed, 1)
	m.emit(Event{Type: EventAcked, Queue: cfg.Name, MessageID: msgID})
	return true, nil
}

// Nack returns a leased message for retry, keeping its id, or dead-letters it
// once its retry budget is spent. It returns false when id holds no lease.
func (m *Manager) Nack(ctx context.Context, queue, msgID, reason string, opts NackOptions) (nacked bool, err error) {
	ctx, span := m.tracer.Start(ctx, "queue.Nack", trace.WithAttributes(attribute.String("queue", queue), attribute.String("message.id", msgID)))
	defer func() { endSpan(span, err) }()

	cfg, err := m.lookup(queue)
	if err != nil {
		return false, err
	}
	// nothing changes until the lease is claimed by the move or settle below
	raw, err := m.store.HGet(ctx, msgsKey(cfg.Name), msgID)
	if errors.Is(err, store.ErrNotFound) {
		if n, _ := m.store.ZRem(ctx, leasesKey(cfg.Name), msgID); n > 0 {
			m.logger.Warn("Nack of leased message without body", zap.String("queue", queue), zap.String("id", msgID))
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load message %s: %w", msgID, err)
	}
	msg, err := store.DecodeMessage(raw)
	if err != nil {
		if serr := m.settle(ctx, cfg, msgID); serr != nil && !errors.Is(serr, ErrLeaseNotFound) {
			m.logger.Warn("Failed to drop undecodable message", zap.String("id", msgID), zap.Error(serr))
		}
		return false, fmt.Errorf("decode message %s: %w", msgID, err)
	}

	now := m.now()
	msg.Metadata.RetryCount++
	msg.Metadata.LastError = reason
	if msg.Metadata.FirstFailedAt == 0 {
		msg.Metadata.FirstFailedAt = now.UnixMilli()
	}

	if opts.DeadLetter || retry.Exhausted(msg.Metadata.RetryCount, msg.Metadata.MaxRetries) {
		if err := m.deadLetter(ctx, cfg, msg, reason); err != nil {
			if errors.Is(err, ErrLeaseNotFound) {
				return false, nil
			}
			return false, err
		}
		m.incr(ctx, cfg.Name, counterFailed, 1)
		span.SetAttributes(attribute.Bool("dead_lettered", true))
		return true, nil
	}

	delay := opts.Delay
	if delay <= 0 {
		delay = m.retry.Delay(msg.Metadata.RetryCount)
	}
	msg.Metadata.DelayUntil = now.Add(delay).UnixMilli()
	encoded, err := store.EncodeMessage(msg)
	if err != nil {
		return false, fmt.Errorf("encode message %s: %w", msgID, err)
	}
	to := store.Target{Key: delayedKey(cfg.Name), Score: float64(msg.Metadata.DelayUntil)}
	moved, err := m.store.Move(ctx, leasesKey(cfg.Name), msgsKey(cfg.Name), msgID, encoded, to)
	if err != nil {
		return false, fmt.Errorf("schedule retry %s: %w", msgID, err)
	}
	if !moved {
		return false, nil
	}
	if err := m.record(cfg, wal.Record{Op: wal.OpEnqueue, ID: msgID, Message: msg}); err != nil {
		m.logger.Warn("Failed to journal retry", zap.String("id", msgID), zap.Error(err))
	}
	m.incr(ctx, cfg.Name, counterFailed, 1)
	m.incr(ctx, cfg.Name, counterRetried, 1)
	m.logger.Info("Retrying message",
		zap.String("queue", queue),
		zap.String("id", msgID),
		zap.Int("retries", msg.Metadata.RetryCount),
		zap.Duration("backoff", delay),
		zap.String("reason", reason),
	)
	m.emit(Event{
		Type:       EventRetried,
		Queue:      cfg.Name,
		MessageID:  msgID,
		At:         now,
		DelayUntil: msg.Metadata.DelayUntil,
		RetryCount: msg.Metadata.RetryCount,
		Reason:     reason,
	})
	return true, nil
}
