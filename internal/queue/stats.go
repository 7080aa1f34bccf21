package queue

import (
	"context"
	"fmt"
	"strconv"
)

// Stats returns the current depth and lifetime counters of a queue.
func (m *Manager) Stats(ctx context.Context, queue string) (Stats, error) {
	cfg, err := m.lookup(queue)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Queue: cfg.Name, Mode: cfg.Mode}

	if cfg.fifo() {
		st.Size, err = m.store.LLen(ctx, readyKey(cfg.Name))
	} else {
		st.Size, err = m.store.ZCard(ctx, readyKey(cfg.Name))
	}
	if err != nil {
		return Stats{}, fmt.Errorf("size of %s: %w", queue, err)
	}
	if st.InFlight, err = m.store.ZCard(ctx, leasesKey(cfg.Name)); err != nil {
		return Stats{}, fmt.Errorf("leases of %s: %w", queue, err)
	}
	if st.Delayed, err = m.store.ZCard(ctx, delayedKey(cfg.Name)); err != nil {
		return Stats{}, fmt.Errorf("delayed of %s: %w", queue, err)
	}
	if st.DeadLettered, err = m.store.LLen(ctx, deadLetterKey(cfg.DeadLetterQueue)); err != nil {
		return Stats{}, fmt.Errorf("dead letters of %s: %w", queue, err)
	}

	raw, err := m.store.HGetAll(ctx, metricsKey(cfg.Name))
	if err != nil {
		return Stats{}, fmt.Errorf("counters of %s: %w", queue, err)
	}
	val := func(name string) int64 {
		n, _ := strconv.ParseInt(raw[name], 10, 64)
		return n
	}
	st.Enqueued = val(counterEnqueued)
	st.Dequeued = val(counterDequeued)
	st.Processed = val(counterProcessed)
	st.Failed = val(counterFailed)
	st.Retried = val(counterRetried)
	st.DeadLetteredTotal = val(counterDeadLettered)
	st.Expired = val(counterExpired)
	st.Trimmed = val(counterTrimmed)

	m.mu.RLock()
	st.Consumers = m.consumers[cfg.Name]
	m.mu.RUnlock()
	return st, nil
}
