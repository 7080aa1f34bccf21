package lease

import (
	"context"
	"time"

	"courier/internal/log"
	"courier/internal/queue"

	"go.uber.org/zap"
)

// Queues is the part of queue.Manager the reclaimer uses.
type Queues interface {
	Queues() []queue.QueueConfig
	ReclaimExpired(ctx context.Context, queue string) (int, error)
}

// Reclaimer returns messages whose lease ran out to their queues, so a
// consumer that died mid-message does not strand it.
type Reclaimer struct {
	queues   Queues
	interval time.Duration
	logger   *log.Logger
}

func NewReclaimer(queues Queues, interval time.Duration, logger *log.Logger) *Reclaimer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reclaimer{
		queues:   queues,
		interval: interval,
		logger:   logger,
	}
}

func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Lease reclaimer shutting down")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep reclaims expired leases of every queue and returns how many were
// reclaimed.
func (r *Reclaimer) Sweep(ctx context.Context) int {
	total := 0
	for _, cfg := range r.queues.Queues() {
		n, err := r.queues.ReclaimExpired(ctx, cfg.Name)
		if err != nil {
			r.logger.Error("Failed to reclaim leases", zap.String("queue", cfg.Name), zap.Error(err))
			continue
		}
		total += n
	}
	return total
}
