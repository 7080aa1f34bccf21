// Package delay moves due delayed messages into their ready sets so queue
// depth reflects them before any consumer asks.
package delay

import (
	"context"
	"time"

	"courier/internal/log"
	"courier/internal/queue"

	"go.uber.org/zap"
	"golang.org/x/exp/constraints"
)

// Queues is the part of queue.Manager the promoter uses.
type Queues interface {
	Queues() []queue.QueueConfig
	PromoteDue(ctx context.Context, queue string) (int, error)
	NextDue(ctx context.Context, queue string) (time.Time, bool, error)
}

type Promoter struct {
	queues   Queues
	interval time.Duration
	logger   *log.Logger
	trigger  chan struct{} // wakes the loop to recompute its next deadline
	now      func() time.Time
}

func NewPromoter(queues Queues, interval time.Duration, logger *log.Logger) *Promoter {
	if interval <= 0 {
		interval = time.Second
	}
	return &Promoter{
		queues:   queues,
		interval: interval,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
		now:      time.Now,
	}
}

// OnEvent wakes the promoter when a message was scheduled for later, so a
// due time shorter than the interval is not overslept.
func (p *Promoter) OnEvent(e queue.Event) {
	if e.DelayUntil > 0 {
		p.Trigger()
	}
}

// Trigger is non-blocking; a pending trigger absorbs further ones.
func (p *Promoter) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *Promoter) Run(ctx context.Context) {
	timer := time.NewTimer(p.nextWake(ctx))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Promoter shutting down")
			return
		case <-timer.C:
			p.Sweep(ctx)
		case <-p.trigger:
		}
		timer.Reset(p.nextWake(ctx))
	}
}

// Sweep promotes due messages of every queue and returns how many moved.
func (p *Promoter) Sweep(ctx context.Context) int {
	total := 0
	for _, cfg := range p.queues.Queues() {
		n, err := p.queues.PromoteDue(ctx, cfg.Name)
		if err != nil {
			p.logger.Error("Failed to promote delayed messages", zap.String("queue", cfg.Name), zap.Error(err))
			continue
		}
		total += n
	}
	return total
}

// nextWake is the time until the earliest delayed message, capped at the
// interval.
func (p *Promoter) nextWake(ctx context.Context) time.Duration {
	wait := p.interval
	for _, cfg := range p.queues.Queues() {
		due, ok, err := p.queues.NextDue(ctx, cfg.Name)
		if err != nil {
			p.logger.Warn("Failed to read next due time", zap.String("queue", cfg.Name), zap.Error(err))
			continue
		}
		if ok {
			wait = minOf(wait, due.Sub(p.now()))
		}
	}
	// Reset with a non-positive duration fires at once
	return maxOf(wait, time.Millisecond)
}

func minOf[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

func maxOf[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}
