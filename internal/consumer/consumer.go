// Package consumer runs registered handlers against queues. Each consumer
// polls its queue, leases a batch, runs the batch with bounded concurrency and
// settles every message from the handler outcome.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"courier/internal/log"
	"courier/internal/queue"
	"courier/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadySettled = errors.New("delivery already settled")
	ErrRunning        = errors.New("runtime already running")
)

// Queue is the part of queue.Manager a consumer drives.
type Queue interface {
	Dequeue(ctx context.Context, queue string, opts queue.DequeueOptions) (*store.QueueMessage, error)
	Ack(ctx context.Context, queue, id string) (bool, error)
	Nack(ctx context.Context, queue, id, reason string, opts queue.NackOptions) (bool, error)
	AttachConsumer(queue string) (func(), error)
}

// Handler processes one delivery. A returned error or a panic nacks the
// message with the error text as reason.
type Handler func(ctx context.Context, d *Delivery) error

type Options struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
	// AutoAck acks messages whose handler returned nil and did not settle
	// them itself.
	AutoAck bool
	// HandlerTimeout bounds each handler call; 0 means no limit.
	HandlerTimeout time.Duration
	// VisibilityTimeout overrides the lease length of dequeued messages.
	VisibilityTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchSize:      10,
		PollInterval:   time.Second,
		MaxConcurrency: 1,
		AutoAck:        true,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = d.MaxConcurrency
	}
	return o
}

// Delivery is a leased message handed to a Handler.
type Delivery struct {
	Message *store.QueueMessage

	c       *Consumer
	settled atomic.Bool
}

func (d *Delivery) Ack(ctx context.Context) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.c.ack(ctx, d.Message.ID)
}

func (d *Delivery) Nack(ctx context.Context, reason string) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	return d.c.nack(ctx, d.Message.ID, reason)
}

func (d *Delivery) Settled() bool { return d.settled.Load() }

type Stats struct {
	ID        string `json:"id"`
	Queue     string `json:"queue"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
}

type Consumer struct {
	id      string
	queue   string
	handler Handler
	opts    Options
	q       Queue
	logger  *log.Logger

	processed atomic.Int64
	failed    atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *Consumer) ID() string    { return c.id }
func (c *Consumer) Queue() string { return c.queue }

func (c *Consumer) Stats() Stats {
	return Stats{ID: c.id, Queue: c.queue, Processed: c.processed.Load(), Failed: c.failed.Load()}
}

// Stop ends a running consumer after its current batch.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Run polls until ctx is done or Stop is called.
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	detach, err := c.q.AttachConsumer(c.queue)
	if err != nil {
		return fmt.Errorf("attach consumer to %s: %w", c.queue, err)
	}
	defer detach()

	c.logger.Info("Consumer started", zap.String("queue", c.queue), zap.String("consumer", c.id))
	for {
		n, err := c.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			c.logger.Error("Poll failed", zap.String("queue", c.queue), zap.Error(err))
		}
		if ctx.Err() != nil {
			c.logger.Info("Consumer stopped", zap.String("queue", c.queue), zap.String("consumer", c.id))
			return nil
		}
		if n == c.opts.BatchSize {
			continue
		}
		timer := time.NewTimer(c.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Poll leases up to one batch, processes it and returns the batch size.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	var batch []*store.QueueMessage
	var leaseErr error
	for len(batch) < c.opts.BatchSize {
		msg, err := c.q.Dequeue(ctx, c.queue, queue.DequeueOptions{VisibilityTimeout: c.opts.VisibilityTimeout})
		if err != nil {
			leaseErr = fmt.Errorf("dequeue from %s: %w", c.queue, err)
			break
		}
		if msg == nil {
			break
		}
		batch = append(batch, msg)
	}

	// handlers get their own group so one failure does not cancel siblings
	var g errgroup.Group
	g.SetLimit(c.opts.MaxConcurrency)
	for _, msg := range batch {
		d := &Delivery{Message: msg, c: c}
		g.Go(func() error {
			c.handle(ctx, d)
			return nil
		})
	}
	g.Wait()
	return len(batch), leaseErr
}

func (c *Consumer) handle(ctx context.Context, d *Delivery) {
	hctx := ctx
	if c.opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.opts.HandlerTimeout)
		defer cancel()
	}

	err := c.invoke(hctx, d)
	// settle on a live context even when the handler's own expired
	sctx := context.WithoutCancel(ctx)
	if err != nil {
		c.failed.Add(1)
		c.logger.Warn("Handler failed", zap.String("queue", c.queue), zap.String("id", d.Message.ID), zap.Error(err))
		if nerr := d.Nack(sctx, err.Error()); nerr != nil && !errors.Is(nerr, ErrAlreadySettled) {
			c.logger.Error("Failed to nack message", zap.String("id", d.Message.ID), zap.Error(nerr))
		}
		return
	}
	c.processed.Add(1)
	if c.opts.AutoAck && !d.Settled() {
		if aerr := d.Ack(sctx); aerr != nil && !errors.Is(aerr, ErrAlreadySettled) {
			c.logger.Error("Failed to ack message", zap.String("id", d.Message.ID), zap.Error(aerr))
		}
	}
}

func (c *Consumer) invoke(ctx context.Context, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, d)
}

func (c *Consumer) ack(ctx context.Context, id string) error {
	ok, err := c.q.Ack(ctx, c.queue, id)
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Warn("Ack after lease loss", zap.String("queue", c.queue), zap.String("id", id))
	}
	return nil
}

func (c *Consumer) nack(ctx context.Context, id, reason string) error {
	ok, err := c.q.Nack(ctx, c.queue, id, reason, queue.NackOptions{})
	if err != nil {
		return err
	}
	if !ok {
		c.logger.Warn("Nack after lease loss", zap.String("queue", c.queue), zap.String("id", id))
	}
	return nil
}

// Runtime owns the consumers of one process.
type Runtime struct {
	q      Queue
	logger *log.Logger

	mu        sync.Mutex
	consumers []*Consumer
	running   bool
}

func NewRuntime(q Queue, logger *log.Logger) *Runtime {
	return &Runtime{q: q, logger: logger}
}

// Register adds a consumer for queue. Zero option fields take the defaults.
func (r *Runtime) Register(queueName string, h Handler, opts Options) (*Consumer, error) {
	if h == nil {
		return nil, fmt.Errorf("%w: nil handler", queue.ErrValidationFailed)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil, ErrRunning
	}
	c := &Consumer{
		id:      uuid.NewString(),
		queue:   queueName,
		handler: h,
		opts:    opts.withDefaults(),
		q:       r.q,
		logger:  r.logger,
	}
	r.consumers = append(r.consumers, c)
	return c, nil
}

func (r *Runtime) Consumers() []*Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Consumer(nil), r.consumers...)
}

// Run starts every registered consumer and blocks until all have stopped.
func (r *Runtime) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrRunning
	}
	r.running = true
	r.mu.Unlock()
	consumers := r.Consumers()

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range consumers {
		c := c
		g.Go(func() error { return c.Run(ctx) })
	}
	err := g.Wait()
	r.logger.Info("Consumer runtime shut down", zap.Int("consumers", len(consumers)))
	return err
}
