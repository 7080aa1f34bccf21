// Package queue implements the message lifecycle on top of a store.Store:
// enqueue, lease, ack, nack with retry and dead-lettering, delayed delivery,
// and priority or FIFO ordering.
//
// All shared state lives in the store, so any number of managers in any
// number of processes may serve the same queues. A Manager only caches queue
// configurations and tracks the consumers attached to it.
//
// Keyspace per queue q:
//
//	courier:queues                 hash   name -> QueueConfig JSON
//	courier:q:{q}:ready            list (fifo) or zset scored -priority
//	courier:q:{q}:delayed          zset   id scored by delayUntil ms
//	courier:q:{q}:leases           zset   id scored by lease expiry ms
//	courier:q:{q}:msgs             hash   id -> QueueMessage JSON
//	courier:q:{q}:metrics          hash   counter -> value
//	courier:q:{q}:dedup:{key}      string first id, expires with the window
//	courier:dlq:{d}                list   DeadLetterEntry JSON, newest first
//	courier:dlq:{d}:evicted        list   entries trimmed off courier:dlq:{d}
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"courier/internal/id"
	"courier/internal/log"
	"courier/internal/optimize"
	"courier/internal/retry"
	"courier/internal/store"
	"courier/internal/wal"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const sweepBatch = 1000

// Options configures a Manager. Zero values take the documented defaults.
type Options struct {
	Logger    *log.Logger
	Optimizer *optimize.Optimizer
	IDs       *id.Node
	// Journal records durable queues; nil disables journaling.
	Journal *wal.Manager
	Tracer  trace.Tracer

	Retry                    retry.Policy
	DefaultMaxRetries        int           // 3
	DefaultVisibilityTimeout time.Duration // 30s
	DefaultMessageTTL        time.Duration // none
	DefaultOptimization      *optimize.Config
	DeadLetterMaxSize        int           // 1000
	DeduplicationWindow      time.Duration // 10m
	// ArchiveEvicted keeps dead letters trimmed off the bounded list in an
	// evicted list for the archiver instead of dropping them.
	ArchiveEvicted bool

	Now func() time.Time
}

type Manager struct {
	store     store.Store
	logger    *log.Logger
	optimizer *optimize.Optimizer
	ids       *id.Node
	journal   *wal.Manager
	tracer    trace.Tracer

	retry             retry.Policy
	maxRetries        int
	visibility        time.Duration
	messageTTL        time.Duration
	optimization      optimize.Config
	deadLetterMaxSize int
	dedupWindow       time.Duration
	archiveEvicted    bool
	now               func() time.Time

	mu        sync.RWMutex
	queues    map[string]QueueConfig
	consumers map[string]int

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

func NewManager(st store.Store, opts Options) *Manager {
	m := &Manager{
		store:             st,
		logger:            opts.Logger,
		optimizer:         opts.Optimizer,
		ids:               opts.IDs,
		journal:           opts.Journal,
		tracer:            opts.Tracer,
		retry:             opts.Retry,
		maxRetries:        opts.DefaultMaxRetries,
		visibility:        opts.DefaultVisibilityTimeout,
		messageTTL:        opts.DefaultMessageTTL,
		optimization:      optimize.DefaultConfig(),
		deadLetterMaxSize: opts.DeadLetterMaxSize,
		dedupWindow:       opts.DeduplicationWindow,
		archiveEvicted:    opts.ArchiveEvicted,
		now:               opts.Now,
		queues:            make(map[string]QueueConfig),
		consumers:         make(map[string]int),
		observers:         make(map[int]Observer),
	}
	if m.logger == nil {
		m.logger = log.NewNop()
	}
	if m.optimizer == nil {
		m.optimizer = optimize.NewOptimizer(m.logger.Named("optimize"))
	}
	if m.ids == nil {
		m.ids, _ = id.NewNode(0)
	}
	if m.tracer == nil {
		m.tracer = otel.Tracer("courier/queue")
	}
	if m.retry.Base <= 0 {
		m.retry = retry.DefaultPolicy()
	}
	if m.maxRetries <= 0 {
		m.maxRetries = 3
	}
	if m.visibility <= 0 {
		m.visibility = 30 * time.Second
	}
	if opts.DefaultOptimization != nil {
		m.optimization = *opts.DefaultOptimization
	}
	if m.deadLetterMaxSize <= 0 {
		m.deadLetterMaxSize = 1000
	}
	if m.dedupWindow <= 0 {
		m.dedupWindow = 10 * time.Minute
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Optimizer returns the payload optimizer shared by all queues.
func (m *Manager) Optimizer() *optimize.Optimizer {
	return m.optimizer
}

// Journal returns the write-ahead journal, or nil when journaling is off.
func (m *Manager) Journal() *wal.Manager {
	return m.journal
}

// normalize fills defaults into cfg.
func (m *Manager) normalize(cfg QueueConfig) QueueConfig {
	if cfg.Mode == "" {
		cfg.Mode = ModeFIFO
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = m.maxRetries
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = m.visibility
	}
	if cfg.MessageTTL == 0 {
		cfg.MessageTTL = m.messageTTL
	}
	if cfg.DeadLetterQueue == "" && cfg.Name != "" {
		cfg.DeadLetterQueue = cfg.Name + deadLetterSuffix
	}
	return cfg
}

// CreateQueue registers a new queue and mirrors its configuration into the
// store. A name taken by any process fails with ErrQueueAlreadyExists.
func (m *Manager) CreateQueue(ctx context.Context, cfg QueueConfig) error {
	cfg = m.normalize(cfg)
	if err := cfg.validate(); err != nil {
		return err
	}
	if _, ok := m.Queue(cfg.Name); ok {
		return fmt.Errorf("%w: %s", ErrQueueAlreadyExists, cfg.Name)
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal queue config: %w", err)
	}
	created, err := m.store.HSetNX(ctx, queuesKey(), cfg.Name, string(raw))
	if err != nil {
		m.logger.Error("Failed to register queue", zap.String("queue", cfg.Name), zap.Error(err))
		return fmt.Errorf("register queue %s: %w", cfg.Name, err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrQueueAlreadyExists, cfg.Name)
	}
	if err := m.initCounters(ctx, cfg.Name); err != nil {
		return err
	}
	m.register(cfg)
	m.logger.Info("Created queue", zap.String("queue", cfg.Name), zap.String("mode", string(cfg.Mode)), zap.Bool("durable", cfg.Durable))
	return nil
}

// EnsureQueue creates the queue unless it exists. An existing mirrored
// configuration wins over cfg.
func (m *Manager) EnsureQueue(ctx context.Context, cfg QueueConfig) error {
	err := m.CreateQueue(ctx, cfg)
	if !errors.Is(err, ErrQueueAlreadyExists) {
		return err
	}
	if _, ok := m.Queue(cfg.Name); ok {
		return nil
	}
	raw, err := m.store.HGet(ctx, queuesKey(), cfg.Name)
	if err != nil {
		return fmt.Errorf("load queue %s: %w", cfg.Name, err)
	}
	var existing QueueConfig
	if err := json.Unmarshal([]byte(raw), &existing); err != nil {
		return fmt.Errorf("decode queue %s: %w", cfg.Name, err)
	}
	m.register(existing)
	return nil
}

// Discover loads queue configurations registered by other processes and
// returns how many were new.
func (m *Manager) Discover(ctx context.Context) (int, error) {
	all, err := m.store.HGetAll(ctx, queuesKey())
	if err != nil {
		return 0, fmt.Errorf("list queues: %w", err)
	}
	added := 0
	for name, raw := range all {
		if _, ok := m.Queue(name); ok {
			continue
		}
		var cfg QueueConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			m.logger.Warn("Skipping undecodable queue config", zap.String("queue", name), zap.Error(err))
			continue
		}
		m.register(cfg)
		added++
	}
	return added, nil
}

func (m *Manager) initCounters(ctx context.Context, queue string) error {
	for _, c := range counters {
		if _, err := m.store.HSetNX(ctx, metricsKey(queue), c, "0"); err != nil {
			return fmt.Errorf("init counters for %s: %w", queue, err)
		}
	}
	return nil
}

func (m *Manager) register(cfg QueueConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queues[cfg.Name]; !ok {
		m.queues[cfg.Name] = cfg
	}
}

func (m *Manager) Queue(name string) (QueueConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.queues[name]
	return cfg, ok
}

func (m *Manager) lookup(name string) (QueueConfig, error) {
	cfg, ok := m.Queue(name)
	if !ok {
		return QueueConfig{}, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}
	return cfg, nil
}

// Queues returns the known queue configurations sorted by name.
func (m *Manager) Queues() []QueueConfig {
	m.mu.RLock()
	out := make([]QueueConfig, 0, len(m.queues))
	for _, cfg := range m.queues {
		out = append(out, cfg)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DeadLetterQueues returns the distinct dead-letter queue names in use.
func (m *Manager) DeadLetterQueues() []string {
	seen := make(map[string]bool)
	var out []string
	for _, cfg := range m.Queues() {
		if !seen[cfg.DeadLetterQueue] {
			seen[cfg.DeadLetterQueue] = true
			out = append(out, cfg.DeadLetterQueue)
		}
	}
	sort.Strings(out)
	return out
}

// AttachConsumer counts a consumer against a queue and returns its detach func.
func (m *Manager) AttachConsumer(queue string) (func(), error) {
	if _, err := m.lookup(queue); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.consumers[queue]++
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.consumers[queue]--
			m.mu.Unlock()
		})
	}, nil
}

func (m *Manager) incr(ctx context.Context, queue, counter string, delta int64) {
	if _, err := m.store.HIncrBy(ctx, metricsKey(queue), counter, delta); err != nil {
		m.logger.Warn("Failed to bump counter", zap.String("queue", queue), zap.String("counter", counter), zap.Error(err))
	}
}

func (m *Manager) record(cfg QueueConfig, rec wal.Record) error {
	if m.journal == nil || !cfg.Durable {
		return nil
	}
	if err := m.journal.Append(cfg.Name, rec); err != nil {
		return fmt.Errorf("journal %s %s: %w", rec.Op, rec.ID, err)
	}
	return nil
}

// Recover re-inserts journaled messages of durable queues that the store no
// longer holds. It returns the number of messages restored.
func (m *Manager) Recover(ctx context.Context) (int, error) {
	if m.journal == nil {
		return 0, nil
	}
	restored := 0
	for _, cfg := range m.Queues() {
		if !cfg.Durable {
			continue
		}
		pending, err := m.journal.Pending(cfg.Name)
		if err != nil {
			return restored, fmt.Errorf("replay %s: %w", cfg.Name, err)
		}
		n := 0
		for _, msg := range pending {
			// place skips ids the store still holds, leased ones included
			placed, err := m.place(ctx, cfg, msg)
			if err != nil {
				return restored, err
			}
			if placed {
				n++
				restored++
			}
		}
		if n > 0 {
			m.logger.Info("Recovered messages from WAL", zap.String("queue", cfg.Name), zap.Int("count", n))
		}
	}
	return restored, nil
}

// place stores msg and inserts it into the delayed or ready set in one step.
// It reports false, changing nothing, when the store already holds msg.ID.
func (m *Manager) place(ctx context.Context, cfg QueueConfig, msg *store.QueueMessage) (bool, error) {
	raw, err := store.EncodeMessage(msg)
	if err != nil {
		return false, fmt.Errorf("encode message %s: %w", msg.ID, err)
	}
	to := readyTarget(cfg, msg.Metadata.Priority)
	if msg.Metadata.DelayUntil > m.now().UnixMilli() {
		to = store.Target{Key: delayedKey(cfg.Name), Score: float64(msg.Metadata.DelayUntil)}
	}
	placed, err := m.store.Insert(ctx, msgsKey(cfg.Name), msg.ID, raw, to)
	if err != nil {
		return false, fmt.Errorf("store message %s: %w", msg.ID, err)
	}
	return placed, nil
}

func readyTarget(cfg QueueConfig, priority int) store.Target {
	if cfg.fifo() {
		return store.Target{Key: readyKey(cfg.Name), List: true}
	}
	return store.Target{Key: readyKey(cfg.Name), Score: -float64(priority)}
}

// settle drops the lease and the body of id together. It fails with
// ErrLeaseNotFound when id holds no lease.
func (m *Manager) settle(ctx context.Context, cfg QueueConfig, id string) error {
	ok, err := m.store.Settle(ctx, leasesKey(cfg.Name), msgsKey(cfg.Name), id)
	if err != nil {
		return fmt.Errorf("settle %s: %w", id, err)
	}
	if !ok {
		return ErrLeaseNotFound
	}
	return nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
