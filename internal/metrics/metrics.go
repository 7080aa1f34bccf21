package metrics

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"courier/internal/log"
	"courier/internal/optimize"
	"courier/internal/queue"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Source is the part of queue.Manager whose state is exported as gauges.
type Source interface {
	Queues() []queue.QueueConfig
	Stats(ctx context.Context, queue string) (queue.Stats, error)
	Optimizer() *optimize.Optimizer
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueMetrics counts lifecycle events as a queue.Observer and samples queue
// depth into gauges.
type QueueMetrics struct {
	EnqueueTotal    *prometheus.CounterVec
	DequeueTotal    *prometheus.CounterVec
	AckTotal        *prometheus.CounterVec
	RetryTotal      *prometheus.CounterVec
	DeadLetterTotal *prometheus.CounterVec
	ReadyDepth      *prometheus.GaugeVec
	InFlightDepth   *prometheus.GaugeVec
	DelayedDepth    *prometheus.GaugeVec
	DeadLetterDepth *prometheus.GaugeVec
	PayloadBytes    *prometheus.GaugeVec
	StoreHealth     prometheus.Gauge

	registry *prometheus.Registry
	source   Source
	store    Pinger
	logger   *log.Logger
}

func NewQueueMetrics(source Source, store Pinger, logger *log.Logger) *QueueMetrics {
	m := &QueueMetrics{
		EnqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_enqueue_total",
				Help: "Total number of enqueued messages",
			},
			[]string{"queue"},
		),
		DequeueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_dequeue_total",
				Help: "Total number of leased messages",
			},
			[]string{"queue"},
		),
		AckTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_ack_total",
				Help: "Total number of acknowledged messages",
			},
			[]string{"queue"},
		),
		RetryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_retry_total",
				Help: "Total number of messages scheduled for retry",
			},
			[]string{"queue"},
		),
		DeadLetterTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courier_dead_letter_total",
				Help: "Total number of dead-lettered messages",
			},
			[]string{"queue"},
		),
		ReadyDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_ready_depth",
				Help: "Messages ready for delivery per queue",
			},
			[]string{"queue"},
		),
		InFlightDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_in_flight_depth",
				Help: "Leased messages awaiting ack per queue",
			},
			[]string{"queue"},
		),
		DelayedDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_delayed_depth",
				Help: "Messages waiting for their delivery time per queue",
			},
			[]string{"queue"},
		),
		DeadLetterDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_dead_letter_depth",
				Help: "Entries in the dead-letter queue of each queue",
			},
			[]string{"queue"},
		),
		PayloadBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courier_payload_bytes",
				Help: "Payload bytes seen by the optimizer (in = original, out = stored)",
			},
			[]string{"direction"},
		),
		StoreHealth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courier_store_health",
				Help: "Health status of the store (1 = healthy, 0 = unhealthy)",
			},
		),
		registry: prometheus.NewRegistry(),
		source:   source,
		store:    store,
		logger:   logger,
	}

	m.registry.MustRegister(
		m.EnqueueTotal,
		m.DequeueTotal,
		m.AckTotal,
		m.RetryTotal,
		m.DeadLetterTotal,
		m.ReadyDepth,
		m.InFlightDepth,
		m.DelayedDepth,
		m.DeadLetterDepth,
		m.PayloadBytes,
		m.StoreHealth,
	)
	return m
}

// OnEvent implements queue.Observer.
func (m *QueueMetrics) OnEvent(e queue.Event) {
	switch e.Type {
	case queue.EventEnqueued:
		m.EnqueueTotal.WithLabelValues(e.Queue).Inc()
	case queue.EventDequeued:
		m.DequeueTotal.WithLabelValues(e.Queue).Inc()
	case queue.EventAcked:
		m.AckTotal.WithLabelValues(e.Queue).Inc()
	case queue.EventRetried:
		m.RetryTotal.WithLabelValues(e.Queue).Inc()
	case queue.EventDeadLettered:
		m.DeadLetterTotal.WithLabelValues(e.Queue).Inc()
	}
}

func (m *QueueMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Collect samples queue depth, optimizer totals and store health once.
func (m *QueueMetrics) Collect(ctx context.Context) {
	for _, cfg := range m.source.Queues() {
		st, err := m.source.Stats(ctx, cfg.Name)
		if err != nil {
			m.logger.Error("Failed to read queue stats for metrics", zap.String("queue", cfg.Name), zap.Error(err))
			continue
		}
		m.ReadyDepth.WithLabelValues(cfg.Name).Set(float64(st.Size))
		m.InFlightDepth.WithLabelValues(cfg.Name).Set(float64(st.InFlight))
		m.DelayedDepth.WithLabelValues(cfg.Name).Set(float64(st.Delayed))
		m.DeadLetterDepth.WithLabelValues(cfg.Name).Set(float64(st.DeadLettered))
	}

	if opt := m.source.Optimizer(); opt != nil {
		s := opt.Stats()
		m.PayloadBytes.WithLabelValues("in").Set(float64(s.BytesIn))
		m.PayloadBytes.WithLabelValues("out").Set(float64(s.BytesOut))
	}

	if m.store != nil {
		if err := m.store.Ping(ctx); err != nil {
			m.StoreHealth.Set(0)
			m.logger.Error("Store unhealthy", zap.Error(err))
		} else {
			m.StoreHealth.Set(1)
		}
	}
}

type ServerConfig struct {
	Addr            string
	CertFile        string
	KeyFile         string
	CollectInterval time.Duration
}

// Run serves /metrics and samples gauges until ctx is done.
func (m *QueueMetrics) Run(ctx context.Context, cfg ServerConfig) error {
	logger := m.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var tlsConfig *tls.Config
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			logger.Error("Failed to load TLS certificates for metrics", zap.Error(err))
			return err
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set for metrics, using HTTP")
	}

	interval := cfg.CollectInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go m.collectLoop(ctx, interval)

	go func() {
		var err error
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Metrics server starting with TLS", zap.String("addr", cfg.Addr))
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("Metrics server starting without TLS", zap.String("addr", cfg.Addr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

func (m *QueueMetrics) collectLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			m.Collect(ctx)
		}
	}
}
