package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"courier/internal/archive"
	"courier/internal/delay"
	"courier/internal/lease"
	"courier/internal/log"
	"courier/internal/metrics"
	"courier/internal/notify"
	"courier/internal/queue"
	"courier/internal/server"
	"courier/internal/store"
	"courier/internal/tracing"
	"courier/internal/wal"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func serve() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, logger, st, mgr, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	shutdownTracing, err := tracing.Init(ctx, cfg.JaegerEndpoint, "courier")
	if err != nil {
		logger.Error("Failed to initialize tracing", zap.Error(err))
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("Failed to flush traces", zap.Error(err))
		}
	}()

	for _, spec := range cfg.Queues {
		qc := queue.QueueConfig{Name: spec.Name, Mode: queue.Mode(spec.Mode), Durable: spec.Durable}
		if err := mgr.EnsureQueue(ctx, qc); err != nil {
			logger.Error("Failed to create queue", zap.String("queue", spec.Name), zap.Error(err))
			return err
		}
	}
	if _, err := mgr.Recover(ctx); err != nil {
		logger.Error("Failed to recover from WAL", zap.Error(err))
		return err
	}

	// connect every optional backend before any worker starts
	var pg *store.PGArchive
	if cfg.DatabaseURL != "" {
		pg, err = store.NewPGArchive(ctx, cfg.DatabaseURL, logger.Named("archive"))
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
	}
	var amqpClient *notify.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = notify.Dial(cfg.AMQPURL, cfg.AMQPExchange, logger.Named("amqp"))
		if err != nil {
			return err
		}
		defer amqpClient.Close()
	}

	health := map[string]server.Pinger{"redis": st}
	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}
	defer func() {
		cancel()
		wg.Wait()
	}()

	if pg != nil {
		health["postgres"] = pg
		archiver := archive.NewArchiver(mgr, pg, cfg.ArchiveInterval, cfg.ArchiveBatchSize, logger.Named("archiver"))
		run(archiver.Run)
	} else {
		logger.Warn("DATABASE_URL not set, evicted dead letters are dropped")
	}

	queueMetrics := metrics.NewQueueMetrics(mgr, st, logger.Named("metrics"))
	mgr.Subscribe(queueMetrics)
	run(func(ctx context.Context) {
		err := queueMetrics.Run(ctx, metrics.ServerConfig{
			Addr:     cfg.MetricsAddr,
			CertFile: cfg.TLSCertFile,
			KeyFile:  cfg.TLSKeyFile,
		})
		if err != nil {
			logger.Error("Metrics server stopped", zap.Error(err))
		}
	})

	if amqpClient != nil {
		notifier := notify.NewNotifier(amqpClient.Channel(), cfg.AMQPExchange, 1024, logger.Named("notify"))
		mgr.Subscribe(notifier)
		run(notifier.Run)
	}

	promoter := delay.NewPromoter(mgr, cfg.PromoteInterval, logger.Named("promoter"))
	mgr.Subscribe(promoter)
	run(promoter.Run)
	run(lease.NewReclaimer(mgr, cfg.ReclaimInterval, logger.Named("reclaimer")).Run)
	if journal := mgr.Journal(); journal != nil {
		run(func(ctx context.Context) { cleanJournal(ctx, journal, cfg.WALRetention, logger) })
	}

	httpCfg := server.Config{
		JWTSecret:   cfg.JWTSecret,
		RateLimit:   cfg.RateLimit,
		CORSOrigins: cfg.CORSOrigins,
	}
	if pg != nil {
		httpCfg.Archive = pg
	}
	r := chi.NewRouter()
	server.SetupRouter(r, httpCfg, mgr, health, logger.Named("http"))
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var tlsConfig *tls.Config
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			logger.Error("Failed to load TLS certificates", zap.Error(err))
			return err
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	errc := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.HTTPAddr))
			err = srv.ListenAndServeTLS("", "")
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.HTTPAddr))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		logger.Error("Server failed", zap.Error(serveErr))
		cancel()
	}

	logger.Info("Shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	wg.Wait()
	return serveErr
}

// cleanJournal deletes rotated journal segments older than retention once an hour.
func cleanJournal(ctx context.Context, journal *wal.Manager, retention time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := journal.Cleanup(retention); err != nil {
				logger.Error("Failed to clean WAL segments", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
