package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"courier/internal/config"
	"courier/internal/id"
	"courier/internal/log"
	"courier/internal/optimize"
	"courier/internal/queue"
	"courier/internal/retry"
	"courier/internal/store"
	"courier/internal/wal"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "courier",
		Short:        "Courier message queue",
		Long:         "Courier is a durable message queue on Redis with retries, dead-lettering and payload optimization.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	})

	statsCmd := &cobra.Command{
		Use:   "stats [queue...]",
		Short: "Print queue statistics as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStats(cmd.Context(), args)
		},
	}
	rootCmd.AddCommand(statsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the dead-letter archive migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads configuration and connects the Redis-backed queue manager.
// The returned cleanup closes the journal and the Redis client.
func bootstrap(ctx context.Context) (*config.Config, *log.Logger, *store.RedisStore, *queue.Manager, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	logger := log.NewLogger(cfg.LogLevel)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		client.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	st := store.NewRedisStore(client, logger.Named("store"))

	ids, err := id.NewNode(id.NodeIDFor(cfg.WorkerID))
	if err != nil {
		st.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("id generator: %w", err)
	}

	var journal *wal.Manager
	if cfg.WALDir != "" {
		journal, err = wal.NewManager(cfg.WALDir, logger.Named("wal"))
		if err != nil {
			logger.Error("Failed to initialize WAL", zap.Error(err))
			st.Close()
			return nil, nil, nil, nil, nil, err
		}
	}

	optCfg := optimize.DefaultConfig()
	optCfg.CompressionThreshold = cfg.CompressionThreshold

	mgr := queue.NewManager(st, queue.Options{
		Logger:  logger.Named("queue"),
		IDs:     ids,
		Journal: journal,
		Retry: retry.Policy{
			Base:       cfg.RetryBase,
			Multiplier: cfg.RetryMultiplier,
			MaxDelay:   cfg.RetryMaxDelay,
			Jitter:     cfg.RetryJitter,
		},
		DefaultMaxRetries:        cfg.DefaultMaxRetries,
		DefaultVisibilityTimeout: cfg.DefaultVisibilityTimeout,
		DefaultMessageTTL:        cfg.DefaultMessageTTL,
		DefaultOptimization:      &optCfg,
		DeadLetterMaxSize:        cfg.DeadLetterMaxSize,
		ArchiveEvicted:           cfg.DatabaseURL != "",
	})

	if _, err := mgr.Discover(ctx); err != nil {
		logger.Warn("Failed to discover existing queues", zap.Error(err))
	}

	cleanup := func() {
		if journal != nil {
			if err := journal.Close(); err != nil {
				logger.Error("Failed to close WAL", zap.Error(err))
			}
		}
		if err := st.Close(); err != nil {
			logger.Error("Failed to close Redis client", zap.Error(err))
		}
		logger.Sync()
	}
	return cfg, logger, st, mgr, cleanup, nil
}

func printStats(ctx context.Context, names []string) error {
	_, _, _, mgr, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if len(names) == 0 {
		for _, q := range mgr.Queues() {
			names = append(names, q.Name)
		}
	}
	out := make(map[string]queue.Stats, len(names))
	for _, name := range names {
		st, err := mgr.Stats(ctx, name)
		if err != nil {
			return fmt.Errorf("stats for %s: %w", name, err)
		}
		out[name] = st
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func migrate(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := log.NewLogger(cfg.LogLevel)
	defer logger.Sync()
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL is required for migrate", config.ErrInvalid)
	}
	archive, err := store.NewPGArchive(ctx, cfg.DatabaseURL, logger.Named("archive"))
	if err != nil {
		return err
	}
	defer archive.Close()
	if err := archive.Migrate(ctx); err != nil {
		return err
	}
	logger.Info("Archive migrations applied")
	return nil
}
