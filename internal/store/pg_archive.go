package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"courier/internal/log"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

const archiveTable = "dead_letter_archive"

// PGArchive keeps dead-letter entries that were evicted from the bounded
// in-store dead-letter lists.
type PGArchive struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPGArchive(ctx context.Context, url string, logger *log.Logger) (*PGArchive, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		logger.Error("Failed to open postgres", zap.Error(err))
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PGArchive{db: db, logger: logger}, nil
}

// Migrate applies the embedded schema migrations.
func (a *PGArchive) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, a.db, "migrations"); err != nil {
		a.logger.Error("Failed to migrate archive", zap.Error(err))
		return fmt.Errorf("migrate archive: %w", err)
	}
	return nil
}

// Archive inserts entries, skipping ones already archived. It returns the
// number of rows written.
func (a *PGArchive) Archive(ctx context.Context, entries []DeadLetterEntry) (int64, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	builder := sq.Insert(archiveTable).
		Columns(
			"message_id",
			"origin_queue",
			"reason",
			"retry_count",
			"payload",
			"metadata",
			"dead_lettered_at",
		).
		Suffix("ON CONFLICT (message_id, dead_lettered_at) DO NOTHING").
		PlaceholderFormat(sq.Dollar)

	for _, e := range entries {
		meta, err := json.Marshal(e.Message.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal metadata for %s: %w", e.Message.ID, err)
		}
		payload := []byte(e.Message.Payload)
		if len(payload) == 0 {
			payload = []byte("null")
		}
		builder = builder.Values(
			e.Message.ID,
			e.OriginQueue,
			e.Reason,
			e.Message.Metadata.RetryCount,
			payload,
			meta,
			time.UnixMilli(e.DeadLetteredAt).UTC(),
		)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build archive insert: %w", err)
	}
	res, err := a.db.ExecContext(ctx, query, args...)
	if err != nil {
		a.logger.Error("Failed to archive dead letters", zap.Error(err), zap.Int("count", len(entries)))
		return 0, fmt.Errorf("archive dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive rows affected: %w", err)
	}
	return n, nil
}

// List returns the newest archived entries of a queue.
func (a *PGArchive) List(ctx context.Context, queue string, limit int) ([]DeadLetterEntry, error) {
	query, args, err := sq.Select(
		"message_id",
		"origin_queue",
		"reason",
		"payload",
		"metadata",
		"dead_lettered_at",
	).
		From(archiveTable).
		Where(sq.Eq{"origin_queue": queue}).
		OrderBy("dead_lettered_at DESC").
		Limit(uint64(limit)).
		PlaceholderFormat(sq.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build archive select: %w", err)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var entries []DeadLetterEntry
	for rows.Next() {
		var (
			e       DeadLetterEntry
			payload []byte
			meta    []byte
			at      time.Time
		)
		if err := rows.Scan(&e.Message.ID, &e.OriginQueue, &e.Reason, &payload, &meta, &at); err != nil {
			return nil, fmt.Errorf("scan archive row: %w", err)
		}
		if err := json.Unmarshal(meta, &e.Message.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal archived metadata: %w", err)
		}
		e.Message.Payload = json.RawMessage(payload)
		e.DeadLetteredAt = at.UnixMilli()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ping reports whether the archive database is reachable.
func (a *PGArchive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *PGArchive) Close() error {
	return a.db.Close()
}
