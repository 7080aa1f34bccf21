//go:build integration

package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"courier/internal/log"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupArchiveDB(t *testing.T, ctx context.Context) string {
	t.Helper()
	if url := os.Getenv("TEST_DB_URL"); url != "" {
		return url
	}
	pg, err := postgres.Run(ctx, "postgres:15",
		postgres.WithDatabase("courier"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("securepassword"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { pg.Terminate(context.Background()) })

	url, err := pg.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres connection string: %v", err)
	}
	return url
}

func TestPGArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	archive, err := NewPGArchive(ctx, setupArchiveDB(t, ctx), log.NewNop())
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer archive.Close()
	if err := archive.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	now := time.Now().UnixMilli()
	entries := []DeadLetterEntry{
		{
			Message: QueueMessage{
				ID:       "0000000000000000001",
				Payload:  json.RawMessage(`{"order":1}`),
				Metadata: MessageMetadata{QueueName: "orders", RetryCount: 3, MaxRetries: 3},
			},
			DeadLetteredAt: now - 1000,
			OriginQueue:    "orders",
			Reason:         "boom",
		},
		{
			Message: QueueMessage{
				ID:       "0000000000000000002",
				Payload:  json.RawMessage(`{"order":2}`),
				Metadata: MessageMetadata{QueueName: "orders", RetryCount: 3, MaxRetries: 3},
			},
			DeadLetteredAt: now,
			OriginQueue:    "orders",
			Reason:         "lease expired",
		},
	}

	n, err := archive.Archive(ctx, entries)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if n != 2 {
		t.Fatalf("want 2 rows, got %d", n)
	}
	n, err = archive.Archive(ctx, entries)
	if err != nil {
		t.Fatalf("re-archive: %v", err)
	}
	if n != 0 {
		t.Fatalf("re-archive should be a no-op, wrote %d", n)
	}

	got, err := archive.List(ctx, "orders", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].Message.ID != "0000000000000000002" {
		t.Fatalf("unexpected archive listing %+v", got)
	}
	if got[1].Reason != "boom" || got[1].Message.Metadata.RetryCount != 3 {
		t.Fatalf("unexpected oldest entry %+v", got[1])
	}
}
