package lease

import (
	"context"
	"sync"
	"testing"
	"time"

	"courier/internal/log"
	"courier/internal/queue"
	"courier/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestSweepReclaimsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	var (
		mu  sync.Mutex
		now = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	m := queue.NewManager(store.NewRedisStore(client, log.NewNop()), queue.Options{Now: clock})
	for _, name := range []string{"a", "b"} {
		if err := m.CreateQueue(ctx, queue.QueueConfig{Name: name, VisibilityTimeout: 10 * time.Second}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
		m.Enqueue(ctx, name, []byte(`{"x":1}`), queue.EnqueueOptions{})
		if msg, _ := m.Dequeue(ctx, name, queue.DequeueOptions{}); msg == nil {
			t.Fatalf("dequeue %s: empty", name)
		}
	}

	r := NewReclaimer(m, time.Second, log.NewNop())
	if n := r.Sweep(ctx); n != 0 {
		t.Fatalf("reclaimed %d live leases", n)
	}

	mu.Lock()
	now = now.Add(11 * time.Second)
	mu.Unlock()
	if n := r.Sweep(ctx); n != 2 {
		t.Fatalf("want 2 reclaimed, got %d", n)
	}
	st, _ := m.Stats(ctx, "a")
	if st.InFlight != 0 || st.Retried != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReclaimer(queueList{}, time.Millisecond, log.NewNop())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reclaimer did not stop")
	}
}

type queueList struct{}

func (queueList) Queues() []queue.QueueConfig { return nil }

func (queueList) ReclaimExpired(context.Context, string) (int, error) { return 0, nil }
