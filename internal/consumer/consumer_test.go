package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/log"
	"courier/internal/queue"
	"courier/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newManager(t *testing.T, queues ...string) *queue.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	m := queue.NewManager(store.NewRedisStore(client, log.NewNop()), queue.Options{})
	for _, name := range queues {
		if err := m.CreateQueue(context.Background(), queue.QueueConfig{Name: name, MaxRetries: 5}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	return m
}

func fill(t *testing.T, m *queue.Manager, name string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := m.Enqueue(context.Background(), name, []byte(fmt.Sprintf(`{"i":%d}`, i)), queue.EnqueueOptions{}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
}

func stats(t *testing.T, m *queue.Manager, name string) queue.Stats {
	t.Helper()
	st, err := m.Stats(context.Background(), name)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return st
}

func TestPollAutoAcks(t *testing.T) {
	m := newManager(t, "jobs")
	fill(t, m, "jobs", 3)

	rt := NewRuntime(m, log.NewNop())
	var seen atomic.Int32
	c, err := rt.Register("jobs", func(ctx context.Context, d *Delivery) error {
		seen.Add(1)
		return nil
	}, DefaultOptions())
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	n, err := c.Poll(context.Background())
	if err != nil || n != 3 {
		t.Fatalf("want batch of 3, got %d err=%v", n, err)
	}
	if seen.Load() != 3 {
		t.Fatalf("handler ran %d times", seen.Load())
	}
	st := stats(t, m, "jobs")
	if st.Processed != 3 || st.InFlight != 0 || st.Size != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if cs := c.Stats(); cs.Processed != 3 || cs.Failed != 0 {
		t.Fatalf("unexpected consumer stats %+v", cs)
	}
}

func TestPollBatchSize(t *testing.T) {
	m := newManager(t, "jobs")
	fill(t, m, "jobs", 5)

	rt := NewRuntime(m, log.NewNop())
	c, _ := rt.Register("jobs", func(context.Context, *Delivery) error { return nil }, Options{BatchSize: 2, AutoAck: true})
	if n, _ := c.Poll(context.Background()); n != 2 {
		t.Fatalf("want batch of 2, got %d", n)
	}
	if st := stats(t, m, "jobs"); st.Size != 3 {
		t.Fatalf("want 3 left, got %d", st.Size)
	}
}

func TestHandlerErrorAndPanicNack(t *testing.T) {
	m := newManager(t, "jobs")
	fill(t, m, "jobs", 2)

	rt := NewRuntime(m, log.NewNop())
	var calls atomic.Int32
	c, _ := rt.Register("jobs", func(ctx context.Context, d *Delivery) error {
		if calls.Add(1) == 1 {
			return errors.New("downstream unavailable")
		}
		panic("nil map")
	}, DefaultOptions())

	if _, err := c.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	st := stats(t, m, "jobs")
	if st.Failed != 2 || st.Retried != 2 || st.Delayed != 2 || st.Processed != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if cs := c.Stats(); cs.Failed != 2 {
		t.Fatalf("want 2 failures, got %+v", cs)
	}
}

func TestManualSettlement(t *testing.T) {
	m := newManager(t, "jobs")
	fill(t, m, "jobs", 2)

	rt := NewRuntime(m, log.NewNop())
	var second error
	var mu sync.Mutex
	c, _ := rt.Register("jobs", func(ctx context.Context, d *Delivery) error {
		if d.Message.Payload == nil {
			t.Errorf("payload missing")
		}
		if d.Settled() {
			t.Errorf("delivery settled before the handler ran")
		}
		if err := d.Nack(ctx, "not now"); err != nil {
			return err
		}
		if !d.Settled() {
			t.Errorf("nack did not settle the delivery")
		}
		mu.Lock()
		second = d.Ack(ctx)
		mu.Unlock()
		return nil
	}, Options{AutoAck: true})

	c.Poll(context.Background())
	if !errors.Is(second, ErrAlreadySettled) {
		t.Fatalf("want ErrAlreadySettled on double settle, got %v", second)
	}
	st := stats(t, m, "jobs")
	if st.Retried != 2 || st.Processed != 0 {
		t.Fatalf("auto-ack overrode manual nack: %+v", st)
	}
}

func TestNoAutoAckLeavesLease(t *testing.T) {
	m := newManager(t, "jobs")
	fill(t, m, "jobs", 1)

	rt := NewRuntime(m, log.NewNop())
	c, _ := rt.Register("jobs", func(context.Context, *Delivery) error { return nil }, Options{})
	c.Poll(context.Background())
	if st := stats(t, m, "jobs"); st.InFlight != 1 {
		t.Fatalf("want message still leased, got %+v", st)
	}
}

func TestMaxConcurrency(t *testing.T) {
	m := newManager(t, "jobs")
	fill(t, m, "jobs", 8)

	rt := NewRuntime(m, log.NewNop())
	var active, peak atomic.Int32
	c, _ := rt.Register("jobs", func(context.Context, *Delivery) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
		return nil
	}, Options{BatchSize: 8, MaxConcurrency: 3, AutoAck: true})

	c.Poll(context.Background())
	if peak.Load() > 3 {
		t.Fatalf("ran %d handlers at once, limit 3", peak.Load())
	}
	if st := stats(t, m, "jobs"); st.Processed != 8 {
		t.Fatalf("want 8 processed, got %d", st.Processed)
	}
}

func TestHandlerTimeout(t *testing.T) {
	m := newManager(t, "jobs")
	fill(t, m, "jobs", 1)

	rt := NewRuntime(m, log.NewNop())
	c, _ := rt.Register("jobs", func(ctx context.Context, d *Delivery) error {
		<-ctx.Done()
		return ctx.Err()
	}, Options{AutoAck: true, HandlerTimeout: 20 * time.Millisecond})

	c.Poll(context.Background())
	if st := stats(t, m, "jobs"); st.Failed != 1 {
		t.Fatalf("want timed out handler nacked, got %+v", st)
	}
}

func TestRuntimeRunAndStop(t *testing.T) {
	m := newManager(t, "a", "b")
	fill(t, m, "a", 2)
	fill(t, m, "b", 2)

	rt := NewRuntime(m, log.NewNop())
	var done atomic.Int32
	h := func(context.Context, *Delivery) error {
		done.Add(1)
		return nil
	}
	opts := Options{PollInterval: 10 * time.Millisecond, AutoAck: true}
	ca, _ := rt.Register("a", h, opts)
	cb, _ := rt.Register("b", h, opts)
	if ca.ID() == cb.ID() {
		t.Fatalf("consumer ids collide")
	}
	if got := rt.Consumers(); len(got) != 2 || got[0] != ca || got[1] != cb {
		t.Fatalf("want both consumers in registration order, got %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- rt.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for done.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if done.Load() != 4 {
		t.Fatalf("want 4 handled, got %d", done.Load())
	}
	if st := stats(t, m, "a"); st.Consumers != 1 {
		t.Fatalf("want consumer attached, got %d", st.Consumers)
	}
	if _, err := rt.Register("a", h, opts); !errors.Is(err, ErrRunning) {
		t.Fatalf("want ErrRunning, got %v", err)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runtime did not stop")
	}
	if st := stats(t, m, "a"); st.Consumers != 0 {
		t.Fatalf("want consumer detached, got %d", st.Consumers)
	}
}

func TestRunUnknownQueue(t *testing.T) {
	m := newManager(t)
	rt := NewRuntime(m, log.NewNop())
	rt.Register("ghost", func(context.Context, *Delivery) error { return nil }, DefaultOptions())
	if err := rt.Run(context.Background()); !errors.Is(err, queue.ErrQueueNotFound) {
		t.Fatalf("want ErrQueueNotFound, got %v", err)
	}
}
