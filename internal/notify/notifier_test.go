package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"courier/internal/log"
	"courier/internal/queue"

	"github.com/streadway/amqp"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
	fail error
}

func (p *fakePublisher) Publish(exchange, key string, _, _ bool, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.sent = append(p.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func TestRoutingKey(t *testing.T) {
	got := RoutingKey(queue.Event{Type: queue.EventDeadLettered, Queue: "emails"})
	if got != "queue.deadLettered.emails" {
		t.Fatalf("unexpected routing key %q", got)
	}
}

func TestRunPublishesAndFlushes(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, "courier.events", 10, log.NewNop())

	n.OnEvent(queue.Event{Type: queue.EventEnqueued, Queue: "emails", MessageID: "1", At: time.Now()})
	n.OnEvent(queue.Event{Type: queue.EventAcked, Queue: "emails", MessageID: "1", At: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Run(ctx)

	if pub.count() != 2 || n.Published() != 2 {
		t.Fatalf("want 2 published, got %d", pub.count())
	}
	first := pub.sent[0]
	if first.exchange != "courier.events" || first.key != "queue.enqueued.emails" || first.msg.MessageId != "1" {
		t.Fatalf("unexpected publishing %+v", first)
	}
	var e queue.Event
	if err := json.Unmarshal(first.msg.Body, &e); err != nil || e.Type != queue.EventEnqueued {
		t.Fatalf("body is not the event: %s err=%v", first.msg.Body, err)
	}
}

func TestDropsWhenBufferFull(t *testing.T) {
	n := NewNotifier(&fakePublisher{}, "x", 1, log.NewNop())
	for i := 0; i < 3; i++ {
		n.OnEvent(queue.Event{Type: queue.EventEnqueued, Queue: "q"})
	}
	if n.Dropped() != 2 {
		t.Fatalf("want 2 dropped, got %d", n.Dropped())
	}
}

func TestPublishFailureIsNotCounted(t *testing.T) {
	pub := &fakePublisher{fail: errors.New("channel closed")}
	n := NewNotifier(pub, "x", 4, log.NewNop())
	n.OnEvent(queue.Event{Type: queue.EventRetried, Queue: "q"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Run(ctx)
	if n.Published() != 0 {
		t.Fatalf("failed publish counted")
	}
}

func TestRunPublishesWhileRunning(t *testing.T) {
	pub := &fakePublisher{}
	n := NewNotifier(pub, "x", 16, log.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(done)
	}()

	n.OnEvent(queue.Event{Type: queue.EventDequeued, Queue: "q"})
	deadline := time.Now().Add(time.Second)
	for pub.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if pub.count() != 1 {
		t.Fatalf("want 1 published while running, got %d", pub.count())
	}
}
