// Package notify publishes queue lifecycle events to an AMQP topic exchange.
package notify

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"courier/internal/log"
	"courier/internal/queue"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Publisher is satisfied by *amqp.Channel.
type Publisher interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Notifier is a queue.Observer. Events are buffered and published from Run;
// when the buffer is full new events are dropped rather than stalling the
// queue operation that raised them.
type Notifier struct {
	pub      Publisher
	exchange string
	events   chan queue.Event
	logger   *log.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

func NewNotifier(pub Publisher, exchange string, buffer int, logger *log.Logger) *Notifier {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Notifier{
		pub:      pub,
		exchange: exchange,
		events:   make(chan queue.Event, buffer),
		logger:   logger,
	}
}

// RoutingKey is queue.<event>.<queue>.
func RoutingKey(e queue.Event) string {
	return "queue." + string(e.Type) + "." + e.Queue
}

func (n *Notifier) OnEvent(e queue.Event) {
	select {
	case n.events <- e:
	default:
		if n.dropped.Add(1) == 1 {
			n.logger.Warn("Notifier buffer full, dropping events")
		}
	}
}

func (n *Notifier) Published() int64 { return n.published.Load() }
func (n *Notifier) Dropped() int64   { return n.dropped.Load() }

// Run publishes buffered events until ctx is done, then flushes what is left.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-n.events:
					n.publish(e)
				default:
					n.logger.Info("Notifier shut down", zap.Int64("published", n.published.Load()), zap.Int64("dropped", n.dropped.Load()))
					return
				}
			}
		case e := <-n.events:
			n.publish(e)
		}
	}
}

func (n *Notifier) publish(e queue.Event) {
	body, err := json.Marshal(e)
	if err != nil {
		n.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}
	err = n.pub.Publish(n.exchange, RoutingKey(e), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.MessageID,
		Timestamp:    e.At,
		Body:         body,
	})
	if err != nil {
		n.logger.Error("Failed to publish event", zap.String("queue", e.Queue), zap.String("event", string(e.Type)), zap.Error(err))
		return
	}
	n.published.Add(1)
}
