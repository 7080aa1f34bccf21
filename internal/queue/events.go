package queue

import (
	"time"

	"go.uber.org/zap"
)

type EventType string

const (
	EventEnqueued     EventType = "enqueued"
	EventDequeued     EventType = "dequeued"
	EventAcked        EventType = "acked"
	EventRetried      EventType = "retried"
	EventDeadLettered EventType = "deadLettered"
)

type Event struct {
	Type      EventType `json:"type"`
	Queue     string    `json:"queue"`
	MessageID string    `json:"messageId"`
	At        time.Time `json:"at"`
	// DelayUntil is set in epoch milliseconds when the message waits in the
	// delayed set.
	DelayUntil int64  `json:"delayUntil,omitempty"`
	RetryCount int    `json:"retryCount,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Observer receives lifecycle events synchronously on the calling goroutine.
// Implementations must not block.
type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// Subscribe registers o and returns a function that removes it.
func (m *Manager) Subscribe(o Observer) func() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextObs++
	key := m.nextObs
	m.observers[key] = o
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.observers, key)
	}
}

func (m *Manager) emit(e Event) {
	if e.At.IsZero() {
		e.At = m.now()
	}
	m.obsMu.RLock()
	observers := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		observers = append(observers, o)
	}
	m.obsMu.RUnlock()

	for _, o := range observers {
		m.notify(o, e)
	}
}

func (m *Manager) notify(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Observer panicked", zap.String("event", string(e.Type)), zap.Any("panic", r))
		}
	}()
	o.OnEvent(e)
}
