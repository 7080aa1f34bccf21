package store

import (
	"encoding/json"
	"time"

	"courier/internal/optimize"
)

// QueueMessage is the persisted form of a message. Payload holds the
// optimized bytes while stored and the restored bytes once dequeued.
type QueueMessage struct {
	ID       string          `json:"id"`
	Payload  json.RawMessage `json:"payload"`
	Metadata MessageMetadata `json:"metadata"`
}

type MessageMetadata struct {
	QueueName     string `json:"queueName"`
	EnqueuedAt    int64  `json:"enqueuedAt"`
	EnqueuedAtISO string `json:"enqueuedAtISO"`
	Priority      int    `json:"priority"`
	DelayUntil    int64  `json:"delayUntil"`
	RetryCount    int    `json:"retryCount"`
	MaxRetries    int    `json:"maxRetries"`
	// VisibilityTimeout in milliseconds; 0 means the queue default.
	VisibilityTimeout int64 `json:"visibilityTimeout"`
	// TTL in milliseconds from EnqueuedAt; 0 means no expiry.
	TTL              int64             `json:"ttl"`
	CorrelationID    string            `json:"correlationId,omitempty"`
	UserID           string            `json:"userId,omitempty"`
	SessionID        string            `json:"sessionId,omitempty"`
	Tags             []string          `json:"tags,omitempty"`
	DeduplicationKey string            `json:"deduplicationKey,omitempty"`
	LastError        string            `json:"lastError,omitempty"`
	FirstFailedAt    int64             `json:"firstFailedAt,omitempty"`
	Optimization     optimize.Metadata `json:"optimization"`
}

// Expired reports whether the message outlived its TTL at now.
func (m MessageMetadata) Expired(now time.Time) bool {
	return m.TTL > 0 && now.UnixMilli() > m.EnqueuedAt+m.TTL
}

type DeadLetterEntry struct {
	Message        QueueMessage `json:"message"`
	DeadLetteredAt int64        `json:"deadLetteredAt"`
	OriginQueue    string       `json:"originQueue"`
	Reason         string       `json:"reason"`
}

func EncodeMessage(m *QueueMessage) (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeMessage(raw string) (*QueueMessage, error) {
	var m QueueMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func EncodeDeadLetter(e *DeadLetterEntry) (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func DecodeDeadLetter(raw string) (*DeadLetterEntry, error) {
	var e DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}
