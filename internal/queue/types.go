package queue

import (
	"fmt"
	"regexp"
	"time"

	"courier/internal/optimize"
)

type Mode string

const (
	ModeFIFO     Mode = "fifo"
	ModePriority Mode = "priority"
)

const deadLetterSuffix = ".dlq"

// Names double as journal directory names.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// QueueConfig describes a queue. Zero durations and counts take the manager
// defaults when the queue is created.
type QueueConfig struct {
	Name              string           `json:"name"`
	Mode              Mode             `json:"mode"`
	Durable           bool             `json:"durable"`
	MaxLength         int              `json:"maxLength,omitempty"`
	MessageTTL        time.Duration    `json:"messageTTL,omitempty"`
	MaxRetries        int              `json:"maxRetries"`
	VisibilityTimeout time.Duration    `json:"visibilityTimeout"`
	DeadLetterQueue   string           `json:"deadLetterQueue"`
	Optimization      *optimize.Config `json:"optimization,omitempty"`
}

func (c QueueConfig) fifo() bool { return c.Mode != ModePriority }

func (c QueueConfig) validate() error {
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("%w: invalid queue name %q", ErrValidationFailed, c.Name)
	}
	if c.Mode != ModeFIFO && c.Mode != ModePriority {
		return fmt.Errorf("%w: unknown mode %q", ErrValidationFailed, c.Mode)
	}
	if c.MaxLength < 0 || c.MessageTTL < 0 || c.MaxRetries < 0 || c.VisibilityTimeout < 0 {
		return fmt.Errorf("%w: queue %s has a negative limit", ErrValidationFailed, c.Name)
	}
	if !namePattern.MatchString(c.DeadLetterQueue) {
		return fmt.Errorf("%w: invalid dead-letter queue name %q", ErrValidationFailed, c.DeadLetterQueue)
	}
	if c.Optimization != nil {
		if err := c.Optimization.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
	}
	return nil
}

// EnqueueOptions are per-message settings. Pointer fields override the
// queue's optimization settings only when set.
type EnqueueOptions struct {
	Priority int
	// DelayUntil is an absolute epoch-millisecond time; Delay is relative.
	// At most one of them may be set.
	DelayUntil        int64
	Delay             time.Duration
	MaxRetries        int
	TTL               time.Duration
	VisibilityTimeout time.Duration
	CorrelationID     string
	UserID            string
	SessionID         string
	Tags              []string
	// DeduplicationKey makes repeated enqueues within the dedup window
	// return the first message id instead of adding a copy.
	DeduplicationKey string

	EnableOptimization   *bool
	StripNulls           *bool
	ShortFieldNames      *bool
	FoldArrays           *bool
	EnableCompression    *bool
	CompressionThreshold *int
	CompressionAlgorithm optimize.Algorithm
}

func (o EnqueueOptions) validate() error {
	if o.DelayUntil < 0 || o.Delay < 0 || o.MaxRetries < 0 || o.TTL < 0 || o.VisibilityTimeout < 0 {
		return fmt.Errorf("%w: negative enqueue option", ErrValidationFailed)
	}
	if o.DelayUntil > 0 && o.Delay > 0 {
		return fmt.Errorf("%w: delayUntil and delay are mutually exclusive", ErrValidationFailed)
	}
	if o.CompressionThreshold != nil && *o.CompressionThreshold < 0 {
		return fmt.Errorf("%w: negative compression threshold", ErrValidationFailed)
	}
	if o.CompressionAlgorithm != "" && !o.CompressionAlgorithm.Valid() {
		return fmt.Errorf("%w: unknown compression algorithm %q", ErrValidationFailed, o.CompressionAlgorithm)
	}
	return nil
}

// optimization merges per-call overrides onto base.
func (o EnqueueOptions) optimization(base optimize.Config) optimize.Config {
	cfg := base
	if o.EnableOptimization != nil {
		cfg.EnableOptimization = *o.EnableOptimization
	}
	if o.StripNulls != nil {
		cfg.StripNulls = *o.StripNulls
	}
	if o.ShortFieldNames != nil {
		cfg.ShortFieldNames = *o.ShortFieldNames
	}
	if o.FoldArrays != nil {
		cfg.FoldArrays = *o.FoldArrays
	}
	if o.EnableCompression != nil {
		cfg.EnableCompression = *o.EnableCompression
	}
	if o.CompressionThreshold != nil {
		cfg.CompressionThreshold = *o.CompressionThreshold
	}
	if o.CompressionAlgorithm != "" {
		cfg.Algorithm = o.CompressionAlgorithm
	}
	return cfg
}

type DequeueOptions struct {
	// VisibilityTimeout overrides both the message and queue timeouts.
	VisibilityTimeout time.Duration
}

type NackOptions struct {
	// Delay replaces the backoff delay when positive.
	Delay time.Duration
	// DeadLetter skips any remaining retries.
	DeadLetter bool
}

// Counter fields of the per-queue metrics hash.
const (
	counterEnqueued     = "enqueued"
	counterDequeued     = "dequeued"
	counterProcessed    = "processed"
	counterFailed       = "failed"
	counterRetried      = "retried"
	counterDeadLettered = "deadLettered"
	counterExpired      = "expired"
	counterTrimmed      = "trimmed"
)

var counters = []string{
	counterEnqueued,
	counterDequeued,
	counterProcessed,
	counterFailed,
	counterRetried,
	counterDeadLettered,
	counterExpired,
	counterTrimmed,
}

type Stats struct {
	Queue        string `json:"queue"`
	Mode         Mode   `json:"mode"`
	Size         int64  `json:"size"`
	InFlight     int64  `json:"inFlight"`
	Delayed      int64  `json:"delayed"`
	DeadLettered int64  `json:"deadLettered"`
	Consumers    int    `json:"consumers"`

	Enqueued          int64 `json:"enqueued"`
	Dequeued          int64 `json:"dequeued"`
	Processed         int64 `json:"processed"`
	Failed            int64 `json:"failed"`
	Retried           int64 `json:"retried"`
	DeadLetteredTotal int64 `json:"deadLetteredTotal"`
	Expired           int64 `json:"expired"`
	Trimmed           int64 `json:"trimmed"`
}
