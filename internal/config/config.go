package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"golang.org/x/exp/constraints"
)

// QueueSpec is a queue declared in the QUEUES variable and created at startup.
type QueueSpec struct {
	Name    string
	Mode    string
	Durable bool
}

type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	DatabaseURL   string
	WALDir        string
	WALRetention  time.Duration

	HTTPAddr    string
	MetricsAddr string
	TLSCertFile string
	TLSKeyFile  string
	JWTSecret   string
	RateLimit   int
	// CORSOrigins is the comma-separated CORS_ALLOWED_ORIGINS list.
	CORSOrigins []string

	WorkerID       string
	LogLevel       string
	AMQPURL        string
	AMQPExchange   string
	JaegerEndpoint string

	PromoteInterval  time.Duration
	ReclaimInterval  time.Duration
	ArchiveInterval  time.Duration
	ArchiveBatchSize int

	DeadLetterMaxSize        int
	DefaultMaxRetries        int
	DefaultVisibilityTimeout time.Duration
	DefaultMessageTTL        time.Duration

	RetryBase       time.Duration
	RetryMultiplier float64
	RetryMaxDelay   time.Duration
	RetryJitter     float64

	CompressionThreshold int

	Queues []QueueSpec
}

var ErrInvalid = errors.New("invalid configuration")

func defaults(v *viper.Viper) {
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("METRICS_ADDR", ":2112")
	v.SetDefault("RATE_LIMIT", 100)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("WORKER_ID", "worker-1")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AMQP_EXCHANGE", "courier.events")
	v.SetDefault("WAL_RETENTION", 24*time.Hour)
	v.SetDefault("PROMOTE_INTERVAL", time.Second)
	v.SetDefault("RECLAIM_INTERVAL", 5*time.Second)
	v.SetDefault("ARCHIVE_INTERVAL", 10*time.Second)
	v.SetDefault("ARCHIVE_BATCH_SIZE", 100)
	v.SetDefault("DLQ_MAX_SIZE", 1000)
	v.SetDefault("DEFAULT_MAX_RETRIES", 3)
	v.SetDefault("DEFAULT_VISIBILITY_TIMEOUT", 30*time.Second)
	v.SetDefault("DEFAULT_MESSAGE_TTL", time.Duration(0))
	v.SetDefault("RETRY_BASE", time.Second)
	v.SetDefault("RETRY_MULTIPLIER", 2.0)
	v.SetDefault("RETRY_MAX_DELAY", 5*time.Minute)
	v.SetDefault("RETRY_JITTER", 0.0)
	v.SetDefault("COMPRESSION_THRESHOLD", 1024)
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	// .env is optional; variables may come from the environment instead
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	defaults(v)

	cfg := &Config{
		RedisAddr:     v.GetString("REDIS_ADDR"),
		RedisPassword: v.GetString("REDIS_PASSWORD"),
		RedisDB:       v.GetInt("REDIS_DB"),
		DatabaseURL:   v.GetString("DATABASE_URL"),
		WALDir:        v.GetString("WAL_DIR"),
		WALRetention:  v.GetDuration("WAL_RETENTION"),

		HTTPAddr:    v.GetString("HTTP_ADDR"),
		MetricsAddr: v.GetString("METRICS_ADDR"),
		TLSCertFile: v.GetString("TLS_CERT_FILE"),
		TLSKeyFile:  v.GetString("TLS_KEY_FILE"),
		JWTSecret:   v.GetString("JWT_SECRET"),
		RateLimit:   clamp(v.GetInt("RATE_LIMIT"), 1, 100000),
		CORSOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),

		WorkerID:       v.GetString("WORKER_ID"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		AMQPURL:        v.GetString("AMQP_URL"),
		AMQPExchange:   v.GetString("AMQP_EXCHANGE"),
		JaegerEndpoint: v.GetString("JAEGER_ENDPOINT"),

		PromoteInterval:  v.GetDuration("PROMOTE_INTERVAL"),
		ReclaimInterval:  v.GetDuration("RECLAIM_INTERVAL"),
		ArchiveInterval:  v.GetDuration("ARCHIVE_INTERVAL"),
		ArchiveBatchSize: clamp(v.GetInt("ARCHIVE_BATCH_SIZE"), 1, 10000),

		DeadLetterMaxSize:        v.GetInt("DLQ_MAX_SIZE"),
		DefaultMaxRetries:        v.GetInt("DEFAULT_MAX_RETRIES"),
		DefaultVisibilityTimeout: v.GetDuration("DEFAULT_VISIBILITY_TIMEOUT"),
		DefaultMessageTTL:        v.GetDuration("DEFAULT_MESSAGE_TTL"),

		RetryBase:       v.GetDuration("RETRY_BASE"),
		RetryMultiplier: v.GetFloat64("RETRY_MULTIPLIER"),
		RetryMaxDelay:   v.GetDuration("RETRY_MAX_DELAY"),
		RetryJitter:     clamp(v.GetFloat64("RETRY_JITTER"), 0, 1),

		CompressionThreshold: v.GetInt("COMPRESSION_THRESHOLD"),
	}

	queues, err := ParseQueues(v.GetString("QUEUES"))
	if err != nil {
		return nil, err
	}
	cfg.Queues = queues

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields whose zero or negative values cannot be defaulted.
func (c *Config) Validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("%w: REDIS_ADDR is required", ErrInvalid)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("%w: JWT_SECRET is required", ErrInvalid)
	}
	if c.PromoteInterval <= 0 || c.ReclaimInterval <= 0 || c.ArchiveInterval <= 0 {
		return fmt.Errorf("%w: sweep intervals must be positive", ErrInvalid)
	}
	if c.DeadLetterMaxSize <= 0 {
		return fmt.Errorf("%w: DLQ_MAX_SIZE must be positive", ErrInvalid)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("%w: DEFAULT_MAX_RETRIES must not be negative", ErrInvalid)
	}
	if c.DefaultVisibilityTimeout <= 0 {
		return fmt.Errorf("%w: DEFAULT_VISIBILITY_TIMEOUT must be positive", ErrInvalid)
	}
	if c.RetryBase <= 0 || c.RetryMultiplier < 1 {
		return fmt.Errorf("%w: RETRY_BASE must be positive and RETRY_MULTIPLIER at least 1", ErrInvalid)
	}
	if c.CompressionThreshold < 0 {
		return fmt.Errorf("%w: COMPRESSION_THRESHOLD must not be negative", ErrInvalid)
	}
	return nil
}

// ParseQueues parses "name:mode[:durable]" entries separated by commas.
func ParseQueues(raw string) ([]QueueSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var specs []QueueSpec
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("%w: invalid QUEUES entry %q", ErrInvalid, entry)
		}
		spec := QueueSpec{Name: parts[0], Mode: parts[1]}
		if spec.Mode != "fifo" && spec.Mode != "priority" {
			return nil, fmt.Errorf("%w: queue %s has unknown mode %q", ErrInvalid, spec.Name, spec.Mode)
		}
		if len(parts) == 3 {
			if parts[2] != "durable" {
				return nil, fmt.Errorf("%w: queue %s has unknown flag %q", ErrInvalid, spec.Name, parts[2])
			}
			spec.Durable = true
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
