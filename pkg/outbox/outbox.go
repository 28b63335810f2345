// Package outbox implements the transactional outbox pattern: a producer
// writes an outbound message to a durable table in the same database
// transaction as the business change that caused it, and a background
// worker relays rows from that table to the broker under a distributed
// lock so exactly one worker instance is relaying at a time.
package outbox

import (
	"context"
	"time"
)

// Row is one pending (or already relayed) outbox entry.
type Row struct {
	ID          string
	Endpoint    string
	Topic       string
	MessageID   string
	Key         []byte
	Payload     []byte
	Headers     map[string]string
	CreatedAt   time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
}

// Store persists outbox rows and lets a worker claim unpublished ones.
type Store interface {
	// Enqueue writes a new row. Implementations that support it should be
	// called within the caller's own database transaction so the write
	// commits atomically with whatever business change produced it.
	Enqueue(ctx context.Context, row Row) error

	// FetchUnpublished returns up to limit rows that have not yet been
	// published, ordered oldest first.
	FetchUnpublished(ctx context.Context, limit int) ([]Row, error)

	// MarkPublished marks rows as successfully relayed.
	MarkPublished(ctx context.Context, ids []string) error

	// MarkFailed records a failed publish attempt, incrementing Attempts.
	MarkFailed(ctx context.Context, id string, cause error) error
}

// WorkerConfig configures the relay worker's polling behavior.
type WorkerConfig struct {
	// Cadence is how often the worker polls for unpublished rows.
	Cadence time.Duration `env:"OUTBOX_CADENCE" env-default:"1s"`

	// BatchSize is the maximum rows fetched per poll.
	BatchSize int `env:"OUTBOX_BATCH_SIZE" env-default:"100"`

	// LockTTL is how long the worker holds the distributed lock for one
	// poll cycle before it must be renewed or released.
	LockTTL time.Duration `env:"OUTBOX_LOCK_TTL" env-default:"10s"`

	// LockKey identifies the lock all worker replicas contend for.
	LockKey string `env:"OUTBOX_LOCK_KEY" env-default:"outbox-worker"`

	// MaxConcurrency bounds how many distinct endpoints a single poll cycle
	// relays to in parallel. Rows for the same endpoint are never split
	// across workers, so per-endpoint FIFO order is unaffected by this
	// value; it only controls how many different endpoints make progress
	// at once. 1 relays one endpoint at a time, matching the pre-pooled
	// behavior.
	MaxConcurrency int `env:"OUTBOX_MAX_CONCURRENCY" env-default:"4"`
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Cadence:        time.Second,
		BatchSize:      100,
		LockTTL:        10 * time.Second,
		LockKey:        "outbox-worker",
		MaxConcurrency: 4,
	}
}
