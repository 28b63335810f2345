package outbox

import (
	"context"
	"sync"
	"time"

	"github.com/silverback-go/silverback/pkg/broker"
	"github.com/silverback-go/silverback/pkg/concurrency"
	"github.com/silverback-go/silverback/pkg/concurrency/distlock"
	"github.com/silverback-go/silverback/pkg/errors"
	"github.com/silverback-go/silverback/pkg/logger"
)

// ProducerFor resolves the broker.Producer for a row's endpoint.
type ProducerFor func(endpoint string) (broker.Producer, error)

// Worker polls Store for unpublished rows and relays them to their brokers,
// holding a distributed lock for the duration of each poll cycle so that
// when multiple worker replicas run, only one relays at a time.
type Worker struct {
	store   Store
	locker  distlock.Locker
	resolve ProducerFor
	cfg     WorkerConfig
	pool    *concurrency.WorkerPool
}

func NewWorker(store Store, locker distlock.Locker, resolve ProducerFor, cfg WorkerConfig) *Worker {
	if cfg.Cadence <= 0 {
		cfg.Cadence = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Second
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "outbox-worker"
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	// Queue depth of BatchSize: a tick never submits more endpoint groups
	// than it has rows, so the pool's queue can never back up past that.
	pool := concurrency.NewWorkerPool(cfg.MaxConcurrency, cfg.BatchSize)
	return &Worker{store: store, locker: locker, resolve: resolve, cfg: cfg, pool: pool}
}

// Run polls and relays until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.pool.Start(ctx)
	defer w.pool.Stop()

	ticker := time.NewTicker(w.cfg.Cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.tick(ctx); err != nil {
				logger.L().ErrorContext(ctx, "outbox poll failed", "error", err)
			}
		}
	}
}

func (w *Worker) tick(ctx context.Context) error {
	lock := w.locker.NewLock(w.cfg.LockKey, w.cfg.LockTTL)

	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		// Another replica is already relaying this cycle.
		return nil
	}
	defer lock.Release(ctx)

	rows, err := w.store.FetchUnpublished(ctx, w.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	// Group by endpoint, preserving each endpoint's fetch-order (oldest
	// first) rows within its own group. Groups for distinct endpoints are
	// independent of each other, so they relay concurrently on the
	// worker's pool; rows inside a group still relay one at a time, in
	// order, stopping at the first failure so a later row never jumps
	// ahead of one still pending retry.
	groups := make(map[string][]Row, len(rows))
	var order []string
	for _, row := range rows {
		if _, ok := groups[row.Endpoint]; !ok {
			order = append(order, row.Endpoint)
		}
		groups[row.Endpoint] = append(groups[row.Endpoint], row)
	}

	var (
		mu        sync.Mutex
		published []string
		wg        sync.WaitGroup
	)
	wg.Add(len(order))
	for _, endpoint := range order {
		rows := groups[endpoint]
		w.pool.Submit(func(ctx context.Context) {
			defer wg.Done()
			ids := w.relayGroup(ctx, rows)
			if len(ids) == 0 {
				return
			}
			mu.Lock()
			published = append(published, ids...)
			mu.Unlock()
		})
	}
	wg.Wait()

	if len(published) > 0 {
		if err := w.store.MarkPublished(ctx, published); err != nil {
			return err
		}
	}

	return nil
}

// relayGroup relays a single endpoint's rows in order, stopping at the
// first failure, and returns the IDs that published successfully.
func (w *Worker) relayGroup(ctx context.Context, rows []Row) []string {
	published := make([]string, 0, len(rows))
	for _, row := range rows {
		if err := w.relay(ctx, row); err != nil {
			logger.L().ErrorContext(ctx, "failed to relay outbox row", "id", row.ID, "endpoint", row.Endpoint, "error", err)
			if markErr := w.store.MarkFailed(ctx, row.ID, err); markErr != nil {
				logger.L().ErrorContext(ctx, "failed to record outbox failure", "id", row.ID, "error", markErr)
			}
			break
		}
		published = append(published, row.ID)
	}
	return published
}

func (w *Worker) relay(ctx context.Context, row Row) error {
	producer, err := w.resolve(row.Endpoint)
	if err != nil {
		return errors.ErrProduceFailed(err)
	}

	if err := producer.Publish(ctx, &broker.Message{
		ID:      row.MessageID,
		Topic:   row.Topic,
		Key:     row.Key,
		Payload: row.Payload,
		Headers: row.Headers,
	}); err != nil {
		return errors.ErrProduceFailed(err)
	}
	return nil
}
