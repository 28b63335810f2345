// Package memory implements outbox.Store in process memory, for tests and
// for single-process deployments that don't need outbox durability across
// restarts.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/silverback-go/silverback/pkg/outbox"
)

// Store is an in-memory outbox.Store. Rows are kept in a map for O(1)
// lookup by ID but carry a monotonic sequence number so FetchUnpublished
// can still return them oldest-first: wall-clock timestamps alone are not
// enough to order rows enqueued within the same clock tick.
type Store struct {
	mu   sync.Mutex
	rows map[string]*outbox.Row
	seq  map[string]int64
	next int64
}

func New() *Store {
	return &Store{rows: make(map[string]*outbox.Row), seq: make(map[string]int64)}
}

func (s *Store) Enqueue(_ context.Context, row outbox.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	cp := row
	s.rows[row.ID] = &cp
	s.seq[row.ID] = s.next
	s.next++
	return nil
}

// FetchUnpublished returns up to limit pending rows ordered by insertion
// sequence, oldest first, so a worker that relays in the returned order
// preserves per-endpoint FIFO.
func (s *Store) FetchUnpublished(_ context.Context, limit int) ([]outbox.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*outbox.Row, 0, len(s.rows))
	for _, row := range s.rows {
		if row.PublishedAt == nil {
			pending = append(pending, row)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return s.seq[pending[i].ID] < s.seq[pending[j].ID]
	})

	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]outbox.Row, len(pending))
	for i, row := range pending {
		out[i] = *row
	}
	return out, nil
}

// MarkPublished deletes each relayed row outright, where the postgres store
// stamps PublishedAt instead; either way FetchUnpublished no longer returns
// it.
func (s *Store) MarkPublished(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.rows, id)
		delete(s.seq, id)
	}
	return nil
}

func (s *Store) MarkFailed(_ context.Context, id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		row.Attempts++
		if cause != nil {
			row.LastError = cause.Error()
		}
	}
	return nil
}

var _ outbox.Store = (*Store)(nil)
