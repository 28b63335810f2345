// Package memory implements offset.Store in process memory, for tests and
// single-process deployments where durability across restarts isn't needed.
package memory

import (
	"sync"

	"github.com/silverback-go/silverback/pkg/offset"
)

type key struct {
	topic     string
	partition int32
}

// Store is an in-memory offset.Store.
type Store struct {
	mu   sync.Mutex
	data map[key]int64
}

func New() *Store {
	return &Store{data: make(map[key]int64)}
}

func (s *Store) Load(topic string, partition int32) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.data[key{topic, partition}]
	return off, ok, nil
}

func (s *Store) Save(pos offset.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key{pos.Topic, pos.Partition}] = pos.Offset
	return nil
}

var _ offset.Store = (*Store)(nil)
