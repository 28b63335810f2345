// Package redis implements offset.Store backed by Redis, so committed
// offsets survive a consumer process restart.
package redis

import (
	"context"
	"strconv"

	"github.com/silverback-go/silverback/pkg/errors"
	"github.com/silverback-go/silverback/pkg/offset"

	"github.com/redis/go-redis/v9"
)

// Store is a Redis-backed offset.Store.
type Store struct {
	client redis.Cmdable
	prefix string
}

func New(client redis.Cmdable, prefix string) *Store {
	if prefix == "" {
		prefix = "offset:"
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(topic string, partition int32) string {
	return s.prefix + topic + ":" + strconv.Itoa(int(partition))
}

func (s *Store) Load(topic string, partition int32) (int64, bool, error) {
	val, err := s.client.Get(context.Background(), s.key(topic, partition)).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to load offset from redis")
	}
	off, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to parse stored offset")
	}
	return off, true, nil
}

func (s *Store) Save(pos offset.Position) error {
	err := s.client.Set(context.Background(), s.key(pos.Topic, pos.Partition), pos.Offset, 0).Err()
	if err != nil {
		return errors.Wrap(err, "failed to save offset to redis")
	}
	return nil
}

var _ offset.Store = (*Store)(nil)
