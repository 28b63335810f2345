package producer

import (
	"context"
	"strconv"

	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/outbox"

	"github.com/google/uuid"
)

// OutboxProduceStage writes every chunk to store instead of publishing
// directly. This is the terminal stage for endpoints configured with
// endpoint.StrategyOutbox; a outbox.Worker relays the rows later.
func OutboxProduceStage(store outbox.Store) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		total := len(s.Chunks)
		for i, chunk := range s.Chunks {
			headers := s.Envelope.Headers.Clone()
			if total > 1 {
				headers.Set(envelope.HeaderChunkIndex, strconv.Itoa(i))
				headers.Set(envelope.HeaderChunksCount, strconv.Itoa(total))
				if i == total-1 {
					headers.Set(envelope.HeaderLastChunk, "true")
				}
			}

			row := outbox.Row{
				ID:        uuid.New().String(),
				Endpoint:  s.Endpoint.Name,
				Topic:     s.Endpoint.Topic,
				MessageID: s.Envelope.MessageID,
				Key:       chunkKey(s, i),
				Payload:   chunk,
				Headers:   headers.ToMap(),
				CreatedAt: s.Envelope.CreatedAt,
			}

			if err := store.Enqueue(ctx, row); err != nil {
				return err
			}
		}

		return next(ctx, s)
	}
}
