package producer

import (
	"context"
	"strconv"

	"github.com/silverback-go/silverback/pkg/broker"
	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/errors"
)

// ProducerFor resolves the broker.Producer to use for an endpoint. Producer
// implementations are expected to cache/reuse producers per topic.
type ProducerFor func(ep string) (broker.Producer, error)

// DirectProduceStage publishes every chunk straight to the broker in the
// caller's goroutine. This is the terminal stage for endpoints configured
// with endpoint.StrategyDirect.
func DirectProduceStage(resolve ProducerFor) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		p, err := resolve(s.Endpoint.Name)
		if err != nil {
			return errors.ErrProduceFailed(err)
		}

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

			msg := &broker.Message{
				ID:      s.Envelope.MessageID,
				Topic:   s.Endpoint.Topic,
				Key:     chunkKey(s, i),
				Payload: chunk,
				Headers: headers.ToMap(),
			}

			if err := p.Publish(ctx, msg); err != nil {
				return errors.ErrProduceFailed(err)
			}
		}

		return next(ctx, s)
	}
}

func chunkKey(s *State, index int) []byte {
	if len(s.Envelope.Key) > 0 {
		return s.Envelope.Key
	}
	if len(s.Endpoint.Key) > 0 {
		return s.Endpoint.Key
	}
	_ = index
	return nil
}
