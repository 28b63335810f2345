package kafka

import (
	"context"
	"sync"

	"github.com/silverback-go/silverback/pkg/broker"

	"github.com/IBM/sarama"
)

// consumer implements broker.Consumer using a sarama consumer group, so
// partition assignment and rebalancing follow the Kafka group protocol.
type consumer struct {
	topic string
	group sarama.ConsumerGroup

	mu       sync.Mutex
	onRevoke func(partitions []int32)
}

// Rebalanceable is implemented by broker.Consumer adapters that can signal
// partition revocation, which only Kafka-style consumer groups have. Code
// wiring a pkg/consumer.Consumer to a kafka-backed broker.Consumer should
// type-assert for this and forward into Consumer.HandleRevoke so in-flight
// sequences on a revoked partition are aborted rather than silently
// committed on the next rebalance.
type Rebalanceable interface {
	OnRebalance(fn func(revoked []int32))
}

// OnRebalance registers fn to be called with the set of partitions revoked
// at the start of each consumer-group rebalance, before the new generation
// is assigned. Replaces any previously registered callback.
func (c *consumer) OnRebalance(fn func(revoked []int32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRevoke = fn
}

func (c *consumer) revokeCallback() func(revoked []int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onRevoke
}

var _ Rebalanceable = (*consumer)(nil)

func (c *consumer) Consume(ctx context.Context, handler broker.MessageHandler) error {
	h := &groupHandler{handler: handler, revoke: c.revokeCallback}

	for {
		if err := c.group.Consume(ctx, []string{c.topic}, h); err != nil {
			return broker.ErrConsumeFailed(err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *consumer) Close() error {
	return c.group.Close()
}

// groupHandler adapts sarama's per-generation callback interface to a
// single broker.MessageHandler. It does not acknowledge messages itself:
// each message's Metadata.Commit closes over the session and the specific
// sarama message, so the silverback consumer pipeline controls exactly when
// the broker-native MarkOffset happens (see pkg/consumer.Consumer.commit).
type groupHandler struct {
	handler broker.MessageHandler
	revoke  func() func(revoked []int32)
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup runs once per generation, after ConsumeClaim returns for every
// claim and before the next rebalance's partitions are assigned. At this
// point session.Claims() still reflects the generation that's ending, so
// its topic/partition set is exactly what's being revoked.
func (h *groupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	fn := h.revoke()
	if fn == nil {
		return nil
	}
	var revoked []int32
	for _, partitions := range session.Claims() {
		revoked = append(revoked, partitions...)
	}
	if len(revoked) > 0 {
		fn(revoked)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			sm := msg
			m := &broker.Message{
				Topic:     sm.Topic,
				Key:       sm.Key,
				Payload:   sm.Value,
				Headers:   headerMap(sm.Headers),
				Timestamp: sm.Timestamp,
				Metadata: broker.MessageMetadata{
					Partition: sm.Partition,
					Offset:    sm.Offset,
					Raw:       sm,
					Commit: func(ctx context.Context) error {
						session.MarkMessage(sm, "")
						return nil
					},
				},
			}
			if id, ok := m.Headers["message-id"]; ok {
				m.ID = id
			}

			if err := h.handler(session.Context(), m); err != nil {
				return err
			}
		}
	}
}

var _ sarama.ConsumerGroupHandler = (*groupHandler)(nil)
