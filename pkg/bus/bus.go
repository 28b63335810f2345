// Package bus provides the in-process pub/sub side of Silverback: the
// local event bus application code publishes domain events to before the
// producer pipeline decides whether, and how, to relay them to an external
// broker.
package bus

import (
	"context"
	"time"
)

// Event is a local domain event, modeled loosely on CloudEvents.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Handler handles one event published on a topic.
type Handler func(ctx context.Context, event Event) error

// Bus is an in-process publish/subscribe channel. It has no knowledge of
// brokers, envelopes or wire formats; pkg/producer bridges a Bus
// subscription to an external broker.Producer.
type Bus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}
