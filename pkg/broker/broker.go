// Package broker provides the low-level transport abstraction that the
// producer and consumer pipelines sit on top of.
//
// This package defines the core interfaces for producing and consuming raw
// messages across the three broker families Silverback targets: Kafka,
// MQTT and RabbitMQ. Each adapter lives in its own sub-package
// (pkg/broker/adapters/{driver}) so a binary only pulls in the client SDK it
// actually uses.
//
// # Usage
//
//	import (
//	    "github.com/silverback-go/silverback/pkg/broker"
//	    "github.com/silverback-go/silverback/pkg/broker/adapters/kafka"
//	)
//
//	b, err := kafka.New(kafka.Config{Brokers: []string{"localhost:9092"}})
//	producer, err := b.Producer("orders")
//	defer producer.Close()
//
//	err = producer.Publish(ctx, &broker.Message{
//	    ID:      uuid.New().String(),
//	    Topic:   "orders",
//	    Payload: []byte(`{"event": "order.created"}`),
//	})
package broker

import (
	"context"
	"time"
)

// Message is the wire-level unit a producer sends and a consumer receives.
// The producer and consumer pipelines build envelope.OutboundEnvelope and
// envelope.InboundEnvelope on top of this; Message itself carries no
// knowledge of chunking, encryption or sequencing.
type Message struct {
	ID string `json:"id"`

	Topic string `json:"topic"`

	// Key is used for partitioning in systems that support it (Kafka).
	Key []byte `json:"key,omitempty"`

	Payload []byte `json:"payload"`

	Headers map[string]string `json:"headers,omitempty"`

	Timestamp time.Time `json:"timestamp"`

	Metadata MessageMetadata `json:"metadata,omitempty"`
}

// MessageMetadata carries broker-specific facts about a received message.
type MessageMetadata struct {
	Partition int32 `json:"partition,omitempty"`

	Offset int64 `json:"offset,omitempty"`

	DeliveryCount int `json:"delivery_count,omitempty"`

	Raw interface{} `json:"-"`

	// Commit performs the broker's own native offset acknowledgement for
	// this message (e.g. a Kafka consumer-group session.MarkOffset, an AMQP
	// channel.Ack). Adapters that expose partition/offset semantics set
	// this instead of acknowledging inline, so the commit only happens once
	// the consumer pipeline's offset tracker decides it's time — never
	// before the message has actually been processed. Nil for adapters with
	// no broker-native commit step (e.g. the in-memory adapter).
	Commit func(ctx context.Context) error `json:"-"`
}

// MessageHandler processes incoming messages. Returning nil does not
// acknowledge the message: adapters defer that to MessageMetadata.Commit.
// A non-nil error ends the adapter's Consume loop and leaves the message
// unacknowledged so the broker can redeliver it.
type MessageHandler func(ctx context.Context, msg *Message) error

// Producer sends messages to a topic/queue/exchange.
type Producer interface {
	Publish(ctx context.Context, msg *Message) error
	PublishBatch(ctx context.Context, msgs []*Message) error
	Close() error
}

// Consumer receives messages from a topic/queue.
type Consumer interface {
	// Consume blocks, invoking handler for each message until ctx is
	// canceled or an unrecoverable error occurs.
	Consume(ctx context.Context, handler MessageHandler) error
	Close() error
}

// Broker manages connections and creates producers/consumers. Each adapter
// implements this for its own wire protocol.
type Broker interface {
	Producer(topic string) (Producer, error)

	// Consumer creates a consumer for topic under the given consumer group
	// (ignored by brokers without a native grouping concept, e.g. MQTT).
	Consumer(topic string, group string) (Consumer, error)

	Close() error

	Healthy(ctx context.Context) bool
}
