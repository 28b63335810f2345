package wiretest

import (
	"context"
	"testing"
	"time"

	"github.com/silverback-go/silverback/pkg/broker"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// RunBrokerTests exercises the broker.Broker contract against b: publish a
// message, consume it back, and confirm the payload survives the round trip.
// Headers are sent but not asserted. It takes any adapter (memory, kafka,
// mqtt, rabbitmq), so each can be held to the same interface contract.
func RunBrokerTests(t *testing.T, b broker.Broker) {
	t.Helper()

	topic := "wiretest-" + uuid.New().String()

	producer, err := b.Producer(topic)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := b.Consumer(topic, "wiretest")
	require.NoError(t, err)
	defer consumer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *broker.Message, 1)
	go func() {
		_ = consumer.Consume(ctx, func(_ context.Context, msg *broker.Message) error {
			received <- msg
			return nil
		})
	}()

	// Give the consumer a moment to attach before publishing, since several
	// adapters (memory, mqtt) only deliver to subscribers already listening.
	time.Sleep(50 * time.Millisecond)

	want := &broker.Message{
		Topic:   topic,
		Payload: []byte("hello"),
		Headers: map[string]string{"x-test": "1"},
	}
	require.NoError(t, producer.Publish(ctx, want))

	select {
	case got := <-received:
		require.Equal(t, want.Payload, got.Payload)
	case <-ctx.Done():
		t.Fatal("timed out waiting for message")
	}
}
