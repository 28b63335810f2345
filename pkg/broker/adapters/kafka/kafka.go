// Package kafka implements broker.Broker on top of IBM/sarama.
package kafka

import (
	"context"
	"time"

	"github.com/silverback-go/silverback/pkg/broker"

	"github.com/IBM/sarama"
)

// Config configures the Kafka adapter.
type Config struct {
	Brokers []string `env:"KAFKA_BROKERS" env-separator:","`

	// ClientID identifies this process to the cluster for logging/quotas.
	ClientID string `env:"KAFKA_CLIENT_ID" env-default:"silverback"`

	// Version pins the Kafka protocol version sarama negotiates.
	Version string `env:"KAFKA_VERSION" env-default:"3.6.0"`
}

// Broker is a Kafka-backed broker.Broker.
type Broker struct {
	cfg    Config
	client sarama.Client
}

// New dials the given Kafka brokers and returns a ready Broker.
func New(cfg Config) (*Broker, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Consumer.Return.Errors = true

	if cfg.Version != "" {
		if v, err := sarama.ParseKafkaVersion(cfg.Version); err == nil {
			saramaCfg.Version = v
		}
	}

	client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, broker.ErrConnectionFailed(err)
	}

	return &Broker{cfg: cfg, client: client}, nil
}

func (b *Broker) Producer(topic string) (broker.Producer, error) {
	syncProducer, err := sarama.NewSyncProducerFromClient(b.client)
	if err != nil {
		return nil, broker.ErrConnectionFailed(err)
	}
	return &producer{topic: topic, producer: syncProducer}, nil
}

func (b *Broker) Consumer(topic string, group string) (broker.Consumer, error) {
	if group == "" {
		group = "silverback"
	}
	consumerGroup, err := sarama.NewConsumerGroupFromClient(group, b.client)
	if err != nil {
		return nil, broker.ErrConnectionFailed(err)
	}
	return &consumer{topic: topic, group: consumerGroup}, nil
}

func (b *Broker) Close() error {
	return b.client.Close()
}

func (b *Broker) Healthy(ctx context.Context) bool {
	if b.client.Closed() {
		return false
	}
	_, err := b.client.Controller()
	return err == nil
}

var _ broker.Broker = (*Broker)(nil)

func headerSlice(h map[string]string) []sarama.RecordHeader {
	out := make([]sarama.RecordHeader, 0, len(h))
	for k, v := range h {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return out
}

func headerMap(h []*sarama.RecordHeader) map[string]string {
	out := make(map[string]string, len(h))
	for _, rh := range h {
		out[string(rh.Key)] = string(rh.Value)
	}
	return out
}

func stampTimestamp(msg *broker.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
}
