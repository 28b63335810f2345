// Package mqtt implements broker.Broker on top of
// eclipse/paho.mqtt.golang. MQTT has no native consumer-group concept, so
// Consumer's group argument is accepted for interface symmetry but ignored;
// every subscriber receives every message published at its QoS.
package mqtt

import (
	"context"
	"time"

	"github.com/silverback-go/silverback/pkg/broker"

	mqttlib "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Config configures the MQTT adapter.
type Config struct {
	BrokerURL string        `env:"MQTT_BROKER_URL" env-default:"tcp://localhost:1883"`
	ClientID  string        `env:"MQTT_CLIENT_ID" env-default:"silverback"`
	Username  string        `env:"MQTT_USERNAME"`
	Password  string        `env:"MQTT_PASSWORD"`
	QoS       byte          `env:"MQTT_QOS" env-default:"1"`
	ConnectTimeout time.Duration `env:"MQTT_CONNECT_TIMEOUT" env-default:"10s"`
}

// Broker is an MQTT-backed broker.Broker.
type Broker struct {
	cfg    Config
	client mqttlib.Client
}

// New dials the configured MQTT broker and returns a ready Broker.
func New(cfg Config) (*Broker, error) {
	opts := mqttlib.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqttlib.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, broker.ErrTimeout("connect", nil)
	}
	if err := token.Error(); err != nil {
		return nil, broker.ErrConnectionFailed(err)
	}

	return &Broker{cfg: cfg, client: client}, nil
}

func (b *Broker) Producer(topic string) (broker.Producer, error) {
	return &producer{client: b.client, topic: topic, qos: b.cfg.QoS}, nil
}

func (b *Broker) Consumer(topic string, _ string) (broker.Consumer, error) {
	return &consumer{client: b.client, topic: topic, qos: b.cfg.QoS, messages: make(chan mqttlib.Message, 64)}, nil
}

func (b *Broker) Close() error {
	b.client.Disconnect(250)
	return nil
}

func (b *Broker) Healthy(context.Context) bool {
	return b.client.IsConnectionOpen()
}

var _ broker.Broker = (*Broker)(nil)

type producer struct {
	client mqttlib.Client
	topic  string
	qos    byte
}

func (p *producer) Publish(ctx context.Context, msg *broker.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	topic := msg.Topic
	if topic == "" {
		topic = p.topic
	}

	token := p.client.Publish(topic, p.qos, false, msg.Payload)
	token.Wait()
	if err := token.Error(); err != nil {
		return broker.ErrPublishFailed(err)
	}
	return nil
}

func (p *producer) PublishBatch(ctx context.Context, msgs []*broker.Message) error {
	for _, msg := range msgs {
		if err := p.Publish(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *producer) Close() error { return nil }

type consumer struct {
	client   mqttlib.Client
	topic    string
	qos      byte
	messages chan mqttlib.Message
}

// Consume acks each message individually, via Metadata.Commit, once the
// consumer pipeline has processed it. Like the RabbitMQ adapter, paho has
// no cumulative ack across a batch, so a CommitPolicy with EveryN greater
// than 1 would leave earlier in-flight messages unacked until an unrelated
// later one crosses the threshold. Use CommitPolicy{EveryN: 1} for MQTT.
func (c *consumer) Consume(ctx context.Context, handler broker.MessageHandler) error {
	token := c.client.Subscribe(c.topic, c.qos, func(_ mqttlib.Client, m mqttlib.Message) {
		select {
		case c.messages <- m:
		default:
		}
	})
	token.Wait()
	if err := token.Error(); err != nil {
		return broker.ErrConsumeFailed(err)
	}
	defer c.client.Unsubscribe(c.topic)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.messages:
			message := m
			msg := &broker.Message{
				Topic:   message.Topic(),
				Payload: message.Payload(),
				Metadata: broker.MessageMetadata{
					Raw: message,
					Commit: func(context.Context) error {
						message.Ack()
						return nil
					},
				},
			}
			// As with the other adapters, handler only enqueues msg for the
			// consumer pipeline; the QoS ack is deferred to Metadata.Commit
			// so it fires only once the pipeline has actually processed it.
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *consumer) Close() error {
	return nil
}

var _ broker.Consumer = (*consumer)(nil)
