// Package memory provides an in-process broker.Broker implementation backed
// by buffered channels, used for tests and local development without a real
// broker running.
package memory

import (
	"context"
	"sync"

	"github.com/silverback-go/silverback/pkg/broker"

	"github.com/google/uuid"
)

// Config configures the in-memory broker.
type Config struct {
	// BufferSize is the channel buffer depth for each topic.
	BufferSize int
}

// Broker is an in-process broker.Broker.
type Broker struct {
	mu      sync.Mutex
	cfg     Config
	topics  map[string]*topic
	closed  bool
}

type topic struct {
	mu   sync.Mutex
	subs []chan *broker.Message
}

func New(cfg Config) *Broker {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 16
	}
	return &Broker{cfg: cfg, topics: make(map[string]*topic)}
}

func (b *Broker) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Producer(topicName string) (broker.Producer, error) {
	return &producer{broker: b, topic: topicName}, nil
}

func (b *Broker) Consumer(topicName string, _ string) (broker.Consumer, error) {
	t := b.topicFor(topicName)
	ch := make(chan *broker.Message, b.cfg.BufferSize)

	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()

	return &consumer{broker: b, topic: t, ch: ch}, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		t.mu.Lock()
		for _, ch := range t.subs {
			close(ch)
		}
		t.subs = nil
		t.mu.Unlock()
	}
	return nil
}

func (b *Broker) Healthy(context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

type producer struct {
	broker *Broker
	topic  string
}

func (p *producer) Publish(ctx context.Context, msg *broker.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Topic == "" {
		msg.Topic = p.topic
	}

	t := p.broker.topicFor(p.topic)
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, ch := range t.subs {
		cp := *msg
		select {
		case ch <- &cp:
		case <-ctx.Done():
			return ctx.Err()
		default:
			return broker.ErrQueueFull(nil)
		}
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
	broker *Broker
	topic  *topic
	ch     chan *broker.Message
}

func (c *consumer) Consume(ctx context.Context, handler broker.MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.ch:
			if !ok {
				return nil
			}
			if err := handler(ctx, msg); err != nil {
				return err
			}
		}
	}
}

func (c *consumer) Close() error {
	c.topic.mu.Lock()
	defer c.topic.mu.Unlock()
	for i, ch := range c.topic.subs {
		if ch == c.ch {
			c.topic.subs = append(c.topic.subs[:i], c.topic.subs[i+1:]...)
			break
		}
	}
	return nil
}

var _ broker.Broker = (*Broker)(nil)
