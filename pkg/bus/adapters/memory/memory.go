// Package memory implements bus.Bus in process: Publish calls each
// subscribed handler synchronously, in subscription order, and stops at the
// first handler error.
package memory

import (
	"context"
	"sync"

	"github.com/silverback-go/silverback/pkg/bus"
)

// Bus is an in-process bus.Bus.
type Bus struct {
	mu     sync.RWMutex
	topics map[string][]bus.Handler
	closed bool
}

func New() *Bus {
	return &Bus{topics: make(map[string][]bus.Handler)}
}

func (b *Bus) Publish(ctx context.Context, topic string, event bus.Event) error {
	b.mu.RLock()
	handlers := append([]bus.Handler(nil), b.topics[topic]...)
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) Subscribe(_ context.Context, topic string, handler bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics[topic] = append(b.topics[topic], handler)
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.topics = nil
	return nil
}

var _ bus.Bus = (*Bus)(nil)
