package broker

import (
	"context"
	"sync"
	"time"

	"github.com/silverback-go/silverback/pkg/logger"
	"github.com/silverback-go/silverback/pkg/resilience"
)

// State is the lifecycle state of a ManagedConsumer.
type State string

const (
	StateInitializing  State = "initializing"
	StateInitialized   State = "initialized"
	StateReconnecting  State = "reconnecting"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
)

// Factory creates a fresh Consumer, used by ManagedConsumer to rebuild its
// underlying connection after a failure.
type Factory func() (Consumer, error)

// ManagedConsumer wraps a Consumer with the state machine and automatic
// reconnection Silverback requires every consumer client to expose:
// Initializing -> Initialized -> (Reconnecting on failure) -> Disconnecting
// -> Disconnected.
type ManagedConsumer struct {
	factory Factory
	backoff resilience.RetryConfig

	mu      sync.Mutex
	state   State
	current Consumer
	cancel  context.CancelFunc
}

// NewManagedConsumer builds a ManagedConsumer. backoff controls the delay
// between reconnect attempts after Consume returns a non-context error.
func NewManagedConsumer(factory Factory, backoff resilience.RetryConfig) *ManagedConsumer {
	return &ManagedConsumer{factory: factory, backoff: backoff, state: StateInitializing}
}

// State returns the consumer's current lifecycle state.
func (m *ManagedConsumer) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *ManagedConsumer) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Run drives the consumer until ctx is canceled, reconnecting with backoff
// whenever the underlying Consume call fails for a reason other than
// context cancellation.
func (m *ManagedConsumer) Run(ctx context.Context, handler MessageHandler) error {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	attempt := 0
	backoff := m.backoff.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	multiplier := m.backoff.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}
	maxBackoff := m.backoff.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	for {
		consumer, err := m.factory()
		if err != nil {
			m.setState(StateReconnecting)
			if !m.sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, multiplier, maxBackoff)
			attempt++
			continue
		}

		m.mu.Lock()
		m.current = consumer
		m.mu.Unlock()
		m.setState(StateInitialized)
		attempt = 0
		backoff = m.backoff.InitialBackoff
		if backoff <= 0 {
			backoff = 500 * time.Millisecond
		}

		err = consumer.Consume(ctx, handler)
		_ = consumer.Close()

		if ctx.Err() != nil {
			m.setState(StateDisconnecting)
			m.setState(StateDisconnected)
			return ctx.Err()
		}

		logger.L().ErrorContext(ctx, "consumer disconnected, reconnecting", "error", err, "attempt", attempt)
		m.setState(StateReconnecting)
		if !m.sleep(ctx, backoff) {
			m.setState(StateDisconnected)
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, multiplier, maxBackoff)
	}
}

func (m *ManagedConsumer) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current time.Duration, multiplier float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * multiplier)
	if next > max {
		next = max
	}
	return next
}

// Close stops the managed consumer loop and releases the underlying
// connection.
func (m *ManagedConsumer) Close() error {
	m.mu.Lock()
	m.state = StateDisconnecting
	cancel := m.cancel
	current := m.current
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if current != nil {
		err = current.Close()
	}

	m.setState(StateDisconnected)
	return err
}
