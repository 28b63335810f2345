// Package endpoint maps logical destinations (an order service's "orders"
// topic, a notification service's "emails" queue) to broker-level routing
// information, and lets producers look an endpoint up by either its durable
// name or a short friendly alias.
package endpoint

import (
	"sync"
	"time"

	"github.com/silverback-go/silverback/pkg/errors"
)

// ProduceStrategy selects how a producer pipeline delivers to an endpoint.
type ProduceStrategy string

const (
	// StrategyDirect publishes straight to the broker within the caller's
	// goroutine, returning the broker's error wrapped as ProduceFailed on
	// failure.
	StrategyDirect ProduceStrategy = "direct"

	// StrategyOutbox writes the envelope to the transactional outbox table
	// in the caller's database transaction, to be relayed by the outbox
	// worker. Use this when the publish must be atomic with a local write.
	StrategyOutbox ProduceStrategy = "outbox"
)

// Configuration describes a single endpoint: where it routes and how
// producers should deliver to it.
type Configuration struct {
	// Name is the durable identifier other configuration refers to this
	// endpoint by. It never changes once assigned.
	Name string

	// FriendlyName is an optional short alias producers may look the
	// endpoint up by instead of its full Name.
	FriendlyName string

	// Topic is the broker-level topic/queue/exchange name.
	Topic string

	// Driver names the broker adapter this endpoint is reachable through
	// (kafka, mqtt, rabbitmq, memory).
	Driver string

	// Strategy selects Direct or Outbox delivery.
	Strategy ProduceStrategy

	// Key, when non-empty, is a static partitioning key used when the
	// outbound envelope does not set its own Key.
	Key []byte

	// MessageType is the fully-qualified type name this endpoint's producer
	// accepts. ProducersFor matches an outbound message against this field
	// to decide which endpoints it routes to.
	MessageType string

	// NonRouting, when true, excludes this endpoint from ProducersFor
	// lookups by message type: it can still be addressed directly through
	// LookupByEndpointOrFriendlyName, but a publish-by-type skips it. This
	// is the registry-side half of the enable_subscribing config flag.
	NonRouting bool

	// Validation selects the endpoint's Validate-stage behavior: "none",
	// "warn" (log and continue) or "throw" (reject with
	// MessageValidationFailed). Empty defaults to "throw", matching the
	// config surface's own `validation = none|warn|throw` key.
	Validation string

	// ChunkSize is the maximum serialized payload size, in bytes, before the
	// producer pipeline's Chunk stage splits a message into fragments. Zero
	// or negative disables chunking for this endpoint.
	ChunkSize int

	// BatchSize, when greater than zero, groups up to this many consumed
	// envelopes into one batch sequence (spec §3/§4.7/config surface
	// `batch.size`) delivered to a single subscriber invocation instead of
	// dispatching each envelope individually. Zero disables batching.
	BatchSize int

	// BatchTimeout force-completes an open batch that hasn't reached
	// BatchSize within this long of its first envelope arriving (config
	// surface `batch.timeout`). Zero disables the timeout-based flush, so a
	// batch only ever completes by reaching BatchSize.
	BatchTimeout time.Duration

	// Streaming, when true, opens an unbounded stream sequence for this
	// endpoint's consumer instead of batching or per-envelope dispatch,
	// delivering envelopes one at a time to a single subscriber invocation
	// that runs for the lifetime of a partition's assignment. Mutually
	// exclusive with BatchSize in practice, though nothing here enforces
	// that; the consumer pipeline a caller builds picks one mode or the
	// other by which stages it wires.
	Streaming bool
}

// ErrDuplicateFriendlyName is returned by Register when a friendly name is
// already claimed by a different endpoint.
var ErrDuplicateFriendlyName = errors.New(errors.CodeAlreadyExists, "friendly name already registered", nil)

// ErrNotFound is returned when a lookup can't find a matching endpoint.
var ErrNotFound = errors.New(errors.CodeNotFound, "endpoint not found", nil)

// Registry holds endpoint configurations and resolves producers for them.
type Registry struct {
	mu         sync.RWMutex
	byName     map[string]Configuration
	byFriendly map[string]string // friendly name -> Name
}

func NewRegistry() *Registry {
	return &Registry{
		byName:     make(map[string]Configuration),
		byFriendly: make(map[string]string),
	}
}

// Register adds an endpoint configuration. It fails if FriendlyName is set
// and already claimed by a different endpoint Name.
func (r *Registry) Register(cfg Configuration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg.FriendlyName != "" {
		if existing, ok := r.byFriendly[cfg.FriendlyName]; ok && existing != cfg.Name {
			return errors.Wrap(ErrDuplicateFriendlyName, cfg.FriendlyName)
		}
	}

	r.byName[cfg.Name] = cfg
	if cfg.FriendlyName != "" {
		r.byFriendly[cfg.FriendlyName] = cfg.Name
	}
	return nil
}

// LookupByEndpointOrFriendlyName resolves a configuration by either its
// durable Name or a registered FriendlyName, trying Name first.
func (r *Registry) LookupByEndpointOrFriendlyName(ref string) (Configuration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.byName[ref]; ok {
		return cfg, nil
	}
	if name, ok := r.byFriendly[ref]; ok {
		return r.byName[name], nil
	}
	return Configuration{}, errors.Wrap(ErrNotFound, ref)
}

// All returns every registered configuration.
func (r *Registry) All() []Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Configuration, 0, len(r.byName))
	for _, cfg := range r.byName {
		out = append(out, cfg)
	}
	return out
}

// ProducersFor returns every registered, routing-eligible endpoint whose
// MessageType matches messageType, in no particular order. Tombstones (a
// nil payload published with a declared type) and header-only wrappers
// route the same as a plain message of that type: callers pass the inner,
// unwrapped type name rather than a wrapper's own type.
func (r *Registry) ProducersFor(messageType string) []Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Configuration
	for _, cfg := range r.byName {
		if cfg.NonRouting {
			continue
		}
		if cfg.MessageType == messageType {
			out = append(out, cfg)
		}
	}
	return out
}
