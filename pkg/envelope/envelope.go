// Package envelope defines the outbound and inbound message shapes that flow
// through the producer and consumer pipelines, and the well-known headers
// the pipeline stages use to coordinate (chunking, encryption, routing,
// retry bookkeeping).
package envelope

import "time"

// Well-known headers. Every pipeline stage that needs to pass metadata to a
// later stage (possibly after a trip across the wire) does it through one of
// these rather than inventing a side channel.
const (
	HeaderMessageType       = "x-message-type"
	HeaderMessageID         = "x-message-id"
	HeaderChunkIndex        = "x-chunk-index"
	HeaderChunksCount       = "x-chunks-count"
	HeaderFirstChunkOffset  = "x-first-chunk-offset"
	HeaderLastChunk         = "x-last-chunk"
	HeaderEncryptionKeyID   = "x-encryption-key-id"
	HeaderFailedAttempts    = "x-failed-attempts"
	HeaderContentType       = "x-content-type"
	HeaderTombstone         = "x-tombstone"
)

// Headers is an ordered, case-insensitive, multi-valued header set, modeled
// on net/http's textproto.MIMEHeader but keeping insertion order so the
// first header a broker adapter writes to the wire is the first one back.
type Headers struct {
	order  []string
	values map[string][]string
}

func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

func canonical(key string) string {
	b := []byte(key)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Set replaces any existing values for key.
func (h *Headers) Set(key, value string) {
	k := canonical(key)
	if _, ok := h.values[k]; !ok {
		h.order = append(h.order, k)
	}
	h.values[k] = []string{value}
}

// Add appends value to key's existing values.
func (h *Headers) Add(key, value string) {
	k := canonical(key)
	if _, ok := h.values[k]; !ok {
		h.order = append(h.order, k)
	}
	h.values[k] = append(h.values[k], value)
}

// Get returns the first value for key, or "" if absent.
func (h *Headers) Get(key string) string {
	vs := h.values[canonical(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for key in insertion order.
func (h *Headers) Values(key string) []string {
	return h.values[canonical(key)]
}

// Has reports whether key has at least one value.
func (h *Headers) Has(key string) bool {
	_, ok := h.values[canonical(key)]
	return ok
}

// Del removes all values for key.
func (h *Headers) Del(key string) {
	k := canonical(key)
	if _, ok := h.values[k]; !ok {
		return
	}
	delete(h.values, k)
	for i, existing := range h.order {
		if existing == k {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Keys returns header names in insertion order.
func (h *Headers) Keys() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	out := NewHeaders()
	for _, k := range h.order {
		vs := h.values[k]
		cp := make([]string, len(vs))
		copy(cp, vs)
		out.order = append(out.order, k)
		out.values[k] = cp
	}
	return out
}

// ToMap flattens to a single-valued map, taking the first value of each key.
// Broker adapters whose wire format only supports single-valued headers
// (Kafka record headers are actually multi-valued, but MQTT user properties
// in v3 are not) use this at the edge.
func (h *Headers) ToMap() map[string]string {
	out := make(map[string]string, len(h.order))
	for _, k := range h.order {
		out[k] = h.values[k][0]
	}
	return out
}

// FromMap builds a Headers set from a flattened single-valued map. Iteration
// order over a Go map is undefined, so callers that care about header order
// on the wire should build Headers directly instead.
func FromMap(m map[string]string) *Headers {
	h := NewHeaders()
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// OutboundEnvelope is what application code hands to a producer. Endpoint
// resolves where it goes; Payload is the un-serialized value.
type OutboundEnvelope struct {
	Endpoint    string
	MessageType string
	MessageID   string
	Key         []byte
	Payload     interface{}
	Headers     *Headers
	CreatedAt   time.Time
}

// InboundEnvelope is what a consumer pipeline hands to application handlers
// after decryption, reassembly, deserialization and validation.
type InboundEnvelope struct {
	Endpoint    string
	MessageType string
	MessageID   string
	Key         []byte
	Payload     []byte
	Headers     *Headers
	ReceivedAt  time.Time
	Partition   int32
	Offset      int64

	// FailedAttempts is parsed from HeaderFailedAttempts; error policies use
	// it to decide when a message has exhausted its retry budget.
	FailedAttempts int
}

// IsTombstone reports whether the envelope is a deletion marker: an empty
// payload with HeaderTombstone set, the convention compacted topics use to
// signal "the record for this key no longer exists".
func (e *InboundEnvelope) IsTombstone() bool {
	return len(e.Payload) == 0 && e.Headers != nil && e.Headers.Get(HeaderTombstone) == "true"
}
