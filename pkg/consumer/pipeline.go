// Package consumer drives the per-partition consume loop, reassembles
// chunked messages, and runs each completed envelope through an ordered
// pipeline: Decrypt, Reassemble, Deserialize, Validate, Sequence, Dispatch,
// Acknowledge. It mirrors pkg/producer's stage-chaining shape in reverse.
package consumer

import (
	"context"
	stderrors "errors"
	"strconv"

	"github.com/silverback-go/silverback/pkg/codec"
	"github.com/silverback-go/silverback/pkg/crypto"
	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/errors"
	"github.com/silverback-go/silverback/pkg/logger"
	"github.com/silverback-go/silverback/pkg/sequence"
	"github.com/silverback-go/silverback/pkg/validator"
)

// ValidationMode mirrors the producer side's: None skips the stage,
// LogWarning logs and continues, ThrowException rejects the envelope with a
// MessageValidationFailed error.
type ValidationMode string

const (
	ValidationNone       ValidationMode = "none"
	ValidationLogWarning ValidationMode = "warn"
	ValidationThrow      ValidationMode = "throw"
)

func resolveMode(mode []ValidationMode) ValidationMode {
	if len(mode) == 0 || mode[0] == "" {
		return ValidationThrow
	}
	return mode[0]
}

// Handler processes a fully reassembled, decrypted, deserialized envelope.
type Handler func(ctx context.Context, env *envelope.InboundEnvelope, payload interface{}) error

// State carries one inbound message through the pipeline.
type State struct {
	Envelope *envelope.InboundEnvelope
	Payload  interface{}
	// Target is the value Deserialize unmarshals into; application code
	// sets this before running the pipeline (e.g. a pointer to its own
	// event struct), or leaves it nil to receive raw bytes.
	Target interface{}

	// Items holds the accumulated envelopes once SequenceStage completes a
	// batch sequence; nil otherwise. BatchDispatchStage reads it.
	Items []sequence.Item

	// Ack commits this envelope's own offset. The ordinary single-envelope
	// path acknowledges on a nil Pipeline.Run return instead and never
	// needs this, but batch-timeout flushes and stream sequences dispatch
	// outside that return path, so SequenceStage/StreamStage carry it
	// forward on each accumulated Item for whichever handler eventually
	// processes it.
	Ack func()
}

// Stage transforms State, calling next to continue or returning to abort.
// A stage that buffers (Reassemble, a batching Sequence) halts the chain by
// returning the internal halt signal (see IsHalted) because the message
// isn't ready yet.
type Stage func(ctx context.Context, s *State, next func(ctx context.Context, s *State) error) error

// Pipeline is an ordered stage chain ending in Dispatch/Acknowledge.
type Pipeline struct {
	stages []Stage
}

func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

func (p *Pipeline) Run(ctx context.Context, env *envelope.InboundEnvelope) error {
	return p.RunWithAck(ctx, env, func() {})
}

// RunWithAck is Run, but also threads an acknowledge callback through
// State.Ack for stages that need to commit an envelope's offset outside
// the normal "nil Pipeline.Run return" path — see SequenceStage's batch
// formation and StreamStage.
func (p *Pipeline) RunWithAck(ctx context.Context, env *envelope.InboundEnvelope, ack func()) error {
	s := &State{Envelope: env, Ack: ack}
	return p.runFrom(ctx, 0, s)
}

func (p *Pipeline) runFrom(ctx context.Context, i int, s *State) error {
	if i >= len(p.stages) {
		return nil
	}
	return p.stages[i](ctx, s, func(ctx context.Context, s *State) error {
		return p.runFrom(ctx, i+1, s)
	})
}

// haltSignal is the sentinel buffering stages return to halt the chain. It
// is returned to the caller of Pipeline.Run, which tells it apart from a
// real failure with IsHalted.
type haltSignal struct{}

func (haltSignal) Error() string { return "sequence: message buffered, awaiting more chunks" }

// IsHalted reports whether err is the internal buffering signal rather than
// a real failure, so callers (the channel reader loop) know not to invoke
// an error policy for it.
func IsHalted(err error) bool {
	_, ok := err.(haltSignal)
	return ok
}

// dropSignal is returned by ReassembleStage for chunks the sequence store
// silently discards (a duplicate, or a continuation chunk whose first
// fragment was never seen). Per spec these advance the offset exactly like
// a successfully dispatched envelope, but never reach Deserialize/Dispatch
// and must never go through the error policy.
type dropSignal struct{ cause error }

func (d dropSignal) Error() string { return "sequence: chunk dropped: " + d.cause.Error() }
func (d dropSignal) Unwrap() error { return d.cause }

// IsDropped reports whether err is a silent chunk drop (duplicate or
// missing-first-chunk) rather than a real pipeline failure.
func IsDropped(err error) bool {
	_, ok := err.(dropSignal)
	return ok
}

// DecryptStage opens the payload if the envelope carries an encryption key
// ID header; otherwise it's a no-op. A nil Cipher also skips decryption.
func DecryptStage(c *crypto.Cipher) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		keyID := s.Envelope.Headers.Get(envelope.HeaderEncryptionKeyID)
		if c == nil || keyID == "" {
			return next(ctx, s)
		}

		plain, err := c.Decrypt(ctx, s.Envelope.Payload, keyID)
		if err != nil {
			return err
		}
		s.Envelope.Payload = plain

		return next(ctx, s)
	}
}

// ReassembleStage buffers chunked messages in store until the full set has
// arrived, then continues the chain with the assembled payload. Messages
// that aren't chunked (no x-chunks-count header) pass straight through.
func ReassembleStage(store *sequence.Store) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		if !s.Envelope.Headers.Has(envelope.HeaderChunksCount) {
			return next(ctx, s)
		}

		assembled, complete, err := store.Add(s.Envelope)
		if err != nil {
			if stderrors.Is(err, sequence.ErrDuplicateChunk) || stderrors.Is(err, sequence.ErrMissingFirstChunk) {
				return dropSignal{cause: err}
			}
			return err
		}
		if !complete {
			return haltSignal{}
		}

		s.Envelope.Payload = assembled
		return next(ctx, s)
	}
}

// DeserializeStage unmarshals the envelope payload into s.Target using c.
// If s.Target is nil, the raw payload is passed through as s.Payload
// instead.
func DeserializeStage(c codec.Serializer) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		if s.Target == nil {
			s.Payload = s.Envelope.Payload
			return next(ctx, s)
		}

		if err := c.Unmarshal(s.Envelope.Payload, s.Target); err != nil {
			return err
		}
		s.Payload = s.Target

		return next(ctx, s)
	}
}

// ValidateStage runs s.Target (if it carries struct validation tags) through
// v. mode defaults to ValidationThrow when omitted. A nil Target or nil
// Validator skips validation entirely regardless of mode.
func ValidateStage(v *validator.Validator, mode ...ValidationMode) Stage {
	m := resolveMode(mode)
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		if v == nil || s.Target == nil || m == ValidationNone {
			return next(ctx, s)
		}
		if err := v.ValidateStruct(s.Target); err != nil {
			verr := errors.ErrMessageValidationFailed(err)
			if m == ValidationLogWarning {
				logger.L().WarnContext(ctx, "message failed validation", "error", verr)
				return next(ctx, s)
			}
			return verr
		}
		return next(ctx, s)
	}
}

// SequenceStage parses the envelope's x-failed-attempts header into
// FailedAttempts so downstream error policies can act on it, and, when
// passed a batch store, accumulates the envelope into that partition's
// batch sequence (spec §3/§4.7: "consumer-configured fixed size N, arrival
// order within a partition"). With no batch store the envelope passes
// straight through one at a time, as before.
//
// While a batch is still accumulating, the chain halts exactly like
// ReassembleStage does while a chunk set is incomplete: nothing is
// acknowledged or retried for the buffered envelope, since it hasn't
// reached a subscriber yet. Once a batch completes, State.Items is set and
// the chain continues into BatchDispatchStage.
func SequenceStage(batches ...*sequence.BatchStore) Stage {
	var store *sequence.BatchStore
	if len(batches) > 0 {
		store = batches[0]
	}

	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		if v := s.Envelope.Headers.Get(envelope.HeaderFailedAttempts); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				s.Envelope.FailedAttempts = n
			}
		}

		if store == nil {
			return next(ctx, s)
		}

		item := sequence.Item{Envelope: s.Envelope, Payload: s.Payload, Ack: s.Ack}
		batch, complete := store.Add(s.Envelope.Partition, item)
		if !complete {
			return haltSignal{}
		}
		s.Items = batch.Items()
		return next(ctx, s)
	}
}

// BatchHandler processes a complete batch sequence in a single subscriber
// invocation, receiving every accumulated item in arrival order.
type BatchHandler func(ctx context.Context, items []sequence.Item) error

// BatchDispatchStage is the batch-sequence analogue of DispatchStage: it
// fires handler once per completed batch (see SequenceStage) instead of
// once per envelope. Endpoints that don't batch never set State.Items, so
// this stage is a no-op pass-through for them.
func BatchDispatchStage(handler BatchHandler) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		if s.Items == nil {
			return next(ctx, s)
		}
		if err := handler(ctx, s.Items); err != nil {
			return err
		}
		return next(ctx, s)
	}
}

// StreamHandler processes one item at a time from an open-ended stream
// sequence, for the lifetime of a partition's assignment. Returning
// keepGoing=false (an end-of-stream sentinel) or a non-nil error ends the
// stream; a nil error acknowledges the item's offset before the next one
// is delivered.
type StreamHandler func(ctx context.Context, env *envelope.InboundEnvelope, payload interface{}) (keepGoing bool, err error)

// StreamStage opens (on first use) an unbounded stream sequence for the
// envelope's partition and appends into it, always halting the chain: a
// stream's subscriber runs once, on its own goroutine, for the partition's
// whole assignment lifetime, rather than being invoked per envelope like
// DispatchStage. It is the streaming analogue of SequenceStage+
// BatchDispatchStage, used instead of them on endpoints configured with
// streaming rather than batching.
func StreamStage(streams *sequence.StreamStore, handler StreamHandler) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		stream, opened := streams.Open(s.Envelope.Partition)
		if opened {
			go runStream(ctx, s.Envelope.Partition, stream, handler)
		}
		stream.Append(sequence.Item{Envelope: s.Envelope, Payload: s.Payload, Ack: s.Ack})
		return haltSignal{}
	}
}

func runStream(ctx context.Context, partition int32, stream *sequence.Stream, handler StreamHandler) {
	stream.Range(func(item sequence.Item) bool {
		keepGoing, err := handler(ctx, item.Envelope, item.Payload)
		if err != nil {
			logger.L().ErrorContext(ctx, "stream sequence handler failed", "partition", partition, "message_id", item.Envelope.MessageID, "error", err)
			return false
		}
		if item.Ack != nil {
			item.Ack()
		}
		return keepGoing
	})
}

// DispatchStage invokes the application handler with the fully processed
// envelope and payload.
func DispatchStage(handler Handler) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		if err := handler(ctx, s.Envelope, s.Payload); err != nil {
			return err
		}
		return next(ctx, s)
	}
}
