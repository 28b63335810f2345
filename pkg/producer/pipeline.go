// Package producer assembles the ordered pipeline an outbound envelope
// passes through before it reaches a broker: Serialize, Validate, Enrich,
// Encrypt, Chunk, then Produce. Each stage only knows about the state
// object, the way pkg/logger chains slog.Handlers — a stage wraps the next
// and decides whether, and how, to call it.
package producer

import (
	"context"

	"github.com/silverback-go/silverback/pkg/codec"
	"github.com/silverback-go/silverback/pkg/crypto"
	"github.com/silverback-go/silverback/pkg/endpoint"
	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/errors"
	"github.com/silverback-go/silverback/pkg/logger"
	"github.com/silverback-go/silverback/pkg/validator"

	"github.com/google/uuid"
)

// ValidationMode mirrors the endpoint's `validation` config key: None skips
// the stage entirely, LogWarning logs and continues, ThrowException rejects
// the envelope with a MessageValidationFailed error.
type ValidationMode string

const (
	ValidationNone      ValidationMode = "none"
	ValidationLogWarning ValidationMode = "warn"
	ValidationThrow     ValidationMode = "throw"
)

// State carries an outbound envelope through the pipeline, accumulating the
// serialized/encrypted/chunked forms each stage produces.
type State struct {
	Envelope   *envelope.OutboundEnvelope
	Endpoint   endpoint.Configuration
	Serialized []byte
	Chunks     [][]byte
}

// Stage transforms State, calling next to continue the chain or returning
// early (with or without an error) to short-circuit it.
type Stage func(ctx context.Context, s *State, next func(ctx context.Context, s *State) error) error

// Pipeline is an ordered chain of stages terminated by a Produce stage.
type Pipeline struct {
	stages []Stage
}

// New builds a pipeline from stages in the order they should run.
func New(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Run drives env through the pipeline.
func (p *Pipeline) Run(ctx context.Context, env *envelope.OutboundEnvelope, ep endpoint.Configuration) error {
	s := &State{Envelope: env, Endpoint: ep}
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

// SerializeStage marshals the envelope payload with the given codec and
// stamps the message ID and content-type header.
func SerializeStage(c codec.Serializer) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		if s.Envelope.MessageID == "" {
			s.Envelope.MessageID = uuid.New().String()
		}

		data, err := c.Marshal(s.Envelope.Payload)
		if err != nil {
			return err
		}
		s.Serialized = data

		if s.Envelope.Headers == nil {
			s.Envelope.Headers = envelope.NewHeaders()
		}
		s.Envelope.Headers.Set(envelope.HeaderContentType, c.ContentType())
		s.Envelope.Headers.Set(envelope.HeaderMessageID, s.Envelope.MessageID)
		if s.Envelope.MessageType != "" {
			s.Envelope.Headers.Set(envelope.HeaderMessageType, s.Envelope.MessageType)
		}

		return next(ctx, s)
	}
}

// ValidateStage checks the envelope's destination topic against v, and, when
// the payload is a struct carrying validate tags, the payload itself. mode
// defaults to ValidationThrow when omitted, matching the endpoint config
// surface's own default. A nil Validator skips the stage entirely.
func ValidateStage(v *validator.Validator, mode ...ValidationMode) Stage {
	m := resolveMode(mode)
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		if v == nil || m == ValidationNone {
			return next(ctx, s)
		}

		if err := v.ValidateVar(s.Endpoint.Topic, "topic_name"); err != nil {
			return handleValidationError(ctx, m, errors.Wrap(err, "invalid destination topic"), next, s)
		}
		if s.Envelope.Payload != nil {
			if err := v.ValidateStruct(s.Envelope.Payload); err != nil {
				return handleValidationError(ctx, m, err, next, s)
			}
		}
		return next(ctx, s)
	}
}

func resolveMode(mode []ValidationMode) ValidationMode {
	if len(mode) == 0 || mode[0] == "" {
		return ValidationThrow
	}
	return mode[0]
}

func handleValidationError(ctx context.Context, m ValidationMode, cause error, next func(context.Context, *State) error, s *State) error {
	verr := errors.ErrMessageValidationFailed(cause)
	if m == ValidationLogWarning {
		logger.L().WarnContext(ctx, "message failed validation", "error", verr)
		return next(ctx, s)
	}
	return verr
}

// EnrichFunc adds or overrides headers on an outbound envelope before it is
// encrypted or chunked — timestamps, trace IDs, tenant identifiers, whatever
// the application needs stamped on every message.
type EnrichFunc func(ctx context.Context, env *envelope.OutboundEnvelope)

// EnrichStage applies each EnrichFunc in order.
func EnrichStage(fns ...EnrichFunc) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		for _, fn := range fns {
			fn(ctx, s.Envelope)
		}
		return next(ctx, s)
	}
}

// EncryptStage seals the serialized payload with c and stamps the key ID
// used onto the envelope so the consumer pipeline knows which key to
// decrypt with. A nil Cipher skips encryption.
func EncryptStage(c *crypto.Cipher) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		if c == nil {
			return next(ctx, s)
		}

		sealed, keyID, err := c.Encrypt(ctx, s.Serialized)
		if err != nil {
			return err
		}
		s.Serialized = sealed
		s.Envelope.Headers.Set(envelope.HeaderEncryptionKeyID, keyID)

		return next(ctx, s)
	}
}

// ChunkStage splits the serialized payload into pieces no larger than
// maxSize. The produce stage after it stamps each piece with the chunk
// headers the consumer's sequence store expects. A maxSize <= 0, or a
// payload already within the limit, produces a single chunk, which the
// produce stages send without chunk headers.
func ChunkStage(maxSize int) Stage {
	return func(ctx context.Context, s *State, next func(context.Context, *State) error) error {
		if maxSize <= 0 || len(s.Serialized) <= maxSize {
			s.Chunks = [][]byte{s.Serialized}
			return next(ctx, s)
		}

		var chunks [][]byte
		for off := 0; off < len(s.Serialized); off += maxSize {
			end := off + maxSize
			if end > len(s.Serialized) {
				end = len(s.Serialized)
			}
			chunks = append(chunks, s.Serialized[off:end])
		}
		s.Chunks = chunks

		return next(ctx, s)
	}
}
