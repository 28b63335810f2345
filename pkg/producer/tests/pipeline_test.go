package producer_test

import (
	"context"
	"testing"
	"time"

	"github.com/silverback-go/silverback/internal/wiretest"
	"github.com/silverback-go/silverback/pkg/broker"
	brokermem "github.com/silverback-go/silverback/pkg/broker/adapters/memory"
	"github.com/silverback-go/silverback/pkg/codec"
	"github.com/silverback-go/silverback/pkg/crypto"
	"github.com/silverback-go/silverback/pkg/endpoint"
	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/errors"
	"github.com/silverback-go/silverback/pkg/producer"
	"github.com/silverback-go/silverback/pkg/validator"
)

type event struct {
	Text string
}

type strictEvent struct {
	Text string `validate:"required"`
}

type PipelineSuite struct {
	wiretest.Suite
}

func TestPipelineSuite(t *testing.T) {
	wiretest.Run(t, &PipelineSuite{})
}

func (s *PipelineSuite) TestSerializeStampsHeaders() {
	p := producer.New(producer.SerializeStage(codec.NewJSON()))
	env := &envelope.OutboundEnvelope{MessageType: "orders.Created", Payload: event{Text: "hi"}}

	s.Require().NoError(p.Run(s.Ctx, env, endpoint.Configuration{}))
	s.NotEmpty(env.MessageID)
	s.Equal("orders.Created", env.Headers.Get(envelope.HeaderMessageType))
	s.Equal("application/json", env.Headers.Get(envelope.HeaderContentType))
}

func (s *PipelineSuite) TestValidateRejectsInvalidTopic() {
	v := validator.New()
	p := producer.New(
		producer.SerializeStage(codec.NewJSON()),
		producer.ValidateStage(v),
	)
	env := &envelope.OutboundEnvelope{Payload: event{}}

	err := p.Run(s.Ctx, env, endpoint.Configuration{Topic: "bad/topic"})
	s.Error(err)
	s.Equal(errors.CodeMessageValidationFailed, errors.CodeOf(err))
}

func (s *PipelineSuite) TestValidateRejectsInvalidPayload() {
	v := validator.New()
	p := producer.New(
		producer.SerializeStage(codec.NewJSON()),
		producer.ValidateStage(v),
	)
	env := &envelope.OutboundEnvelope{Payload: strictEvent{}}

	err := p.Run(s.Ctx, env, endpoint.Configuration{Topic: "orders"})
	s.Error(err)
	s.Equal(errors.CodeMessageValidationFailed, errors.CodeOf(err))
}

func (s *PipelineSuite) TestValidateLogWarningModeContinuesOnFailure() {
	v := validator.New()
	p := producer.New(
		producer.SerializeStage(codec.NewJSON()),
		producer.ValidateStage(v, producer.ValidationLogWarning),
	)
	env := &envelope.OutboundEnvelope{Payload: strictEvent{}}

	s.NoError(p.Run(s.Ctx, env, endpoint.Configuration{Topic: "orders"}))
}

func (s *PipelineSuite) TestValidateNoneModeSkipsValidation() {
	v := validator.New()
	p := producer.New(
		producer.SerializeStage(codec.NewJSON()),
		producer.ValidateStage(v, producer.ValidationNone),
	)
	env := &envelope.OutboundEnvelope{Payload: strictEvent{}}

	s.NoError(p.Run(s.Ctx, env, endpoint.Configuration{Topic: "bad/topic"}))
}

func (s *PipelineSuite) TestEnrichStageAppliesHeaders() {
	p := producer.New(
		producer.SerializeStage(codec.NewJSON()),
		producer.EnrichStage(func(_ context.Context, env *envelope.OutboundEnvelope) {
			env.Headers.Set("x-tenant", "acme")
		}),
	)
	env := &envelope.OutboundEnvelope{Payload: event{}}

	s.Require().NoError(p.Run(s.Ctx, env, endpoint.Configuration{}))
	s.Equal("acme", env.Headers.Get("x-tenant"))
}

func (s *PipelineSuite) TestChunkAndDirectProduceEndToEnd() {
	b := brokermem.New(brokermem.Config{BufferSize: 16})
	bp, err := b.Producer("orders")
	s.Require().NoError(err)

	bc, err := b.Consumer("orders", "")
	s.Require().NoError(err)

	received := make(chan *broker.Message, 16)
	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()
	go func() {
		_ = bc.Consume(ctx, func(_ context.Context, msg *broker.Message) error {
			received <- msg
			return nil
		})
	}()

	p := producer.New(
		producer.SerializeStage(codec.NewJSON()),
		producer.ChunkStage(10),
		producer.DirectProduceStage(func(string) (broker.Producer, error) { return bp, nil }),
	)

	env := &envelope.OutboundEnvelope{MessageType: "event", Payload: event{Text: "a fairly long piece of text"}}
	s.Require().NoError(p.Run(s.Ctx, env, endpoint.Configuration{Name: "orders-out", Topic: "orders"}))

	var fragments []*broker.Message
	deadline := time.After(2 * time.Second)
collect:
	for {
		select {
		case msg := <-received:
			fragments = append(fragments, msg)
		case <-time.After(100 * time.Millisecond):
			// No fragment arrived for a while: the batch is done.
			break collect
		case <-deadline:
			break collect
		}
	}

	s.GreaterOrEqual(len(fragments), 2, "the serialized payload must have been split across multiple broker messages")
	for _, f := range fragments {
		s.LessOrEqual(len(f.Payload), 10)
	}
}

func (s *PipelineSuite) TestEncryptStageSealsPayload() {
	resolver, err := crypto.NewStaticResolver("k1", map[string][]byte{"k1": []byte("0123456789abcdef")})
	s.Require().NoError(err)
	cipher := crypto.NewCipher(resolver)

	p := producer.New(
		producer.SerializeStage(codec.NewJSON()),
		producer.EncryptStage(cipher),
	)
	env := &envelope.OutboundEnvelope{Payload: event{Text: "secret"}}

	s.Require().NoError(p.Run(s.Ctx, env, endpoint.Configuration{}))
	s.Equal("k1", env.Headers.Get(envelope.HeaderEncryptionKeyID))
}

func (s *PipelineSuite) TestEncryptStageSkippedWhenNilCipher() {
	p := producer.New(
		producer.SerializeStage(codec.NewJSON()),
		producer.EncryptStage(nil),
	)
	env := &envelope.OutboundEnvelope{Payload: event{}}

	s.Require().NoError(p.Run(s.Ctx, env, endpoint.Configuration{}))
	s.False(env.Headers.Has(envelope.HeaderEncryptionKeyID))
}
