package consumer_test

import (
	"context"
	"strconv"
	"testing"

	"github.com/silverback-go/silverback/internal/wiretest"
	"github.com/silverback-go/silverback/pkg/codec"
	"github.com/silverback-go/silverback/pkg/consumer"
	"github.com/silverback-go/silverback/pkg/crypto"
	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/errors"
	"github.com/silverback-go/silverback/pkg/sequence"
	"github.com/silverback-go/silverback/pkg/validator"
)

type payload struct {
	ContentEventOne string `json:"ContentEventOne"`
}

type strictPayload struct {
	ContentEventOne string `json:"ContentEventOne" validate:"required"`
}

type PipelineSuite struct {
	wiretest.Suite
}

func TestPipelineSuite(t *testing.T) {
	wiretest.Run(t, &PipelineSuite{})
}

func targetStage() consumer.Stage {
	return func(ctx context.Context, s *consumer.State, next func(context.Context, *consumer.State) error) error {
		s.Target = &payload{}
		return next(ctx, s)
	}
}

func chunkEnvelope(messageID string, index, count int, body []byte) *envelope.InboundEnvelope {
	h := envelope.NewHeaders()
	h.Set(envelope.HeaderMessageID, messageID)
	h.Set(envelope.HeaderChunkIndex, strconv.Itoa(index))
	h.Set(envelope.HeaderChunksCount, strconv.Itoa(count))
	return &envelope.InboundEnvelope{Headers: h, Payload: body}
}

func (s *PipelineSuite) TestDeserializeAndDispatchSingleEnvelope() {
	var dispatched payload
	p := consumer.NewPipeline(
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.DispatchStage(func(_ context.Context, _ *envelope.InboundEnvelope, v interface{}) error {
			dispatched = *v.(*payload)
			return nil
		}),
	)

	env := &envelope.InboundEnvelope{
		Headers: envelope.NewHeaders(),
		Payload: []byte(`{"ContentEventOne":"hello"}`),
	}

	s.Require().NoError(p.Run(s.Ctx, env))
	s.Equal("hello", dispatched.ContentEventOne)
}

func (s *PipelineSuite) TestDispatchErrorPropagatesToCaller() {
	p := consumer.NewPipeline(
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.DispatchStage(func(context.Context, *envelope.InboundEnvelope, interface{}) error {
			return context.DeadlineExceeded
		}),
	)

	env := &envelope.InboundEnvelope{Headers: envelope.NewHeaders(), Payload: []byte(`{}`)}

	err := p.Run(s.Ctx, env)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.False(consumer.IsHalted(err))
}

func (s *PipelineSuite) TestReassembleHaltsUntilSequenceComplete() {
	store := sequence.NewStore(0)
	dispatchedCount := 0
	p := consumer.NewPipeline(
		consumer.ReassembleStage(store),
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.DispatchStage(func(context.Context, *envelope.InboundEnvelope, interface{}) error {
			dispatchedCount++
			return nil
		}),
	)

	first := chunkEnvelope("m1", 0, 2, []byte(`{"ContentEven`))
	err := p.Run(s.Ctx, first)
	s.True(consumer.IsHalted(err))
	s.Equal(0, dispatchedCount)

	second := chunkEnvelope("m1", 1, 2, []byte(`tOne":"hi"}`))
	s.Require().NoError(p.Run(s.Ctx, second))
	s.Equal(1, dispatchedCount)
}

func (s *PipelineSuite) TestNonChunkedEnvelopeSkipsReassemble() {
	store := sequence.NewStore(0)
	dispatchedCount := 0
	p := consumer.NewPipeline(
		consumer.ReassembleStage(store),
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.DispatchStage(func(context.Context, *envelope.InboundEnvelope, interface{}) error {
			dispatchedCount++
			return nil
		}),
	)

	env := &envelope.InboundEnvelope{Headers: envelope.NewHeaders(), Payload: []byte(`{"ContentEventOne":"x"}`)}
	s.Require().NoError(p.Run(s.Ctx, env))
	s.Equal(1, dispatchedCount)
}

func (s *PipelineSuite) TestReassembleDropsDuplicateChunkWithoutDispatch() {
	store := sequence.NewStore(0)
	dispatchedCount := 0
	p := consumer.NewPipeline(
		consumer.ReassembleStage(store),
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.DispatchStage(func(context.Context, *envelope.InboundEnvelope, interface{}) error {
			dispatchedCount++
			return nil
		}),
	)

	first := chunkEnvelope("m1", 0, 2, []byte(`{"ContentEven`))
	s.True(consumer.IsHalted(p.Run(s.Ctx, first)))

	dup := chunkEnvelope("m1", 0, 2, []byte(`{"ContentEven`))
	err := p.Run(s.Ctx, dup)
	s.True(consumer.IsDropped(err), "a duplicate chunk must report as dropped, not a pipeline failure")
	s.Equal(0, dispatchedCount)

	second := chunkEnvelope("m1", 1, 2, []byte(`tOne":"hi"}`))
	s.Require().NoError(p.Run(s.Ctx, second))
	s.Equal(1, dispatchedCount)
}

func (s *PipelineSuite) TestReassembleDropsMissingFirstChunk() {
	store := sequence.NewStore(0)
	p := consumer.NewPipeline(consumer.ReassembleStage(store))

	late := chunkEnvelope("m-never-started", 1, 2, []byte("tail"))
	err := p.Run(s.Ctx, late)
	s.True(consumer.IsDropped(err))
}

func (s *PipelineSuite) TestDecryptStageSkipsWithoutKeyHeader() {
	p := consumer.NewPipeline(
		consumer.DecryptStage(nil),
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
	)
	env := &envelope.InboundEnvelope{Headers: envelope.NewHeaders(), Payload: []byte(`{"ContentEventOne":"ok"}`)}
	s.Require().NoError(p.Run(s.Ctx, env))
}

func (s *PipelineSuite) TestDecryptStageRoundTrip() {
	resolver, err := crypto.NewStaticResolver("k1", map[string][]byte{"k1": []byte("0123456789abcdef")})
	s.Require().NoError(err)
	cipher := crypto.NewCipher(resolver)

	sealed, keyID, err := cipher.Encrypt(s.Ctx, []byte(`{"ContentEventOne":"secret"}`))
	s.Require().NoError(err)

	var dispatched payload
	p := consumer.NewPipeline(
		consumer.DecryptStage(cipher),
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.DispatchStage(func(_ context.Context, _ *envelope.InboundEnvelope, v interface{}) error {
			dispatched = *v.(*payload)
			return nil
		}),
	)

	h := envelope.NewHeaders()
	h.Set(envelope.HeaderEncryptionKeyID, keyID)
	env := &envelope.InboundEnvelope{Headers: h, Payload: sealed}

	s.Require().NoError(p.Run(s.Ctx, env))
	s.Equal("secret", dispatched.ContentEventOne)
}

func (s *PipelineSuite) TestDecryptStageUnknownKeyFails() {
	resolver, err := crypto.NewStaticResolver("k1", map[string][]byte{"k1": []byte("0123456789abcdef")})
	s.Require().NoError(err)
	cipher := crypto.NewCipher(resolver)

	p := consumer.NewPipeline(consumer.DecryptStage(cipher))

	h := envelope.NewHeaders()
	h.Set(envelope.HeaderEncryptionKeyID, "unknown")
	env := &envelope.InboundEnvelope{Headers: h, Payload: []byte("garbage")}

	err = p.Run(s.Ctx, env)
	s.Error(err)
	s.Equal(errors.CodeDecryptionKeyNotFound, errors.CodeOf(err))
}

func (s *PipelineSuite) TestValidateStageRejectsInvalidTarget() {
	v := validator.New()
	p := consumer.NewPipeline(
		func(ctx context.Context, s *consumer.State, next func(context.Context, *consumer.State) error) error {
			s.Target = &strictPayload{}
			return next(ctx, s)
		},
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.ValidateStage(v),
	)

	env := &envelope.InboundEnvelope{Headers: envelope.NewHeaders(), Payload: []byte(`{}`)}
	err := p.Run(s.Ctx, env)
	s.Error(err)
	s.Equal(errors.CodeMessageValidationFailed, errors.CodeOf(err))
}

func plainEnvelope(partition int32, body []byte) *envelope.InboundEnvelope {
	return &envelope.InboundEnvelope{Headers: envelope.NewHeaders(), Partition: partition, Payload: body}
}

func (s *PipelineSuite) TestSequenceStageHaltsUntilBatchCompleteThenDispatchesAll() {
	store := sequence.NewBatchStore(2, 0)
	var dispatchedBatches [][]string

	p := consumer.NewPipeline(
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.SequenceStage(store),
		consumer.BatchDispatchStage(func(_ context.Context, items []sequence.Item) error {
			var bodies []string
			for _, it := range items {
				bodies = append(bodies, it.Payload.(*payload).ContentEventOne)
			}
			dispatchedBatches = append(dispatchedBatches, bodies)
			return nil
		}),
	)

	first := plainEnvelope(0, []byte(`{"ContentEventOne":"a"}`))
	err := p.Run(s.Ctx, first)
	s.True(consumer.IsHalted(err))
	s.Empty(dispatchedBatches)

	second := plainEnvelope(0, []byte(`{"ContentEventOne":"b"}`))
	s.Require().NoError(p.Run(s.Ctx, second))
	s.Equal([][]string{{"a", "b"}}, dispatchedBatches)
}

func (s *PipelineSuite) TestSequenceStageWithoutBatchStorePassesThroughOneAtATime() {
	dispatchedCount := 0
	p := consumer.NewPipeline(
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.SequenceStage(),
		consumer.DispatchStage(func(context.Context, *envelope.InboundEnvelope, interface{}) error {
			dispatchedCount++
			return nil
		}),
	)

	s.Require().NoError(p.Run(s.Ctx, plainEnvelope(0, []byte(`{"ContentEventOne":"a"}`))))
	s.Equal(1, dispatchedCount)
}

func (s *PipelineSuite) TestSequenceStageParsesFailedAttemptsHeader() {
	var seen int
	p := consumer.NewPipeline(
		consumer.SequenceStage(),
		func(ctx context.Context, st *consumer.State, next func(context.Context, *consumer.State) error) error {
			seen = st.Envelope.FailedAttempts
			return next(ctx, st)
		},
	)

	h := envelope.NewHeaders()
	h.Set(envelope.HeaderFailedAttempts, "3")
	s.Require().NoError(p.Run(s.Ctx, &envelope.InboundEnvelope{Headers: h}))
	s.Equal(3, seen)
}

func (s *PipelineSuite) TestBatchDispatchStageIsNoopWithoutItems() {
	dispatchedCount := 0
	p := consumer.NewPipeline(
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.BatchDispatchStage(func(context.Context, []sequence.Item) error {
			dispatchedCount++
			return nil
		}),
		consumer.DispatchStage(func(context.Context, *envelope.InboundEnvelope, interface{}) error {
			return nil
		}),
	)

	s.Require().NoError(p.Run(s.Ctx, plainEnvelope(0, []byte(`{"ContentEventOne":"a"}`))))
	s.Equal(0, dispatchedCount, "an endpoint that never batches must never see BatchDispatchStage fire")
}

func (s *PipelineSuite) TestStreamStageAlwaysHaltsAndDeliversInOrder() {
	store := sequence.NewStreamStore(4)
	var got []string
	done := make(chan struct{})

	p := consumer.NewPipeline(
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.StreamStage(store, func(_ context.Context, _ *envelope.InboundEnvelope, v interface{}) (bool, error) {
			got = append(got, v.(*payload).ContentEventOne)
			if len(got) == 2 {
				close(done)
			}
			return true, nil
		}),
	)

	for _, body := range []string{"a", "b"} {
		err := p.Run(s.Ctx, plainEnvelope(0, []byte(`{"ContentEventOne":"`+body+`"}`)))
		s.True(consumer.IsHalted(err), "a stream endpoint never completes the ordinary per-envelope path")
	}

	<-done
	s.Equal([]string{"a", "b"}, got)
}

func (s *PipelineSuite) TestStreamStageAcksEachItemAsItIsHandled() {
	store := sequence.NewStreamStore(4)
	var acked []string
	done := make(chan struct{})

	p := consumer.NewPipeline(
		targetStage(),
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.StreamStage(store, func(_ context.Context, _ *envelope.InboundEnvelope, v interface{}) (bool, error) {
			return true, nil
		}),
	)

	env := plainEnvelope(0, []byte(`{"ContentEventOne":"a"}`))
	_ = p.RunWithAck(s.Ctx, env, func() {
		acked = append(acked, "a")
		close(done)
	})

	<-done
	s.Equal([]string{"a"}, acked)
}

func (s *PipelineSuite) TestValidateStageLogWarningModeContinues() {
	v := validator.New()
	dispatched := false
	p := consumer.NewPipeline(
		func(ctx context.Context, s *consumer.State, next func(context.Context, *consumer.State) error) error {
			s.Target = &strictPayload{}
			return next(ctx, s)
		},
		consumer.DeserializeStage(codec.NewJSON()),
		consumer.ValidateStage(v, consumer.ValidationLogWarning),
		consumer.DispatchStage(func(context.Context, *envelope.InboundEnvelope, interface{}) error {
			dispatched = true
			return nil
		}),
	)

	env := &envelope.InboundEnvelope{Headers: envelope.NewHeaders(), Payload: []byte(`{}`)}
	s.Require().NoError(p.Run(s.Ctx, env))
	s.True(dispatched)
}
