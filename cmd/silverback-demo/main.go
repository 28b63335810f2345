// Command silverback-demo wires the in-process bus, the producer pipeline
// and the consumer pipeline together over the in-memory broker adapter, to
// demonstrate a full publish/consume round trip without any external
// broker running.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/silverback-go/silverback/pkg/broker"
	memorybroker "github.com/silverback-go/silverback/pkg/broker/adapters/memory"
	"github.com/silverback-go/silverback/pkg/bus"
	memorybus "github.com/silverback-go/silverback/pkg/bus/adapters/memory"
	"github.com/silverback-go/silverback/pkg/codec"
	"github.com/silverback-go/silverback/pkg/consumer"
	"github.com/silverback-go/silverback/pkg/endpoint"
	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/errorpolicy"
	"github.com/silverback-go/silverback/pkg/logger"
	"github.com/silverback-go/silverback/pkg/producer"
	"github.com/silverback-go/silverback/pkg/validator"
)

type orderCreated struct {
	OrderID string `json:"order_id" validate:"required"`
	Amount  int64  `json:"amount" validate:"gt=0"`
}

func main() {
	logger.Init(logger.Config{Level: "INFO", Format: "JSON"})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := memorybroker.New(memorybroker.Config{BufferSize: 64})

	endpoints := endpoint.NewRegistry()
	ordersEndpoint := endpoint.Configuration{
		Name:         "orders.created",
		FriendlyName: "orders",
		Topic:        "orders.created",
		Driver:       "memory",
		Strategy:     endpoint.StrategyDirect,
		Validation:   "throw",
	}
	if err := endpoints.Register(ordersEndpoint); err != nil {
		logger.L().Error("failed to register endpoint", "error", err)
		os.Exit(1)
	}

	resolve := func(ep string) (broker.Producer, error) {
		cfg, err := endpoints.LookupByEndpointOrFriendlyName(ep)
		if err != nil {
			return nil, err
		}
		return b.Producer(cfg.Topic)
	}

	v := validator.New()
	json := codec.NewJSON()

	pipeline := producer.New(
		producer.SerializeStage(json),
		producer.ValidateStage(v, validationModeOf(ordersEndpoint.Validation)),
		producer.EnrichStage(func(_ context.Context, env *envelope.OutboundEnvelope) {
			env.CreatedAt = time.Now()
		}),
		producer.ChunkStage(ordersEndpoint.ChunkSize),
		producer.DirectProduceStage(resolve),
	)

	eventBus := memorybus.New()
	if err := eventBus.Subscribe(ctx, "orders", func(ctx context.Context, ev bus.Event) error {
		cfg, err := endpoints.LookupByEndpointOrFriendlyName("orders")
		if err != nil {
			return err
		}
		return pipeline.Run(ctx, &envelope.OutboundEnvelope{
			Endpoint:    cfg.Name,
			MessageType: ev.Type,
			Payload:     ev.Payload,
		}, cfg)
	}); err != nil {
		logger.L().Error("failed to subscribe to bus topic", "error", err)
		os.Exit(1)
	}

	brokerConsumer, err := b.Consumer("orders.created", "silverback-demo")
	if err != nil {
		logger.L().Error("failed to create consumer", "error", err)
		os.Exit(1)
	}

	consumePipeline := consumer.New(consumer.Config{
		Endpoint: "orders.created",
		Topic:    "orders.created",
		Channels: consumer.DefaultChannelsConfig(),
		Policy:   errorpolicy.SkipPolicy{},
	}, consumerPipeline(v, json), nil, nil)

	go func() {
		if err := consumePipeline.Run(ctx, brokerConsumer); err != nil && ctx.Err() == nil {
			logger.L().Error("consumer exited with error", "error", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	err = eventBus.Publish(ctx, "orders", bus.Event{
		ID:        "demo-1",
		Type:      "order.created",
		Source:    "silverback-demo",
		Timestamp: time.Now(),
		Payload:   orderCreated{OrderID: "ord_123", Amount: 4200},
	})
	if err != nil {
		logger.L().Error("failed to publish demo event", "error", err)
	}

	<-ctx.Done()
}

// validationModeOf translates the endpoint config surface's
// `validation = none|warn|throw` string into the producer pipeline's typed
// ValidationMode, defaulting unset/unrecognized values to ValidationThrow.
func validationModeOf(v string) producer.ValidationMode {
	switch v {
	case "none":
		return producer.ValidationNone
	case "warn":
		return producer.ValidationLogWarning
	default:
		return producer.ValidationThrow
	}
}

func consumerPipeline(v *validator.Validator, json codec.JSON) *consumer.Pipeline {
	return consumer.NewPipeline(
		func(ctx context.Context, s *consumer.State, next func(context.Context, *consumer.State) error) error {
			s.Target = &orderCreated{}
			return next(ctx, s)
		},
		consumer.DeserializeStage(json),
		consumer.ValidateStage(v),
		consumer.SequenceStage(),
		consumer.DispatchStage(func(ctx context.Context, env *envelope.InboundEnvelope, payload interface{}) error {
			order, _ := payload.(*orderCreated)
			logger.L().InfoContext(ctx, "order created", "order_id", order.OrderID, "amount", order.Amount, "message_id", env.MessageID)
			return nil
		}),
	)
}
