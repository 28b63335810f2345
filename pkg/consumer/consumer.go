package consumer

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/silverback-go/silverback/pkg/broker"
	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/errorpolicy"
	"github.com/silverback-go/silverback/pkg/logger"
	"github.com/silverback-go/silverback/pkg/offset"
	"github.com/silverback-go/silverback/pkg/sequence"
)

// Config ties a Pipeline, an offset commit policy, an error policy and the
// channel scheduler together for one endpoint's consume loop.
type Config struct {
	Endpoint string
	Topic    string
	Channels ChannelsConfig
	Commit   offset.CommitPolicy
	Policy   errorpolicy.Policy

	// Sequences is the chunk-reassembly store the endpoint's pipeline reads
	// from. It's optional here (nil if the endpoint never chunks), but when
	// set, a rebalance that revokes a partition aborts that partition's
	// pending sequences through it — see HandleRevoke.
	Sequences *sequence.Store

	// Batches is the batch-sequence accumulator the endpoint's pipeline
	// feeds through SequenceStage. Set here too (in addition to being
	// passed into SequenceStage when the pipeline is built) so HandleRevoke
	// can abort a revoked partition's in-flight batch, and so Run can flush
	// a batch whose timeout elapsed with no new arrival to complete it.
	// BatchHandler is the same handler given to BatchDispatchStage, reused
	// for that timeout-driven flush path. Nil if the endpoint doesn't
	// batch.
	Batches *sequence.BatchStore

	// BatchHandler is invoked directly by the timeout-flush loop described
	// above; it is unused if Batches is nil.
	BatchHandler BatchHandler

	// FlushInterval is how often Run polls Batches for a batch whose
	// timeout has elapsed. Defaults to 200ms when Batches is set.
	FlushInterval time.Duration

	// Streams aborts a revoked partition's open stream sequence. The
	// stream's own subscriber goroutine is started by StreamStage when the
	// pipeline is built, not here. Nil if the endpoint doesn't stream.
	Streams *sequence.StreamStore
}

// Status is the consumer's externally observable lifecycle state.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Consumer drives messages from a broker.Consumer through the
// ChannelsManager and Pipeline, committing offsets and applying the error
// policy to handler failures.
type Consumer struct {
	cfg       Config
	pipeline  *Pipeline
	tracker   *offset.Tracker
	store     offset.Store
	manager   *ChannelsManager
	republish RepublishFunc

	mu        sync.Mutex
	cancel    context.CancelFunc
	stopCause error
	stopped   atomic.Bool
}

// RepublishFunc republishes an envelope to a different endpoint, used when
// an error policy decides to Move a failed message to a dead-letter topic.
type RepublishFunc func(ctx context.Context, endpoint string, env *envelope.InboundEnvelope, transform func(*envelope.InboundEnvelope) *envelope.OutboundEnvelope) error

// New builds a Consumer. store may be nil if offset persistence isn't
// needed (e.g. the broker itself tracks committed offsets, as Kafka
// consumer groups do).
func New(cfg Config, pipeline *Pipeline, store offset.Store, republish RepublishFunc) *Consumer {
	commit := cfg.Commit
	if commit.EveryN == 0 && commit.Interval == 0 {
		commit = offset.DefaultCommitPolicy()
	}

	return &Consumer{
		cfg:       cfg,
		pipeline:  pipeline,
		tracker:   offset.NewTracker(commit),
		store:     store,
		manager:   NewChannelsManager(cfg.Channels),
		republish: republish,
	}
}

// Run consumes from bc until ctx is canceled or an error policy decides to
// Stop the consumer, routing every message through the channel scheduler and
// pipeline.
func (c *Consumer) Run(ctx context.Context, bc broker.Consumer) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.manager.Start(ctx, c.process)
	defer c.manager.Close()

	if c.cfg.Batches != nil && c.cfg.BatchHandler != nil {
		go c.flushBatchesLoop(ctx)
	}

	err := bc.Consume(ctx, func(ctx context.Context, msg *broker.Message) error {
		return c.manager.Route(ctx, msg)
	})

	if c.stopped.Load() {
		if cause := c.loadStopCause(); cause != nil {
			return cause
		}
	}
	return err
}

// Status reports whether the consumer is still running or has been stopped
// by its error policy.
func (c *Consumer) Status() Status {
	if c.stopped.Load() {
		return StatusStopped
	}
	return StatusRunning
}

func (c *Consumer) loadStopCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCause
}

// stop cancels the consume loop. Only the first caller's cause is recorded.
func (c *Consumer) stop(cause error) {
	if !c.stopped.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	c.stopCause = cause
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Consumer) process(ctx context.Context, msg *broker.Message) {
	env := &envelope.InboundEnvelope{
		Endpoint:   c.cfg.Endpoint,
		MessageID:  msg.ID,
		Key:        msg.Key,
		Payload:    msg.Payload,
		Headers:    envelope.FromMap(msg.Headers),
		ReceivedAt: time.Now(),
		Partition:  msg.Metadata.Partition,
		Offset:     msg.Metadata.Offset,
	}
	env.MessageType = env.Headers.Get(envelope.HeaderMessageType)
	if v := env.Headers.Get(envelope.HeaderFailedAttempts); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			env.FailedAttempts = n
		}
	}

	err := c.pipeline.RunWithAck(ctx, env, func() { c.acknowledge(ctx, msg) })
	switch {
	case err == nil:
		c.acknowledge(ctx, msg)
	case IsHalted(err):
		// Buffered awaiting more chunks; nothing to acknowledge or retry.
	case IsDropped(err):
		// Duplicate chunk, or a continuation chunk whose first fragment was
		// never seen: silently discarded per spec, but the offset still
		// advances as if it had been delivered.
		logger.L().DebugContext(ctx, "dropped chunk fragment", "message_id", env.MessageID, "partition", env.Partition, "offset", env.Offset, "cause", err)
		c.acknowledge(ctx, msg)
	default:
		c.handleFailure(ctx, msg, env, err)
	}
}

func (c *Consumer) acknowledge(ctx context.Context, msg *broker.Message) {
	if c.tracker.Record(msg.Metadata.Partition, msg.Metadata.Offset) {
		c.commit(ctx, msg)
	}
}

// commit flushes progress for msg's partition: first the broker's own
// native commit (e.g. a Kafka consumer-group MarkOffset, deferred by the
// adapter until this cadence rather than performed on every message), then
// the optional external offset.Store used for stored-offset reloading on
// static partition assignment. Per spec §4.8 a broker message identifier is
// never committed until every envelope preceding it in the channel has
// already been acknowledged; since acknowledge only fires after the
// pipeline completes, that invariant holds here by construction.
func (c *Consumer) commit(ctx context.Context, msg *broker.Message) {
	partition := msg.Metadata.Partition
	off := msg.Metadata.Offset

	if msg.Metadata.Commit != nil {
		if err := msg.Metadata.Commit(ctx); err != nil {
			logger.L().ErrorContext(ctx, "broker offset commit failed", "topic", c.cfg.Topic, "partition", partition, "error", err)
			return
		}
	}
	if c.store != nil {
		if err := c.store.Save(offset.Position{Topic: c.cfg.Topic, Partition: partition, Offset: off}); err != nil {
			logger.L().ErrorContext(ctx, "failed to persist offset", "topic", c.cfg.Topic, "partition", partition, "error", err)
			return
		}
	}
	c.tracker.MarkCommitted(partition)
}

// HandleRevoke aborts every pending sequence on a revoked partition and
// drops that partition's offset-tracker bookkeeping without committing it,
// per the rebalance semantics in spec §4.8: in-flight sequences for a
// revoked partition are aborted and their offsets are not committed: on
// reassignment processing resumes from the last *committed* offset, not
// from anything this consumer had buffered.
func (c *Consumer) HandleRevoke(partitions []int32) {
	for _, p := range partitions {
		if c.cfg.Sequences != nil {
			c.cfg.Sequences.AbortPartition(p)
		}
		if c.cfg.Batches != nil {
			c.cfg.Batches.AbortPartition(p)
		}
		if c.cfg.Streams != nil {
			c.cfg.Streams.AbortPartition(p)
		}
		c.tracker.Forget(p)
	}
}

// flushBatchesLoop completes any partition's batch that has sat open past
// its timeout with no new arrival to close it, per spec §4.7's "accumulates
// up to N envelopes or until timeout".
func (c *Consumer) flushBatchesLoop(ctx context.Context) {
	interval := c.cfg.FlushInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushExpiredBatches(ctx)
		}
	}
}

func (c *Consumer) flushExpiredBatches(ctx context.Context) {
	for partition, batch := range c.cfg.Batches.FlushExpired(time.Now()) {
		items := batch.Items()
		if len(items) == 0 {
			continue
		}
		if err := c.cfg.BatchHandler(ctx, items); err != nil {
			logger.L().ErrorContext(ctx, "batch sequence handler failed on timeout flush", "partition", partition, "error", err)
			continue
		}
		if ack := items[len(items)-1].Ack; ack != nil {
			ack()
		}
	}
}

// handleFailure asks the error policy what to do with a pipeline failure
// and carries it out. Retry re-runs the pipeline in place, incrementing the
// envelope's failed-attempts count each time, until the policy's own
// bookkeeping (MaxFailedAttempts, a Then fallback) stops recommending retry
// or the pipeline succeeds; no offset is committed across these attempts.
func (c *Consumer) handleFailure(ctx context.Context, msg *broker.Message, env *envelope.InboundEnvelope, cause error) {
	if c.cfg.Policy == nil {
		logger.L().ErrorContext(ctx, "unhandled pipeline error with no error policy configured", "message_id", env.MessageID, "error", cause)
		return
	}

	for {
		outcome := c.cfg.Policy.Handle(ctx, env, cause)
		switch outcome.Decision {
		case errorpolicy.DecisionRetry:
			logger.L().WarnContext(ctx, "retrying message after pipeline failure", "message_id", env.MessageID, "backoff", outcome.Backoff, "attempt", env.FailedAttempts+1, "error", cause)

			if outcome.Backoff > 0 {
				timer := time.NewTimer(outcome.Backoff)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return
				}
			}

			env.FailedAttempts++
			env.Headers.Set(envelope.HeaderFailedAttempts, strconv.Itoa(env.FailedAttempts))

			retryErr := c.pipeline.RunWithAck(ctx, env, func() { c.acknowledge(ctx, msg) })
			if retryErr == nil {
				c.acknowledge(ctx, msg)
				return
			}
			if IsHalted(retryErr) {
				return
			}
			cause = retryErr
			continue

		case errorpolicy.DecisionSkip:
			logger.L().WarnContext(ctx, "skipping message after pipeline failure", "message_id", env.MessageID, "error", cause)
			c.acknowledge(ctx, msg)
			return

		case errorpolicy.DecisionMove:
			if c.republish == nil {
				logger.L().ErrorContext(ctx, "move policy has no republish function configured", "message_id", env.MessageID)
				return
			}
			if err := c.republish(ctx, outcome.MoveTo, env, outcome.Transform); err != nil {
				logger.L().ErrorContext(ctx, "failed to move message to dead-letter endpoint", "message_id", env.MessageID, "endpoint", outcome.MoveTo, "error", err)
				return
			}
			c.acknowledge(ctx, msg)
			return

		case errorpolicy.DecisionStop:
			logger.L().ErrorContext(ctx, "error policy requested consumer stop", "message_id", env.MessageID, "error", cause)
			c.stop(cause)
			return
		}
	}
}
