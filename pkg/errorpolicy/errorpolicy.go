// Package errorpolicy decides what happens to a message that a consumer
// handler failed to process: retry it, skip it, move it to another
// endpoint, or stop the consumer outright.
package errorpolicy

import (
	"context"
	"time"

	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/errors"
)

// Decision is the outcome an error policy reaches for a failed message.
type Decision string

const (
	DecisionRetry Decision = "retry"
	DecisionSkip  Decision = "skip"
	DecisionMove  Decision = "move"
	DecisionStop  Decision = "stop"
)

// Outcome carries a Decision plus whatever extra data the consumer loop
// needs to act on it (a backoff duration for Retry, a destination producer
// reference for Move).
type Outcome struct {
	Decision  Decision
	Backoff   time.Duration
	MoveTo    string
	Transform func(*envelope.InboundEnvelope) *envelope.OutboundEnvelope
}

// Policy decides how to handle a failed envelope.
type Policy interface {
	Handle(ctx context.Context, env *envelope.InboundEnvelope, cause error) Outcome
}

// Predicate filters which errors or envelopes a policy applies to.
type Predicate func(env *envelope.InboundEnvelope, cause error) bool

// MaxFailedAttempts returns a Predicate that matches once the envelope's
// x-failed-attempts header reaches n.
func MaxFailedAttempts(n int) Predicate {
	return func(env *envelope.InboundEnvelope, _ error) bool {
		return env.FailedAttempts >= n
	}
}

// RetryPolicy retries up to MaxAttempts times with exponential backoff,
// then falls through to Then (defaulting to Stop if Then is nil, matching
// spec §8 S6: "Retry(10)" alone, with no explicit follow-up, stops the
// consumer with nothing committed rather than silently skipping).
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
	Then           Policy
}

func NewRetryPolicy(maxAttempts int, initialBackoff time.Duration) *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:    maxAttempts,
		InitialBackoff: initialBackoff,
		Multiplier:     2.0,
		MaxBackoff:     30 * time.Second,
	}
}

func (p *RetryPolicy) Handle(_ context.Context, env *envelope.InboundEnvelope, cause error) Outcome {
	// A missing decryption key won't appear on a later attempt, so that
	// failure goes straight to Then instead of being retried.
	if env.FailedAttempts >= p.MaxAttempts || errors.Is(cause, errors.CodeDecryptionKeyNotFound) {
		if p.Then != nil {
			return p.Then.Handle(context.Background(), env, nil)
		}
		return Outcome{Decision: DecisionStop}
	}

	backoff := float64(p.InitialBackoff)
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	for i := 0; i < env.FailedAttempts; i++ {
		backoff *= mult
	}
	d := time.Duration(backoff)
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}

	return Outcome{Decision: DecisionRetry, Backoff: d}
}

// SkipPolicy acknowledges and drops the message without further action.
type SkipPolicy struct{}

func (SkipPolicy) Handle(context.Context, *envelope.InboundEnvelope, error) Outcome {
	return Outcome{Decision: DecisionSkip}
}

// MovePolicy republishes the failed envelope to a different endpoint
// (a dead-letter topic, typically), optionally transforming it first.
type MovePolicy struct {
	Endpoint  string
	Transform func(*envelope.InboundEnvelope) *envelope.OutboundEnvelope
}

func NewMovePolicy(endpoint string) *MovePolicy {
	return &MovePolicy{Endpoint: endpoint}
}

func (p *MovePolicy) Handle(context.Context, *envelope.InboundEnvelope, error) Outcome {
	return Outcome{Decision: DecisionMove, MoveTo: p.Endpoint, Transform: p.Transform}
}

// StopPolicy halts the consumer loop entirely, for errors that indicate the
// consumer's configuration or the message stream itself is broken beyond
// what retrying or skipping can fix.
type StopPolicy struct{}

func (StopPolicy) Handle(context.Context, *envelope.InboundEnvelope, error) Outcome {
	return Outcome{Decision: DecisionStop}
}

// Chain evaluates policies in order, applying the first whose predicate (if
// any) matches. ChainEntry with a nil Predicate always matches.
type ChainEntry struct {
	Predicate Predicate
	Policy    Policy
}

// ChainPolicy dispatches to the first matching entry, falling back to
// Default when none match.
type ChainPolicy struct {
	Entries []ChainEntry
	Default Policy
}

func (c *ChainPolicy) Handle(ctx context.Context, env *envelope.InboundEnvelope, cause error) Outcome {
	for _, e := range c.Entries {
		if e.Predicate == nil || e.Predicate(env, cause) {
			return e.Policy.Handle(ctx, env, cause)
		}
	}
	if c.Default != nil {
		return c.Default.Handle(ctx, env, cause)
	}
	return Outcome{Decision: DecisionSkip}
}
