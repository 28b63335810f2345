package errorpolicy_test

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/silverback-go/silverback/internal/wiretest"
	"github.com/silverback-go/silverback/pkg/envelope"
	"github.com/silverback-go/silverback/pkg/errorpolicy"
)

type PolicySuite struct {
	wiretest.Suite
}

func TestPolicySuite(t *testing.T) {
	wiretest.Run(t, &PolicySuite{})
}

func (s *PolicySuite) TestRetryBelowMaxAttempts() {
	p := errorpolicy.NewRetryPolicy(3, 10*time.Millisecond)
	env := &envelope.InboundEnvelope{FailedAttempts: 1}

	out := p.Handle(s.Ctx, env, stderrors.New("boom"))
	s.Equal(errorpolicy.DecisionRetry, out.Decision)
	s.Equal(20*time.Millisecond, out.Backoff, "backoff doubles once per prior attempt")
}

func (s *PolicySuite) TestRetryExhaustedFallsBackToStop() {
	p := errorpolicy.NewRetryPolicy(3, 10*time.Millisecond)
	env := &envelope.InboundEnvelope{FailedAttempts: 3}

	out := p.Handle(s.Ctx, env, stderrors.New("boom"))
	s.Equal(errorpolicy.DecisionStop, out.Decision, "a bare Retry(N) with no Then must stop, not skip-and-commit, per spec S6")
}

func (s *PolicySuite) TestRetryExhaustedChainsToThen() {
	p := errorpolicy.NewRetryPolicy(3, 10*time.Millisecond)
	p.Then = errorpolicy.NewMovePolicy("dlq")
	env := &envelope.InboundEnvelope{FailedAttempts: 3}

	out := p.Handle(s.Ctx, env, stderrors.New("boom"))
	s.Equal(errorpolicy.DecisionMove, out.Decision)
	s.Equal("dlq", out.MoveTo)
}

func (s *PolicySuite) TestRetryBackoffCapsAtMaxBackoff() {
	p := errorpolicy.NewRetryPolicy(10, time.Second)
	p.MaxBackoff = 3 * time.Second
	env := &envelope.InboundEnvelope{FailedAttempts: 5}

	out := p.Handle(s.Ctx, env, stderrors.New("boom"))
	s.Equal(errorpolicy.DecisionRetry, out.Decision)
	s.Equal(3*time.Second, out.Backoff)
}

func (s *PolicySuite) TestSkipPolicy() {
	out := errorpolicy.SkipPolicy{}.Handle(s.Ctx, &envelope.InboundEnvelope{}, nil)
	s.Equal(errorpolicy.DecisionSkip, out.Decision)
}

func (s *PolicySuite) TestStopPolicy() {
	out := errorpolicy.StopPolicy{}.Handle(s.Ctx, &envelope.InboundEnvelope{}, nil)
	s.Equal(errorpolicy.DecisionStop, out.Decision)
}

func (s *PolicySuite) TestMovePolicyCarriesTransform() {
	called := false
	transform := func(*envelope.InboundEnvelope) *envelope.OutboundEnvelope {
		called = true
		return nil
	}
	p := &errorpolicy.MovePolicy{Endpoint: "dlq", Transform: transform}

	out := p.Handle(s.Ctx, &envelope.InboundEnvelope{}, nil)
	s.Equal(errorpolicy.DecisionMove, out.Decision)
	s.Require().NotNil(out.Transform)
	out.Transform(nil)
	s.True(called)
}

func (s *PolicySuite) TestMaxFailedAttemptsPredicate() {
	pred := errorpolicy.MaxFailedAttempts(5)

	s.False(pred(&envelope.InboundEnvelope{FailedAttempts: 4}, nil))
	s.True(pred(&envelope.InboundEnvelope{FailedAttempts: 5}, nil))
}

func (s *PolicySuite) TestChainPolicyDispatchesFirstMatch() {
	chain := &errorpolicy.ChainPolicy{
		Entries: []errorpolicy.ChainEntry{
			{Predicate: errorpolicy.MaxFailedAttempts(3), Policy: errorpolicy.SkipPolicy{}},
			{Predicate: nil, Policy: errorpolicy.NewRetryPolicy(3, time.Millisecond)},
		},
	}

	skip := chain.Handle(s.Ctx, &envelope.InboundEnvelope{FailedAttempts: 3}, nil)
	s.Equal(errorpolicy.DecisionSkip, skip.Decision)

	retry := chain.Handle(s.Ctx, &envelope.InboundEnvelope{FailedAttempts: 1}, nil)
	s.Equal(errorpolicy.DecisionRetry, retry.Decision)
}

func (s *PolicySuite) TestChainPolicyFallsBackToDefault() {
	chain := &errorpolicy.ChainPolicy{Default: errorpolicy.StopPolicy{}}

	out := chain.Handle(s.Ctx, &envelope.InboundEnvelope{}, nil)
	s.Equal(errorpolicy.DecisionStop, out.Decision)
}

func (s *PolicySuite) TestChainPolicyDefaultsToSkipWhenNothingMatches() {
	chain := &errorpolicy.ChainPolicy{}

	out := chain.Handle(s.Ctx, &envelope.InboundEnvelope{}, nil)
	s.Equal(errorpolicy.DecisionSkip, out.Decision)
}
