// Package wiretest provides shared testify test utilities and a broker
// conformance check (RunBrokerTests) that any broker.Broker adapter can be
// run against, so the Kafka, MQTT, RabbitMQ and in-memory adapters can be
// held to the same publish/consume contract.
package wiretest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

// Suite wraps testify's suite with a background context, the base every
// Silverback test suite embeds.
type Suite struct {
	suite.Suite
	Ctx context.Context
}

func (s *Suite) SetupTest() {
	s.Ctx = context.Background()
}

func (s *Suite) Assert() *assert.Assertions {
	return s.Assertions
}

// Run runs s as a top-level test.
func Run(t *testing.T, s suite.TestingSuite) {
	suite.Run(t, s)
}
