package envelope_test

import (
	"testing"

	"github.com/silverback-go/silverback/internal/wiretest"
	"github.com/silverback-go/silverback/pkg/envelope"
)

type HeadersSuite struct {
	wiretest.Suite
}

func TestHeadersSuite(t *testing.T) {
	wiretest.Run(t, &HeadersSuite{})
}

func (s *HeadersSuite) TestSetIsCaseInsensitive() {
	h := envelope.NewHeaders()
	h.Set("X-Message-Type", "orders.Created")

	s.Equal("orders.Created", h.Get("x-message-type"))
	s.True(h.Has("X-MESSAGE-TYPE"))
}

func (s *HeadersSuite) TestAddIsMultiValued() {
	h := envelope.NewHeaders()
	h.Add("x-trace", "a")
	h.Add("x-trace", "b")

	s.Equal([]string{"a", "b"}, h.Values("x-trace"))
	s.Equal("a", h.Get("x-trace"))
}

func (s *HeadersSuite) TestSetReplacesExistingValues() {
	h := envelope.NewHeaders()
	h.Add("x-trace", "a")
	h.Set("x-trace", "b")

	s.Equal([]string{"b"}, h.Values("x-trace"))
}

func (s *HeadersSuite) TestKeysPreservesInsertionOrder() {
	h := envelope.NewHeaders()
	h.Set("x-message-id", "1")
	h.Set("x-message-type", "orders.Created")
	h.Set("x-chunk-index", "0")

	s.Equal([]string{"x-message-id", "x-message-type", "x-chunk-index"}, h.Keys())
}

func (s *HeadersSuite) TestDelRemovesKeyAndOrder() {
	h := envelope.NewHeaders()
	h.Set("a", "1")
	h.Set("b", "2")
	h.Del("a")

	s.False(h.Has("a"))
	s.Equal([]string{"b"}, h.Keys())
}

func (s *HeadersSuite) TestCloneIsIndependent() {
	h := envelope.NewHeaders()
	h.Set("x-message-id", "1")

	clone := h.Clone()
	clone.Set("x-message-id", "2")

	s.Equal("1", h.Get("x-message-id"))
	s.Equal("2", clone.Get("x-message-id"))
}

func (s *HeadersSuite) TestToMapAndFromMapRoundTrip() {
	h := envelope.NewHeaders()
	h.Set("x-message-id", "abc")
	h.Set("x-message-type", "orders.Created")

	m := h.ToMap()
	s.Equal(map[string]string{"x-message-id": "abc", "x-message-type": "orders.Created"}, m)

	back := envelope.FromMap(m)
	s.Equal("abc", back.Get("x-message-id"))
}

func (s *HeadersSuite) TestIsTombstone() {
	env := &envelope.InboundEnvelope{Headers: envelope.NewHeaders()}
	s.False(env.IsTombstone())

	env.Headers.Set(envelope.HeaderTombstone, "true")
	s.True(env.IsTombstone())

	env.Payload = []byte("x")
	s.False(env.IsTombstone(), "a non-empty payload is never a tombstone regardless of the header")
}
