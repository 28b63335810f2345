package codec_test

import (
	"testing"

	"github.com/silverback-go/silverback/internal/wiretest"
	"github.com/silverback-go/silverback/pkg/codec"
	"github.com/silverback-go/silverback/pkg/errors"
)

type payload struct {
	Text string `json:"text"`
}

type CodecSuite struct {
	wiretest.Suite
}

func TestCodecSuite(t *testing.T) {
	wiretest.Run(t, &CodecSuite{})
}

func (s *CodecSuite) TestJSONRoundTrip() {
	c := codec.NewJSON()

	data, err := c.Marshal(payload{Text: "hello"})
	s.Require().NoError(err)

	var out payload
	s.Require().NoError(c.Unmarshal(data, &out))
	s.Equal("hello", out.Text)
	s.Equal("application/json", c.ContentType())
}

func (s *CodecSuite) TestJSONUnmarshalInvalidPayloadFailsWithDeserializationFailed() {
	c := codec.NewJSON()

	var out payload
	err := c.Unmarshal([]byte("not json"), &out)
	s.Require().Error(err)
	s.Equal(errors.CodeDeserializationFailed, errors.CodeOf(err))
}

func (s *CodecSuite) TestPassthroughRoundTrip() {
	c := codec.NewPassthrough()

	data, err := c.Marshal([]byte("raw bytes"))
	s.Require().NoError(err)

	var out []byte
	s.Require().NoError(c.Unmarshal(data, &out))
	s.Equal([]byte("raw bytes"), out)
}

func (s *CodecSuite) TestPassthroughUnmarshalWrongTargetFailsWithDeserializationFailed() {
	c := codec.NewPassthrough()

	var out int
	err := c.Unmarshal([]byte("raw bytes"), &out)
	s.Require().Error(err)
	s.Equal(errors.CodeDeserializationFailed, errors.CodeOf(err))
}
