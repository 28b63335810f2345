// Package codec serializes and deserializes message payloads.
//
// Producers run a payload through Serializer.Marshal before handing it to a
// broker adapter; consumers run the raw bytes back through Unmarshal before
// dispatching to application handlers.
package codec

import (
	"encoding/json"

	"github.com/silverback-go/silverback/pkg/errors"
)

// Serializer converts between an in-process value and wire bytes.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error

	// ContentType is recorded on the envelope so a consumer that supports
	// multiple codecs can pick the matching Unmarshal implementation.
	ContentType() string
}

// JSON is the default serializer used by producers unless configured otherwise.
type JSON struct{}

func NewJSON() JSON { return JSON{} }

func (JSON) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal payload as json")
	}
	return b, nil
}

func (JSON) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.ErrDeserializationFailed(err)
	}
	return nil
}

func (JSON) ContentType() string { return "application/json" }

// Passthrough treats the payload as opaque bytes. It is used when the
// application already produces wire-ready bytes (e.g. protobuf encoded
// upstream) and wants the pipeline to skip serialization.
type Passthrough struct{}

func NewPassthrough() Passthrough { return Passthrough{} }

func (Passthrough) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return nil, errors.New(errors.CodeInvalidArgument, "passthrough codec requires []byte or string payload", nil)
	}
}

func (Passthrough) Unmarshal(data []byte, v interface{}) error {
	switch p := v.(type) {
	case *[]byte:
		*p = data
		return nil
	case *string:
		*p = string(data)
		return nil
	default:
		return errors.ErrDeserializationFailed(errors.New(errors.CodeInvalidArgument, "passthrough codec requires *[]byte or *string target", nil))
	}
}

func (Passthrough) ContentType() string { return "application/octet-stream" }
