package errors

import (
	"errors"
	"fmt"
)

// Standard codes shared across packages. Individual packages (messaging
// replacement packages here, e.g. producer/consumer/outbox) define their
// own domain-specific codes alongside these.
const (
	CodeInternal        = "INTERNAL"
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodeUnavailable      = "UNAVAILABLE"
	CodeTimeout          = "TIMEOUT"
	CodeCanceled         = "CANCELED"

	// Codes below name the core's own error taxonomy (spec'd failure kinds
	// that flow through the producer/consumer pipelines and the error
	// policy engine), as opposed to the generic codes above.
	CodeDecryptionKeyNotFound   = "DECRYPTION_KEY_NOT_FOUND"
	CodeDeserializationFailed   = "DESERIALIZATION_FAILED"
	CodeMessageValidationFailed = "MESSAGE_VALIDATION_FAILED"
	CodeSequenceAborted         = "SEQUENCE_ABORTED"
	CodeProduceFailed           = "PRODUCE_FAILED"
	CodeNotConnected            = "NOT_CONNECTED"
)

// ErrDecryptionKeyNotFound reports that an inbound envelope's
// x-encryption-key-id header named a key the configured resolver doesn't
// have. Never retried by the default error policies: a missing key won't
// appear on a later attempt.
func ErrDecryptionKeyNotFound(keyID string, cause error) *AppError {
	return New(CodeDecryptionKeyNotFound, "encryption key not found: "+keyID, cause)
}

// ErrDeserializationFailed reports that a consumer's codec could not
// unmarshal a reassembled payload into the declared message type.
func ErrDeserializationFailed(cause error) *AppError {
	return New(CodeDeserializationFailed, "failed to deserialize message payload", cause)
}

// ErrMessageValidationFailed reports that a message failed struct
// validation in a ThrowException-mode Validate stage, producer or consumer
// side.
func ErrMessageValidationFailed(cause error) *AppError {
	return New(CodeMessageValidationFailed, "message failed validation", cause)
}

// ErrSequenceAborted reports that a chunk/batch/stream sequence was
// abandoned (timeout, interruption, protocol violation, rebalance) before
// completion. No offset belonging to the sequence may be committed.
func ErrSequenceAborted(reason string, cause error) *AppError {
	return New(CodeSequenceAborted, "sequence aborted: "+reason, cause)
}

// ErrProduceFailed reports a produce failure surfaced back to a direct-strategy
// caller, or retained as a row by the outbox worker for the next tick.
func ErrProduceFailed(cause error) *AppError {
	return New(CodeProduceFailed, "failed to produce message", cause)
}

// ErrNotConnected reports that a consumer client wrapper operation (commit,
// store-offset, pause/resume) was attempted after the consumer transitioned
// to Disconnected/Stopped.
func ErrNotConnected() *AppError {
	return New(CodeNotConnected, "consumer is not connected", nil)
}

// AppError is the structured error type used throughout the module. It
// carries a stable machine-readable Code, a human-readable Message, and an
// optional wrapped cause for chaining.
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an AppError with the given code, message and optional cause.
func New(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// Wrap annotates err with a message while preserving its code if it is
// already an AppError, otherwise classifies it as CodeInternal.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message, Err: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

// CodeOf returns the code of err if it is (or wraps) an AppError, otherwise
// CodeInternal.
func CodeOf(err error) string {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}
