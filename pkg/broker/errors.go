package broker

import "github.com/silverback-go/silverback/pkg/errors"

// Error codes for broker operations.
const (
	CodeConnectionFailed = "BROKER_CONN_FAILED"
	CodeTopicNotFound    = "BROKER_TOPIC_NOT_FOUND"
	CodePublishFailed    = "BROKER_PUBLISH_FAILED"
	CodeConsumeFailed    = "BROKER_CONSUME_FAILED"
	CodeTimeout          = "BROKER_TIMEOUT"
	CodeClosed           = "BROKER_CLOSED"
	CodeInvalidConfig    = "BROKER_INVALID_CONFIG"
	CodeAckFailed        = "BROKER_ACK_FAILED"
	CodeQueueFull        = "BROKER_QUEUE_FULL"
)

func ErrConnectionFailed(err error) *errors.AppError {
	return errors.New(CodeConnectionFailed, "failed to connect to message broker", err)
}

func ErrTopicNotFound(topic string, err error) *errors.AppError {
	return errors.New(CodeTopicNotFound, "topic or queue not found: "+topic, err)
}

func ErrPublishFailed(err error) *errors.AppError {
	return errors.New(CodePublishFailed, "failed to publish message", err)
}

func ErrConsumeFailed(err error) *errors.AppError {
	return errors.New(CodeConsumeFailed, "failed to consume message", err)
}

func ErrTimeout(operation string, err error) *errors.AppError {
	return errors.New(CodeTimeout, "broker operation timed out: "+operation, err)
}

func ErrClosed(err error) *errors.AppError {
	return errors.New(CodeClosed, "broker connection is closed", err)
}

func ErrInvalidConfig(msg string, err error) *errors.AppError {
	return errors.New(CodeInvalidConfig, "invalid broker configuration: "+msg, err)
}

func ErrAckFailed(err error) *errors.AppError {
	return errors.New(CodeAckFailed, "failed to acknowledge message", err)
}

func ErrQueueFull(err error) *errors.AppError {
	return errors.New(CodeQueueFull, "producer queue is full", err)
}
