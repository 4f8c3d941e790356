package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when an operation needs a connection and none exists
	ErrNotConnected = errors.New("rabbitmq: not connected")

	// ErrProtocolViolation is returned for a response with no kind flag set
	ErrProtocolViolation = errors.New("rabbitmq: response was not acknowledgement, successful, or exception")
	// ErrNoTerminalResponse is returned when a response stream ends before a terminal response
	ErrNoTerminalResponse = errors.New("rabbitmq: never received successful or exception response")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	Address   string    // host:port, never credentials
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s to %s failed after %d attempts: %v", e.Op, e.Address, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s to %s failed: %v", e.Op, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a failure to open or use a channel
type ChannelError struct {
	Op        string    // Operation that failed
	Queue     string    // Queue the channel was opened for
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s for queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	exchange := e.Exchange
	if exchange == "" {
		exchange = "(default)"
	}
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %s/%s: %v", exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a failure to attach or run a consumer
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed queue declaration
type TopologyError struct {
	Component string    // Component type (queue)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// RemoteError is returned when a request ends with an exception response.
// Response holds the decoded response, RawJSON its body.
type RemoteError struct {
	Queue         string
	ExceptionType string
	Message       string
	CorrelationID string
	Response      any
	RawJSON       string
}

func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("rabbitmq remote error: request to %s failed", e.Queue)
	if e.ExceptionType != "" {
		msg += ": " + e.ExceptionType
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.CorrelationID != "" {
		msg += " (correlation " + e.CorrelationID + ")"
	}
	return msg
}

// IsRetryable reports whether err is a transient broker failure that may
// succeed on a later attempt. Remote failures, protocol violations and
// topology conflicts will not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) || errors.Is(err, ErrProtocolViolation) {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNoTerminalResponse) {
		return true
	}

	var (
		connErr     *ConnectionError
		chanErr     *ChannelError
		publishErr  *PublishError
		consumerErr *ConsumerError
	)
	return errors.As(err, &connErr) ||
		errors.As(err, &chanErr) ||
		errors.As(err, &publishErr) ||
		errors.As(err, &consumerErr)
}
