package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadySettled is returned when a single delivery is acked or nacked twice
	ErrAlreadySettled = errors.New("messaging: delivery already settled")
	// ErrAckerClosed is returned when a batch is settled after its channel was released
	ErrAckerClosed = errors.New("messaging: batch acker is closed")
)

// ParseError is returned when a body does not decode to the expected message type
type ParseError struct {
	Body string // Raw message body
	Err  error  // Underlying decode error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse message %s: %v", e.Body, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
