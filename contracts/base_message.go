package contracts

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewMessageID returns a time-sortable ULID string
func NewMessageID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// BaseMessage provides common fields for all message types
type BaseMessage struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewBaseMessage creates a new base message with generated ID and current timestamp
func NewBaseMessage() BaseMessage {
	return BaseMessage{
		ID:        NewMessageID(),
		Timestamp: time.Now().UTC(),
	}
}

// GetID returns the message ID
func (m BaseMessage) GetID() string {
	return m.ID
}

// BaseResponse provides the flags every response carries.
//
// Exactly one of IsAcknowledgement, IsSuccessful and IsException is expected
// to be set. When several are set the first in that order wins.
type BaseResponse struct {
	BaseMessage
	IsException            bool       `json:"isException"`
	IsSuccessful           bool       `json:"isSuccessful"`
	IsAcknowledgement      bool       `json:"isAcknowledgement"`
	ExceptionCorrelationID *uuid.UUID `json:"exceptionCorrelationId,omitempty"`
	ExceptionType          string     `json:"exceptionType,omitempty"`
	ExceptionMessage       string     `json:"exceptionMessage,omitempty"`
}

// Envelope returns the response flags
func (r BaseResponse) Envelope() BaseResponse {
	return r
}

// Kind classifies the response
func (r BaseResponse) Kind() ResponseKind {
	switch {
	case r.IsAcknowledgement:
		return KindAcknowledgement
	case r.IsSuccessful:
		return KindSuccessful
	case r.IsException:
		return KindException
	default:
		return KindUnknown
	}
}

// NewAcknowledgementResponse creates an interim progress response
func NewAcknowledgementResponse() BaseResponse {
	return BaseResponse{
		BaseMessage:       NewBaseMessage(),
		IsAcknowledgement: true,
	}
}

// NewSuccessfulResponse creates a terminal successful response
func NewSuccessfulResponse() BaseResponse {
	return BaseResponse{
		BaseMessage:  NewBaseMessage(),
		IsSuccessful: true,
	}
}

// NewExceptionResponse creates a terminal exception response with a fresh correlation id
func NewExceptionResponse(exceptionType, exceptionMessage string) BaseResponse {
	correlationID := uuid.New()
	return BaseResponse{
		BaseMessage:            NewBaseMessage(),
		IsException:            true,
		ExceptionCorrelationID: &correlationID,
		ExceptionType:          exceptionType,
		ExceptionMessage:       exceptionMessage,
	}
}
