package messaging

import (
	"sync"
	"time"

	"github.com/glimte/rabbitkit/internal/jsoncodec"
)

// Properties carries the broker properties of a delivery that callers care about
type Properties struct {
	MessageID     string
	CorrelationID string
	ReplyTo       string
	ContentType   string
	Timestamp     time.Time
	Redelivered   bool
	Headers       map[string]any
}

// ParseMessage decodes body into a T, returning the body text alongside
func ParseMessage[T any](body []byte) (T, string, error) {
	var message T
	if err := jsoncodec.Unmarshal(body, &message); err != nil {
		var zero T
		return zero, "", &ParseError{Body: string(body), Err: err}
	}
	return message, string(body), nil
}

// MessageContainer wraps the raw body of one delivery and parses it lazily
type MessageContainer[T any] struct {
	Body       []byte
	Properties Properties

	once        sync.Once
	message     T
	messageJSON string
	parseErr    error
}

// NewMessageContainer creates a container for a delivery body
func NewMessageContainer[T any](body []byte, properties Properties) *MessageContainer[T] {
	return &MessageContainer[T]{
		Body:       body,
		Properties: properties,
	}
}

// Message returns the parsed message. The body is parsed at most once;
// later calls return the cached value or the cached parse error.
func (c *MessageContainer[T]) Message() (T, error) {
	c.parse()
	return c.message, c.parseErr
}

// MessageJSON returns the body text once it has been parsed successfully
func (c *MessageContainer[T]) MessageJSON() (string, error) {
	c.parse()
	return c.messageJSON, c.parseErr
}

// ParseErr parses the body if needed and returns the parse failure, if any
func (c *MessageContainer[T]) ParseErr() error {
	c.parse()
	return c.parseErr
}

func (c *MessageContainer[T]) parse() {
	c.once.Do(func() {
		c.message, c.messageJSON, c.parseErr = ParseMessage[T](c.Body)
	})
}
