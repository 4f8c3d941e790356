package rabbitmq

import (
	"context"

	"github.com/glimte/rabbitkit/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel this package uses
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	Reject(tag uint64, requeue bool) error
	Cancel(consumer string, noWait bool) error
	Close() error
	IsClosed() bool
}

// Connection is the subset of *amqp.Connection this package uses
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Dialer opens a broker connection
type Dialer func(uri amqp.URI) (Connection, error)

// DialAMQP is the Dialer backed by amqp091-go
func DialAMQP(uri amqp.URI) (Connection, error) {
	conn, err := amqp.Dial(uri.String())
	if err != nil {
		return nil, err
	}
	return &amqpConnection{Connection: conn}, nil
}

// amqpConnection adapts *amqp.Connection so Channel returns the interface
type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

var (
	_ Channel    = (*amqp.Channel)(nil)
	_ Connection = (*amqpConnection)(nil)
)

// propertiesOf extracts the caller-visible properties of a delivery
func propertiesOf(d amqp.Delivery) messaging.Properties {
	headers := make(map[string]any, len(d.Headers))
	for k, v := range d.Headers {
		headers[k] = v
	}
	return messaging.Properties{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		ContentType:   d.ContentType,
		Timestamp:     d.Timestamp,
		Redelivered:   d.Redelivered,
		Headers:       headers,
	}
}
