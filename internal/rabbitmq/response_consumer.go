package rabbitmq

import (
	"context"
	"iter"
	"runtime"
	"sync"
	"time"

	"github.com/glimte/rabbitkit/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ResponseConsumer collects deliveries of a private, broker-named reply
// queue and hands them out on demand through Responses.
type ResponseConsumer[T any] struct {
	*baseConsumer

	mu      sync.Mutex
	pending []*messaging.MessageAcker[T]
	arrived chan struct{}
	// signalled is true once arrived has been closed and not yet renewed
	signalled bool
	closed    bool
}

// NewResponseConsumer opens a channel on conn, declares an exclusive
// auto-delete queue named by the broker and starts consuming it with a
// prefetch of one.
func NewResponseConsumer[T any](conn Connection, options ...ConsumerOption) (*ResponseConsumer[T], error) {
	cfg := newConsumerConfig(options)

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", Queue: "(response)", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(1, 0, false); err != nil {
		_ = ch.Close()
		return nil, &ConsumerError{Queue: "(response)", Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	q, err := ch.QueueDeclare(
		"",    // broker-generated name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, &TopologyError{Component: "queue", Name: "(response)", Op: "declare", Err: err, Timestamp: time.Now()}
	}

	c := &ResponseConsumer[T]{
		baseConsumer: newBaseConsumer(ch, q.Name, true, cfg.logger),
		arrived:      make(chan struct{}),
	}

	if err := c.consume(c.enqueue, c.finish); err != nil {
		_ = ch.Close()
		return nil, &ConsumerError{Queue: q.Name, ConsumerTag: c.tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	cfg.logger.Debug("listening for responses", "queue", q.Name, "consumerTag", c.tag)

	return c, nil
}

// QueueName returns the broker-generated reply queue name
func (c *ResponseConsumer[T]) QueueName() string {
	return c.queue
}

func (c *ResponseConsumer[T]) enqueue(d amqp.Delivery) {
	container := messaging.NewMessageContainer[T](d.Body, propertiesOf(d))
	acker := messaging.NewMessageAcker[T](c.channel, d.DeliveryTag, container)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, acker)
	c.signal()
}

// finish marks the delivery stream as ended and wakes any waiter
func (c *ResponseConsumer[T]) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.signal()
}

// signal must be called with mu held
func (c *ResponseConsumer[T]) signal() {
	if !c.signalled {
		c.signalled = true
		close(c.arrived)
	}
}

// Responses yields an acker per response in arrival order. It waits for
// deliveries until ctx is done or the delivery stream ends. Stopping the
// iteration leaves the consumer running; Dispose releases it.
func (c *ResponseConsumer[T]) Responses(ctx context.Context) iter.Seq[*messaging.MessageAcker[T]] {
	return func(yield func(*messaging.MessageAcker[T]) bool) {
		for {
			c.mu.Lock()
			arrived := c.arrived
			c.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-arrived:
			}

			for {
				acker, ok := c.dequeue()
				if !ok {
					break
				}

				// Let the transport's reader goroutines run before handing
				// the delivery to the caller.
				runtime.Gosched()

				if ctx.Err() != nil {
					return
				}
				if !yield(acker) {
					return
				}
			}

			if !c.renew() {
				return
			}
		}
	}
}

func (c *ResponseConsumer[T]) dequeue() (*messaging.MessageAcker[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) == 0 {
		return nil, false
	}
	acker := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return acker, true
}

// renew replaces the resolved arrival signal once the queue is drained.
// It reports false when the delivery stream has ended.
func (c *ResponseConsumer[T]) renew() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) > 0 {
		// More arrived during the drain; the signal stays resolved.
		return true
	}
	if c.closed {
		return false
	}
	if c.signalled {
		c.arrived = make(chan struct{})
		c.signalled = false
	}
	return true
}
