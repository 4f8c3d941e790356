package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/rabbitkit/messaging"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
)

// Consumer is a live broker subscription bound to one channel
type Consumer interface {
	// Queue returns the queue being consumed
	Queue() string
	// Tag returns the broker consumer tag
	Tag() string
	// OnCancelled registers h for a cancellation the consumer did not
	// initiate (broker basic.cancel or channel loss). The returned func
	// detaches h.
	OnCancelled(h func()) (remove func())
	// Dispose cancels the broker subscription and releases the channel
	Dispose() error
}

// ConsumerOption configures a consumer
type ConsumerOption func(*consumerConfig)

type consumerConfig struct {
	logger  *slog.Logger
	metrics *Metrics
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *consumerConfig) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics recorder
func WithConsumerMetrics(metrics *Metrics) ConsumerOption {
	return func(c *consumerConfig) {
		c.metrics = metrics
	}
}

func newConsumerConfig(options []ConsumerOption) consumerConfig {
	cfg := consumerConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(&cfg)
	}
	return cfg
}

// baseConsumer holds what both consumer variants share: the channel, the
// consumer tag, disposal and the cancellation hooks.
type baseConsumer struct {
	channel      Channel
	queue        string
	tag          string
	closeChannel bool
	logger       *slog.Logger

	mu       sync.Mutex
	disposed bool
	// cancelled is set once the stream ended without Dispose
	cancelled bool
	hooks     map[uint64]func()
	nextHook uint64
	done     chan struct{}
}

func newBaseConsumer(channel Channel, queue string, closeChannel bool, logger *slog.Logger) *baseConsumer {
	return &baseConsumer{
		channel:      channel,
		queue:        queue,
		tag:          "rabbitkit-" + uuid.NewString(),
		closeChannel: closeChannel,
		logger:       logger,
		hooks:        make(map[uint64]func()),
		done:         make(chan struct{}),
	}
}

// Queue returns the queue being consumed
func (c *baseConsumer) Queue() string {
	return c.queue
}

// Tag returns the broker consumer tag
func (c *baseConsumer) Tag() string {
	return c.tag
}

// Done is closed once the delivery stream has ended
func (c *baseConsumer) Done() <-chan struct{} {
	return c.done
}

// OnCancelled registers a hook for unexpected cancellation. A hook
// registered after the stream already ended runs at once on its own
// goroutine.
func (c *baseConsumer) OnCancelled(h func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextHook
	c.nextHook++
	c.hooks[id] = h
	if c.cancelled {
		go h()
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.hooks, id)
	}
}

// Dispose cancels the subscription and, if configured, closes the channel.
// Only the first call has any effect.
func (c *baseConsumer) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.mu.Unlock()

	// A closed channel took the broker-side subscription with it.
	if c.channel.IsClosed() {
		return nil
	}

	var errs []error
	if err := c.channel.Cancel(c.tag, false); err != nil {
		errs = append(errs, fmt.Errorf("cancel consumer %s: %w", c.tag, err))
	}
	if c.closeChannel {
		if err := c.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (c *baseConsumer) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// consume starts the broker subscription with manual ack and dispatches
// each delivery to handle. finish runs once the stream ends.
func (c *baseConsumer) consume(handle func(amqp.Delivery), finish func()) error {
	deliveries, err := c.channel.Consume(
		c.queue,
		c.tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	go c.dispatch(deliveries, handle, finish)
	return nil
}

func (c *baseConsumer) dispatch(deliveries <-chan amqp.Delivery, handle func(amqp.Delivery), finish func()) {
	defer close(c.done)

	for d := range deliveries {
		handle(d)
	}

	if finish != nil {
		finish()
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	hooks := make([]func(), 0, len(c.hooks))
	for _, h := range c.hooks {
		hooks = append(hooks, h)
	}
	c.mu.Unlock()

	c.logger.Warn("consumer cancelled", "queue", c.queue, "consumerTag", c.tag)
	for _, h := range hooks {
		h()
	}
}

// SubscriptionConsumer pushes each delivery of a queue to a handler
type SubscriptionConsumer[T any] struct {
	*baseConsumer
	metrics *Metrics

	handlerMu sync.RWMutex
	handler   messaging.Handler[T]
}

// NewSubscriptionConsumer opens a channel on conn, declares queue as a
// durable queue, applies the prefetch and starts consuming. A nil handler
// is allowed; deliveries are then returned to the queue until one is set.
func NewSubscriptionConsumer[T any](conn Connection, queue string, prefetch uint16, handler messaging.Handler[T], options ...ConsumerOption) (*SubscriptionConsumer[T], error) {
	cfg := newConsumerConfig(options)

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", Queue: queue, Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(int(prefetch), 0, false); err != nil {
		_ = ch.Close()
		return nil, &ConsumerError{Queue: queue, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, &TopologyError{Component: "queue", Name: queue, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	c := &SubscriptionConsumer[T]{
		baseConsumer: newBaseConsumer(ch, queue, true, cfg.logger),
		metrics:      cfg.metrics,
		handler:      handler,
	}

	if err := c.consume(c.handleDelivery, nil); err != nil {
		_ = ch.Close()
		return nil, &ConsumerError{Queue: queue, ConsumerTag: c.tag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	cfg.logger.Debug("subscribed to queue",
		"queue", queue,
		"consumerTag", c.tag,
		"prefetchCount", prefetch)

	return c, nil
}

// SetHandler attaches h, replacing any previous handler; nil detaches
func (c *SubscriptionConsumer[T]) SetHandler(h messaging.Handler[T]) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
}

// Handler returns the attached handler
func (c *SubscriptionConsumer[T]) Handler() messaging.Handler[T] {
	c.handlerMu.RLock()
	defer c.handlerMu.RUnlock()
	return c.handler
}

func (c *SubscriptionConsumer[T]) handleDelivery(d amqp.Delivery) {
	handler := c.Handler()
	if handler == nil {
		c.metrics.deliveryReturned(c.queue, "no_handler")
		if err := c.channel.Nack(d.DeliveryTag, false, true); err != nil {
			c.logger.Error("failed to requeue delivery without handler",
				"queue", c.queue,
				"deliveryTag", d.DeliveryTag,
				"error", err)
		}
		return
	}

	acker, err := c.invoke(handler, d)
	if err == nil {
		return
	}

	c.metrics.deliveryReturned(c.queue, "handler_error")

	// The handler settled the delivery before failing; rejecting again
	// would close the channel with PRECONDITION_FAILED.
	if acker == nil || !acker.Settled() {
		if rejectErr := c.channel.Reject(d.DeliveryTag, false); rejectErr != nil {
			err = errors.Join(err, rejectErr)
		}
	}

	c.logger.Error("unhandled error in subscription consumer",
		"queue", c.queue,
		"deliveryTag", d.DeliveryTag,
		"error", err)
}

func (c *SubscriptionConsumer[T]) invoke(handler messaging.Handler[T], d amqp.Delivery) (acker *messaging.MessageAcker[T], err error) {
	ctx, span := startSpan(ExtractTraceContext(context.Background(), d.Headers), "process", c.queue, trace.SpanKindConsumer)
	defer func() { endSpan(span, err) }()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	container := messaging.NewMessageContainer[T](d.Body, propertiesOf(d))
	acker = messaging.NewMessageAcker[T](c.channel, d.DeliveryTag, container).WithContext(ctx)
	return acker, handler(acker)
}
