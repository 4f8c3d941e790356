package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/internal/jsoncodec"
	"github.com/glimte/rabbitkit/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
)

const contentTypeJSON = "application/json"

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// QueueOption adjusts a QueueDeclaration
type QueueOption func(*QueueDeclaration)

// WithDurable sets whether the queue survives a broker restart
func WithDurable(durable bool) QueueOption {
	return func(q *QueueDeclaration) {
		q.Durable = durable
	}
}

// WithAutoDelete sets whether the queue is deleted after its last consumer leaves
func WithAutoDelete(autoDelete bool) QueueOption {
	return func(q *QueueDeclaration) {
		q.AutoDelete = autoDelete
	}
}

// WithExclusive sets whether the queue is private to the declaring connection
func WithExclusive(exclusive bool) QueueOption {
	return func(q *QueueDeclaration) {
		q.Exclusive = exclusive
	}
}

// WithQueueArguments sets the x-arguments of the declaration
func WithQueueArguments(args amqp.Table) QueueOption {
	return func(q *QueueDeclaration) {
		q.Arguments = args
	}
}

// NewQueueDeclaration returns a durable, shared, persistent declaration for name
func NewQueueDeclaration(name string, options ...QueueOption) QueueDeclaration {
	q := QueueDeclaration{
		Name:    name,
		Durable: true,
	}
	for _, opt := range options {
		opt(&q)
	}
	return q
}

// SendOption adjusts a single publish
type SendOption func(*sendConfig)

type sendConfig struct {
	graceful bool
}

// WithGracefulFailure logs a failed publish instead of returning the error
func WithGracefulFailure() SendOption {
	return func(c *sendConfig) {
		c.graceful = true
	}
}

// BrokerHelper runs one-shot operations against the current connection.
// Every operation opens its own channel and fails fast with
// ErrNotConnected when the loop has no connection.
type BrokerHelper struct {
	loop    *ConnectionLoop
	logger  *slog.Logger
	metrics *Metrics
}

// NewBrokerHelper creates a helper bound to loop. A nil logger uses
// slog.Default and a nil metrics records nothing.
func NewBrokerHelper(loop *ConnectionLoop, logger *slog.Logger, metrics *Metrics) *BrokerHelper {
	if logger == nil {
		logger = slog.Default()
	}
	return &BrokerHelper{
		loop:    loop,
		logger:  logger,
		metrics: metrics,
	}
}

// openChannel opens a channel on the current connection
func (h *BrokerHelper) openChannel(queue string) (Channel, error) {
	conn, err := h.loop.Connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", Queue: queue, Err: err, Timestamp: time.Now()}
	}
	return ch, nil
}

// QueueDeclare declares the queue of message type T
func QueueDeclare[T contracts.Message](ctx context.Context, h *BrokerHelper, options ...QueueOption) error {
	return h.DeclareQueue(ctx, NewQueueDeclaration(contracts.QueueNameFor[T](), options...))
}

// DeclareQueue declares a single queue on a short-lived channel
func (h *BrokerHelper) DeclareQueue(ctx context.Context, queue QueueDeclaration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := h.openChannel(queue.Name)
	if err != nil {
		return err
	}
	defer closeChannel(ch, h.logger)

	if _, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	); err != nil {
		return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	h.logger.Debug("declared queue",
		"queue", queue.Name,
		"durable", queue.Durable,
		"exclusive", queue.Exclusive,
		"autoDelete", queue.AutoDelete)
	return nil
}

// SendMessage publishes msg to the queue of its type
func SendMessage[T contracts.Message](ctx context.Context, h *BrokerHelper, msg T, options ...SendOption) error {
	return h.SendMessageToQueue(ctx, msg.QueueName(), msg, options...)
}

// SendMessageToQueue publishes msg as JSON to queue through the default exchange
func (h *BrokerHelper) SendMessageToQueue(ctx context.Context, queue string, msg any, options ...SendOption) error {
	var cfg sendConfig
	for _, opt := range options {
		opt(&cfg)
	}

	err := h.publish(ctx, queue, msg, "")
	if err != nil && cfg.graceful {
		h.logger.Warn("send message to queue failed", "queue", queue, "error", err)
		return nil
	}
	return err
}

// publish sends one persistent JSON message, optionally with a reply-to queue
func (h *BrokerHelper) publish(ctx context.Context, queue string, msg any, replyTo string) (err error) {
	ctx, span := startSpan(ctx, "publish", queue, trace.SpanKindProducer)
	defer func() {
		h.metrics.messagePublished(queue, err)
		endSpan(span, err)
	}()

	body, err := jsoncodec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", queue, err)
	}

	ch, err := h.openChannel(queue)
	if err != nil {
		return err
	}
	defer closeChannel(ch, h.logger)

	publishing := amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		ReplyTo:      replyTo,
		Headers:      amqp.Table{},
		Body:         body,
	}
	if identified, ok := msg.(interface{ GetID() string }); ok {
		publishing.MessageId = identified.GetID()
	}
	injectTraceContext(ctx, publishing.Headers)

	if err := ch.PublishWithContext(ctx, "", queue, false, false, publishing); err != nil {
		return &PublishError{RoutingKey: queue, Err: err, Timestamp: time.Now()}
	}

	h.logger.Debug("published message",
		"queue", queue,
		"messageId", publishing.MessageId,
		"replyTo", replyTo)
	return nil
}

// RetrieveMessages pulls up to maxCount messages from the queue of type T
func RetrieveMessages[T contracts.Message](ctx context.Context, h *BrokerHelper, maxCount uint16) (*messaging.BatchAcker[T], error) {
	return RetrieveFromQueue[T](ctx, h, contracts.QueueNameFor[T](), maxCount)
}

// RetrieveFromQueue pulls up to maxCount messages from queue, stopping early
// once the queue is empty. The returned batch owns the channel the messages
// were pulled on; callers settle it and then Close it.
func RetrieveFromQueue[T any](ctx context.Context, h *BrokerHelper, queue string, maxCount uint16) (*messaging.BatchAcker[T], error) {
	ctx, span := startSpan(ctx, "receive", queue, trace.SpanKindConsumer)
	var err error
	defer func() { endSpan(span, err) }()

	ch, err := h.openChannel(queue)
	if err != nil {
		return nil, err
	}

	var (
		containers []*messaging.MessageContainer[T]
		lastTag    uint64
	)
	for len(containers) < int(maxCount) {
		if err = ctx.Err(); err != nil {
			closeChannel(ch, h.logger)
			return nil, err
		}

		d, ok, getErr := ch.Get(queue, false)
		if getErr != nil {
			err = &ConsumerError{Queue: queue, Op: "get", Err: getErr, Timestamp: time.Now()}
			closeChannel(ch, h.logger)
			return nil, err
		}
		if !ok {
			break
		}

		containers = append(containers, messaging.NewMessageContainer[T](d.Body, propertiesOf(d)))
		lastTag = d.DeliveryTag
	}

	h.metrics.messagesPulled(queue, len(containers))
	h.logger.Debug("retrieved messages",
		"queue", queue,
		"count", len(containers),
		"max", maxCount)

	return messaging.NewBatchAcker(ch, lastTag, len(containers) > 0, containers, ch), nil
}

func closeChannel(ch Channel, logger *slog.Logger) {
	if ch.IsClosed() {
		return
	}
	if err := ch.Close(); err != nil {
		logger.Debug("failed to close channel", "error", err)
	}
}
