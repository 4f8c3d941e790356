// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitkit

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/internal/rabbitmq"
	"github.com/glimte/rabbitkit/messaging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Errors returned by client operations
var (
	ErrNotConnected       = rabbitmq.ErrNotConnected
	ErrProtocolViolation  = rabbitmq.ErrProtocolViolation
	ErrNoTerminalResponse = rabbitmq.ErrNoTerminalResponse
)

// IsRetryable reports whether err is a transient broker failure that may
// succeed on a later attempt
var IsRetryable = rabbitmq.IsRetryable

// Typed failures returned by client operations
type (
	RemoteError     = rabbitmq.RemoteError
	ConnectionError = rabbitmq.ConnectionError
	ChannelError    = rabbitmq.ChannelError
	PublishError    = rabbitmq.PublishError
	ConsumerError   = rabbitmq.ConsumerError
	TopologyError   = rabbitmq.TopologyError
)

// Queue and publish options
type (
	QueueOption = rabbitmq.QueueOption
	SendOption  = rabbitmq.SendOption
)

var (
	WithDurable         = rabbitmq.WithDurable
	WithAutoDelete      = rabbitmq.WithAutoDelete
	WithExclusive       = rabbitmq.WithExclusive
	WithQueueArguments  = rabbitmq.WithQueueArguments
	WithGracefulFailure = rabbitmq.WithGracefulFailure
)

// AcknowledgementHandler observes interim acknowledgement responses of a
// request. A returned error aborts the request.
type AcknowledgementHandler[R any] func(ctx context.Context, response R, rawJSON string) error

// Client provides the main entry point for rabbitkit. It owns the
// connection loop and the consumer registry and runs one-shot broker
// operations against the current connection.
type Client struct {
	loop     *rabbitmq.ConnectionLoop
	registry *rabbitmq.ConsumerRegistry
	helper   *rabbitmq.BrokerHelper
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewClient creates a client for the broker in cfg. Nothing connects until
// Start is called.
func NewClient(cfg config.Broker, options ...ClientOption) *Client {
	cc := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cc)
	}

	var metrics *rabbitmq.Metrics
	if cc.registerer != nil {
		metrics = rabbitmq.NewMetrics(cc.registerer)
	}

	loopOptions := []rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cc.logger),
		rabbitmq.WithMetrics(metrics),
	}
	if cc.dialer != nil {
		loopOptions = append(loopOptions, rabbitmq.WithDialer(cc.dialer))
	}
	loop := rabbitmq.NewConnectionLoop(cfg, loopOptions...)

	return &Client{
		loop:     loop,
		registry: rabbitmq.NewConsumerRegistry(loop, cc.logger, metrics),
		helper:   rabbitmq.NewBrokerHelper(loop, cc.logger, metrics),
		logger:   cc.logger,
	}
}

// Start begins connecting in the background and keeps registered consumers
// attached until ctx is cancelled or Close is called. It does not wait for
// a connection.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.registry.Start()
	c.loop.StartLoop(ctx)
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.loop.IsConnected()
}

// Done is closed once a started client has shut down
func (c *Client) Done() <-chan struct{} {
	return c.loop.Done()
}

// Close stops the connection loop, disposing live consumers, and waits for
// it to finish. Registered definitions are kept.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-c.loop.Done()
	return nil
}

// RegisterConsumer subscribes handler to the queue of message type T and
// returns the identity to unregister it with.
func RegisterConsumer[T contracts.Message](c *Client, handler messaging.Handler[T], prefetch uint16) uuid.UUID {
	return rabbitmq.RegisterConsumer(c.registry, handler, prefetch)
}

// RegisterQueueConsumer subscribes handler to an explicit queue
func RegisterQueueConsumer[T any](c *Client, queue string, handler messaging.Handler[T], prefetch uint16) uuid.UUID {
	return rabbitmq.RegisterQueueConsumer(c.registry, queue, handler, prefetch)
}

// UnregisterConsumer disposes the consumer registered as id. Unknown ids
// are ignored.
func (c *Client) UnregisterConsumer(id uuid.UUID) {
	c.registry.UnregisterConsumer(id)
}

// QueueDeclare declares the queue of message type T, durable and shared
// unless options say otherwise.
func QueueDeclare[T contracts.Message](ctx context.Context, c *Client, options ...QueueOption) error {
	return rabbitmq.QueueDeclare[T](ctx, c.helper, options...)
}

// DeclareQueue declares an explicit queue
func (c *Client) DeclareQueue(ctx context.Context, name string, options ...QueueOption) error {
	return c.helper.DeclareQueue(ctx, rabbitmq.NewQueueDeclaration(name, options...))
}

// SendMessage publishes msg to the queue of its type
func SendMessage[T contracts.Message](ctx context.Context, c *Client, msg T, options ...SendOption) error {
	return rabbitmq.SendMessage(ctx, c.helper, msg, options...)
}

// SendMessageToQueue publishes msg as JSON to queue
func (c *Client) SendMessageToQueue(ctx context.Context, queue string, msg any, options ...SendOption) error {
	return c.helper.SendMessageToQueue(ctx, queue, msg, options...)
}

// SendMessageWithResponse publishes msg and waits for its terminal
// response. It returns the successful response and its JSON body, a
// *RemoteError for an exception response, or ErrProtocolViolation and
// ErrNoTerminalResponse when the exchange breaks down.
func SendMessageWithResponse[M contracts.Message, R contracts.Response](ctx context.Context, c *Client, msg M, onAck AcknowledgementHandler[R]) (R, string, error) {
	return rabbitmq.SendMessageWithResponse(ctx, c.helper, msg, rabbitmq.AcknowledgementHandler[R](onAck))
}

// SendRequestToQueue is SendMessageWithResponse for an explicit queue
func SendRequestToQueue[R contracts.Response](ctx context.Context, c *Client, queue string, msg any, onAck AcknowledgementHandler[R]) (R, string, error) {
	return rabbitmq.SendRequestToQueue(ctx, c.helper, queue, msg, rabbitmq.AcknowledgementHandler[R](onAck))
}

// RetrieveMessages pulls up to maxCount messages from the queue of type T.
// The batch is settled as a whole and must be closed by the caller.
func RetrieveMessages[T contracts.Message](ctx context.Context, c *Client, maxCount uint16) (*messaging.BatchAcker[T], error) {
	return rabbitmq.RetrieveMessages[T](ctx, c.helper, maxCount)
}

// RetrieveFromQueue pulls up to maxCount messages from an explicit queue
func RetrieveFromQueue[T any](ctx context.Context, c *Client, queue string, maxCount uint16) (*messaging.BatchAcker[T], error) {
	return rabbitmq.RetrieveFromQueue[T](ctx, c.helper, queue, maxCount)
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	dialer     rabbitmq.Dialer
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithMetricsRegisterer enables Prometheus metrics registered on reg
func WithMetricsRegisterer(reg prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = reg
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}
