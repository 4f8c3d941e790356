package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/glimte/rabbitkit/config"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionLoop owns the single broker connection.
//
// It dials until a connection is established, watches it, and on loss
// notifies shutdown handlers, discards the connection and dials again. Only
// cancellation of the context passed to StartLoop stops it.
type ConnectionLoop struct {
	settings config.Broker
	dial     Dialer
	logger   *slog.Logger
	metrics  *Metrics

	mu          sync.RWMutex
	conn        Connection
	established []func()
	shutdown    []func()

	startOnce sync.Once
	done      chan struct{}
}

// ConnectionOption configures the ConnectionLoop
type ConnectionOption func(*ConnectionLoop)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(l *ConnectionLoop) {
		l.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(l *ConnectionLoop) {
		l.dial = dial
	}
}

// WithMetrics sets the metrics recorder
func WithMetrics(metrics *Metrics) ConnectionOption {
	return func(l *ConnectionLoop) {
		l.metrics = metrics
	}
}

// NewConnectionLoop creates a connection loop; call StartLoop to begin dialing
func NewConnectionLoop(settings config.Broker, options ...ConnectionOption) *ConnectionLoop {
	l := &ConnectionLoop{
		settings: settings,
		dial:     DialAMQP,
		logger:   slog.Default(),
		done:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(l)
	}

	return l
}

// StartLoop begins connection attempts in the background and returns at once.
// Later calls are no-ops.
func (l *ConnectionLoop) StartLoop(ctx context.Context) {
	l.startOnce.Do(func() {
		go l.run(ctx)
	})
}

// Done is closed once the loop has stopped after cancellation
func (l *ConnectionLoop) Done() <-chan struct{} {
	return l.done
}

// Connection returns the current connection or ErrNotConnected
func (l *ConnectionLoop) Connection() (Connection, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.conn == nil {
		return nil, ErrNotConnected
	}
	return l.conn, nil
}

// IsConnected returns the connection status
func (l *ConnectionLoop) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn != nil
}

// OnConnectionEstablished registers h for every future (re)connection.
// If a connection already exists h is also invoked immediately.
func (l *ConnectionLoop) OnConnectionEstablished(h func()) {
	l.mu.Lock()
	l.established = append(l.established, h)
	connected := l.conn != nil
	l.mu.Unlock()

	if connected {
		l.invoke("established", h)
	}
}

// OnConnectionShutdown registers h for every detected connection loss
func (l *ConnectionLoop) OnConnectionShutdown(h func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.shutdown = append(l.shutdown, h)
}

func (l *ConnectionLoop) run(ctx context.Context) {
	defer close(l.done)

	for {
		conn, closed, ok := l.establish(ctx)
		if !ok {
			return
		}

		select {
		case amqpErr, open := <-closed:
			if open && amqpErr != nil {
				l.logger.Error("lost connection to RabbitMQ",
					"address", l.settings.Address(),
					"error", amqpErr)
			} else {
				l.logger.Error("lost connection to RabbitMQ", "address", l.settings.Address())
			}
			l.metrics.connectionLost()
			l.drop(conn)

		case <-ctx.Done():
			l.logger.Info("connection loop shutting down")
			l.drop(conn)
			return
		}
	}
}

// establish dials until a connection is made or ctx is cancelled
func (l *ConnectionLoop) establish(ctx context.Context) (Connection, chan *amqp.Error, bool) {
	retryInterval := l.settings.RetryInterval()
	attempt := 0

	for {
		if ctx.Err() != nil {
			return nil, nil, false
		}

		attempt++
		l.logger.Debug("attempting to connect to RabbitMQ",
			"address", l.settings.Address(),
			"attempt", attempt)

		conn, err := l.dial(l.settings.URI())
		l.metrics.connectAttempt(err)
		if err == nil {
			closed := conn.NotifyClose(make(chan *amqp.Error, 1))
			l.logger.Info("established connection to RabbitMQ",
				"address", l.settings.Address(),
				"attempts", attempt)
			l.publish(conn)
			return conn, closed, true
		}

		l.logger.Error("failed to connect to RabbitMQ",
			"error", &ConnectionError{
				Op:        "connect",
				Address:   l.settings.Address(),
				Err:       err,
				Timestamp: time.Now(),
				Attempts:  attempt,
			},
			"nextRetryIn", retryInterval)

		timer := time.NewTimer(retryInterval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, false
		}
	}
}

// publish makes conn current and runs the established handlers
func (l *ConnectionLoop) publish(conn Connection) {
	l.mu.Lock()
	l.conn = conn
	handlers := slices.Clone(l.established)
	l.mu.Unlock()

	l.metrics.connectionUp(true)

	for _, h := range handlers {
		l.invoke("established", h)
	}
}

// drop clears the current connection, runs the shutdown handlers and closes conn
func (l *ConnectionLoop) drop(conn Connection) {
	l.mu.Lock()
	l.conn = nil
	handlers := slices.Clone(l.shutdown)
	l.mu.Unlock()

	l.metrics.connectionUp(false)

	for _, h := range handlers {
		l.invoke("shutdown", h)
	}

	if !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			l.logger.Debug("failed to close connection", "error", err)
		}
	}
}

// invoke runs a handler; a panicking handler is logged and never stops the loop
func (l *ConnectionLoop) invoke(event string, h func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("connection handler panicked",
				"event", event,
				"error", fmt.Errorf("panic: %v", r))
		}
	}()
	h()
}
