package rabbitmq

import (
	"log/slog"
	"sync"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/messaging"
	"github.com/google/uuid"
)

// ConsumerRegistry keeps the registered subscriptions attached across
// reconnects. Definitions outlive connections; consumers do not.
type ConsumerRegistry struct {
	loop    *ConnectionLoop
	logger  *slog.Logger
	metrics *Metrics

	startOnce sync.Once

	mu          sync.Mutex
	definitions map[uuid.UUID]*consumerDefinition
}

type consumerDefinition struct {
	id         uuid.UUID
	queue      string
	build      func(conn Connection) (Consumer, error)
	consumer   Consumer
	removeHook func()
}

// NewConsumerRegistry creates a registry bound to loop. A nil logger uses
// slog.Default and a nil metrics records nothing.
func NewConsumerRegistry(loop *ConnectionLoop, logger *slog.Logger, metrics *Metrics) *ConsumerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsumerRegistry{
		loop:        loop,
		logger:      logger,
		metrics:     metrics,
		definitions: make(map[uuid.UUID]*consumerDefinition),
	}
}

// Start subscribes the registry to the loop's connection events.
// Later calls are no-ops.
func (r *ConsumerRegistry) Start() {
	r.startOnce.Do(func() {
		r.loop.OnConnectionShutdown(r.detachAll)
		r.loop.OnConnectionEstablished(r.attachAll)
	})
}

// RegisterConsumer subscribes handler to the queue of message type T
func RegisterConsumer[T contracts.Message](r *ConsumerRegistry, handler messaging.Handler[T], prefetch uint16) uuid.UUID {
	return RegisterQueueConsumer(r, contracts.QueueNameFor[T](), handler, prefetch)
}

// RegisterQueueConsumer subscribes handler to queue. A consumer is attached
// at once when connected, otherwise on the next established connection.
func RegisterQueueConsumer[T any](r *ConsumerRegistry, queue string, handler messaging.Handler[T], prefetch uint16) uuid.UUID {
	def := &consumerDefinition{
		id:    uuid.New(),
		queue: queue,
		build: func(conn Connection) (Consumer, error) {
			return NewSubscriptionConsumer(conn, queue, prefetch, handler,
				WithConsumerLogger(r.logger),
				WithConsumerMetrics(r.metrics))
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.definitions[def.id] = def
	if conn, err := r.loop.Connection(); err == nil {
		r.attach(conn, def)
	}
	r.updateLive()

	return def.id
}

// UnregisterConsumer disposes the consumer of id, if attached, and forgets
// the definition. Unknown ids are ignored.
func (r *ConsumerRegistry) UnregisterConsumer(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.definitions[id]
	if !ok {
		return
	}
	delete(r.definitions, id)
	r.release(def)
	r.updateLive()

	r.logger.Debug("unregistered consumer", "id", id, "queue", def.queue)
}

// Consumer returns the live consumer of id
func (r *ConsumerRegistry) Consumer(id uuid.UUID) (Consumer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.definitions[id]
	if !ok || def.consumer == nil {
		return nil, false
	}
	return def.consumer, true
}

// Len returns the number of registered definitions
func (r *ConsumerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.definitions)
}

func (r *ConsumerRegistry) attachAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.loop.Connection()
	if err != nil {
		return
	}

	for _, def := range r.definitions {
		if def.consumer == nil {
			r.attach(conn, def)
		}
	}
	r.updateLive()
}

func (r *ConsumerRegistry) detachAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, def := range r.definitions {
		r.release(def)
	}
	r.updateLive()
}

// attach must be called with mu held
func (r *ConsumerRegistry) attach(conn Connection, def *consumerDefinition) {
	consumer, err := def.build(conn)
	r.metrics.consumerAttached(def.queue, err)
	if err != nil {
		r.logger.Error("failed to attach consumer",
			"queue", def.queue,
			"id", def.id,
			"error", err)
		return
	}

	def.consumer = consumer
	def.removeHook = consumer.OnCancelled(func() {
		r.onCancelled(def, consumer)
	})

	r.logger.Info("attached consumer",
		"queue", def.queue,
		"id", def.id,
		"consumerTag", consumer.Tag())
}

// release must be called with mu held
func (r *ConsumerRegistry) release(def *consumerDefinition) {
	if def.consumer == nil {
		return
	}
	if def.removeHook != nil {
		def.removeHook()
		def.removeHook = nil
	}
	if err := def.consumer.Dispose(); err != nil {
		r.logger.Debug("failed to dispose consumer", "queue", def.queue, "error", err)
	}
	def.consumer = nil
}

func (r *ConsumerRegistry) onCancelled(def *consumerDefinition, consumer Consumer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A newer consumer may already have replaced this one.
	if def.consumer != consumer {
		return
	}

	_, registered := r.definitions[def.id]
	r.release(def)
	r.updateLive()

	if !registered {
		return
	}

	r.metrics.consumerCancelledUnexpectedly()
	r.logger.Error("consumer disconnected unexpectedly",
		"queue", def.queue,
		"id", def.id,
		"consumerTag", consumer.Tag())
}

// updateLive must be called with mu held
func (r *ConsumerRegistry) updateLive() {
	if r.metrics == nil {
		return
	}
	live := 0
	for _, def := range r.definitions {
		if def.consumer != nil {
			live++
		}
	}
	r.metrics.consumersLive(live)
}
