package rabbitmq_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glimte/rabbitkit/internal/rabbitmq"
	"github.com/glimte/rabbitkit/messaging"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ackAll(acker *messaging.MessageAcker[orderPlaced]) error {
	return acker.Ack()
}

func newRegistry(h *harness, metrics *rabbitmq.Metrics) *rabbitmq.ConsumerRegistry {
	registry := rabbitmq.NewConsumerRegistry(h.loop, quietLogger(), metrics)
	registry.Start()
	return registry
}

func attached(registry *rabbitmq.ConsumerRegistry, id uuid.UUID) func() bool {
	return func() bool {
		_, ok := registry.Consumer(id)
		return ok
	}
}

func TestConsumerRegistry(t *testing.T) {
	t.Run("Registration while disconnected attaches on connect", func(t *testing.T) {
		h := newHarness(t)
		registry := newRegistry(h, nil)

		id := rabbitmq.RegisterConsumer(registry, ackAll, 5)

		_, ok := registry.Consumer(id)
		assert.False(t, ok)
		assert.Equal(t, 1, registry.Len())
		assert.Zero(t, h.broker.ChannelsOpened())

		h.connect(t)

		require.Eventually(t, attached(registry, id), waitFor, tick)
		consumers := h.broker.Consumers(ordersQueue)
		require.Len(t, consumers, 1)
		assert.Equal(t, 5, consumers[0].Prefetch)
	})

	t.Run("Registration while connected attaches at once", func(t *testing.T) {
		h := newHarness(t)
		registry := newRegistry(h, nil)
		h.connect(t)

		id := rabbitmq.RegisterQueueConsumer(registry, "audit", ackAll, 1)

		consumer, ok := registry.Consumer(id)
		require.True(t, ok)
		assert.Equal(t, "audit", consumer.Queue())
		assert.Len(t, h.broker.Consumers("audit"), 1)
	})

	t.Run("Reconnect rebuilds every definition with a new consumer", func(t *testing.T) {
		h := newHarness(t)
		registry := newRegistry(h, nil)
		first := rabbitmq.RegisterConsumer(registry, ackAll, 5)
		second := rabbitmq.RegisterQueueConsumer(registry, "audit", ackAll, 1)
		h.connect(t)
		require.Eventually(t, attached(registry, first), waitFor, tick)
		require.Eventually(t, attached(registry, second), waitFor, tick)

		before, _ := registry.Consumer(first)

		h.broker.DropConnections()

		require.Eventually(t, func() bool {
			after, ok := registry.Consumer(first)
			return ok && after.Tag() != before.Tag()
		}, waitFor, tick)
		require.Eventually(t, attached(registry, second), waitFor, tick)

		after, _ := registry.Consumer(first)
		consumers := h.broker.Consumers(ordersQueue)
		require.Len(t, consumers, 1)
		assert.Equal(t, after.Tag(), consumers[0].Tag)
	})

	t.Run("Unregister disposes once and prevents rebuilds", func(t *testing.T) {
		h := newHarness(t)
		registry := newRegistry(h, nil)
		h.connect(t)
		id := rabbitmq.RegisterConsumer(registry, ackAll, 5)
		consumer, ok := registry.Consumer(id)
		require.True(t, ok)

		registry.UnregisterConsumer(id)
		registry.UnregisterConsumer(id)

		assert.Equal(t, []string{consumer.Tag()}, h.broker.Cancelled())
		assert.Zero(t, registry.Len())

		dialsBefore := h.broker.Dials()
		h.broker.DropConnections()
		require.Eventually(t, func() bool {
			return h.broker.Dials() > dialsBefore && h.loop.IsConnected()
		}, waitFor, tick)

		assert.Never(t, func() bool { return len(h.broker.Consumers(ordersQueue)) > 0 }, 50*time.Millisecond, tick)
		assert.Equal(t, []string{consumer.Tag()}, h.broker.Cancelled())
	})

	t.Run("Unregister of an unknown id is a no-op", func(t *testing.T) {
		h := newHarness(t)
		registry := newRegistry(h, nil)
		id := rabbitmq.RegisterConsumer(registry, ackAll, 5)

		registry.UnregisterConsumer(uuid.New())

		assert.Equal(t, 1, registry.Len())
		_, ok := registry.Consumer(id)
		assert.False(t, ok)
	})

	t.Run("Broker cancellation waits for the next connection to rebuild", func(t *testing.T) {
		h := newHarness(t)
		reg := prometheus.NewRegistry()
		registry := newRegistry(h, rabbitmq.NewMetrics(reg))
		h.connect(t)
		id := rabbitmq.RegisterConsumer(registry, ackAll, 5)
		require.True(t, attached(registry, id)())

		h.broker.CancelConsumers(ordersQueue)

		require.Eventually(t, func() bool { return !attached(registry, id)() }, waitFor, tick)
		assert.Equal(t, 1, registry.Len())
		assert.Never(t, attached(registry, id), 50*time.Millisecond, tick)
		assert.Equal(t, 1.0, counterValue(t, reg, "rabbitkit_consumer_unexpected_cancellations_total"))

		h.broker.DropConnections()

		assert.Eventually(t, attached(registry, id), waitFor, tick)
	})

	t.Run("Stream ending before the hook is registered still detaches", func(t *testing.T) {
		var h *harness
		h = newHarness(t, rabbitmq.WithDialer(func(uri amqp.URI) (rabbitmq.Connection, error) {
			conn, err := h.broker.Dial(uri)
			if err != nil {
				return nil, err
			}
			return endedStreamConnection{conn}, nil
		}))
		reg := prometheus.NewRegistry()
		registry := newRegistry(h, rabbitmq.NewMetrics(reg))
		h.connect(t)

		id := rabbitmq.RegisterConsumer(registry, ackAll, 5)

		require.Eventually(t, func() bool { return !attached(registry, id)() }, waitFor, tick)
		assert.Equal(t, 1, registry.Len())
		assert.Eventually(t, func() bool {
			return counterValue(t, reg, "rabbitkit_consumer_unexpected_cancellations_total") == 1
		}, waitFor, tick)
	})

	t.Run("Attach failure is retried on the next connection", func(t *testing.T) {
		h := newHarness(t)
		reg := prometheus.NewRegistry()
		registry := newRegistry(h, rabbitmq.NewMetrics(reg))
		h.connect(t)
		h.broker.FailNext("qos", errors.New("channel closed"))

		id := rabbitmq.RegisterConsumer(registry, ackAll, 5)

		_, ok := registry.Consumer(id)
		assert.False(t, ok)
		count, err := testutil.GatherAndCount(reg, "rabbitkit_consumer_attach_total")
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		h.broker.DropConnections()

		assert.Eventually(t, attached(registry, id), waitFor, tick)
	})

	t.Run("Shutdown disposes consumers but keeps definitions", func(t *testing.T) {
		h := newHarness(t)
		registry := newRegistry(h, nil)

		var handled atomic.Int32
		id := rabbitmq.RegisterConsumer(registry, func(acker *messaging.MessageAcker[orderPlaced]) error {
			handled.Add(1)
			return acker.Ack()
		}, 5)
		h.connect(t)
		require.Eventually(t, attached(registry, id), waitFor, tick)

		h.cancel()
		<-h.loop.Done()

		assert.False(t, attached(registry, id)())
		assert.Equal(t, 1, registry.Len())
	})
}

// endedStreamConnection opens channels whose deliveries end immediately
type endedStreamConnection struct {
	rabbitmq.Connection
}

func (c endedStreamConnection) Channel() (rabbitmq.Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return endedStreamChannel{ch}, nil
}

type endedStreamChannel struct {
	rabbitmq.Channel
}

func (endedStreamChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	deliveries := make(chan amqp.Delivery)
	close(deliveries)
	return deliveries, nil
}

// counterValue sums the samples of the counter family name
func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		total := 0.0
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
