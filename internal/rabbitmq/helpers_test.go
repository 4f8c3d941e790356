package rabbitmq_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/internal/jsoncodec"
	"github.com/glimte/rabbitkit/internal/rabbitmq"
	"github.com/glimte/rabbitkit/internal/rabbitmqtest"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type orderPlaced struct {
	contracts.BaseMessage
	OrderID string `json:"orderId"`
}

func (orderPlaced) QueueName() string { return "orders.placed" }

type orderReply struct {
	contracts.BaseResponse
	Status string `json:"status"`
}

func (orderReply) QueueName() string { return "orders.replies" }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer collects log output written from consumer goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testSettings() config.Broker {
	settings := config.Default().Broker
	settings.ConnectionRetryIntervalMilliseconds = 10
	return settings
}

type harness struct {
	broker  *rabbitmqtest.Broker
	loop    *rabbitmq.ConnectionLoop
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

func newHarness(t *testing.T, options ...rabbitmq.ConnectionOption) *harness {
	t.Helper()

	broker := rabbitmqtest.NewBroker()
	options = append([]rabbitmq.ConnectionOption{
		rabbitmq.WithDialer(broker.Dial),
		rabbitmq.WithLogger(quietLogger()),
	}, options...)

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{
		broker: broker,
		loop:   rabbitmq.NewConnectionLoop(testSettings(), options...),
		ctx:    ctx,
		cancel: cancel,
	}

	t.Cleanup(func() {
		h.cancel()
		if h.started {
			select {
			case <-h.loop.Done():
			case <-time.After(waitFor):
				t.Error("connection loop did not stop")
			}
		}
	})
	return h
}

// start runs the loop without waiting for a connection
func (h *harness) start() {
	h.started = true
	h.loop.StartLoop(h.ctx)
}

// connect runs the loop and waits until it is connected
func (h *harness) connect(t *testing.T) {
	t.Helper()
	h.start()
	require.Eventually(t, h.loop.IsConnected, waitFor, tick)
}

func (h *harness) helper() *rabbitmq.BrokerHelper {
	return rabbitmq.NewBrokerHelper(h.loop, quietLogger(), nil)
}

func dial(t *testing.T, broker *rabbitmqtest.Broker) rabbitmq.Connection {
	t.Helper()
	conn, err := broker.Dial(amqp.URI{})
	require.NoError(t, err)
	return conn
}

func jsonPublishing(t *testing.T, v any) amqp.Publishing {
	t.Helper()
	body, err := jsoncodec.Marshal(v)
	require.NoError(t, err)
	return amqp.Publishing{ContentType: "application/json", Body: body}
}
