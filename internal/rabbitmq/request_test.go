package rabbitmq_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/glimte/rabbitkit/contracts"
	"github.com/glimte/rabbitkit/internal/rabbitmq"
	"github.com/glimte/rabbitkit/internal/rabbitmqtest"
	"github.com/glimte/rabbitkit/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// respondWith answers every request on the orders queue with replies
func respondWith(t *testing.T, broker *rabbitmqtest.Broker, replies ...any) {
	t.Helper()
	bodies := make([]amqp.Publishing, 0, len(replies))
	for _, r := range replies {
		bodies = append(bodies, jsonPublishing(t, r))
	}
	broker.Respond(ordersQueue, func(b *rabbitmqtest.Broker, msg rabbitmqtest.Published) {
		for _, body := range bodies {
			b.Publish(msg.ReplyTo, body)
		}
	})
}

func newRequestHarness(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	h.connect(t)
	require.NoError(t, rabbitmq.QueueDeclare[orderPlaced](context.Background(), h.helper()))
	return h
}

func TestSendMessageWithResponse(t *testing.T) {
	t.Run("Acknowledgements are acked and reported until success", func(t *testing.T) {
		h := newRequestHarness(t)
		respondWith(t, h.broker,
			reply("received", contracts.NewAcknowledgementResponse()),
			reply("processing", contracts.NewAcknowledgementResponse()),
			reply("done", contracts.NewSuccessfulResponse()))

		var progress []string
		onAck := func(_ context.Context, resp orderReply, raw string) error {
			progress = append(progress, resp.Status)
			assert.Contains(t, raw, resp.Status)
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		resp, raw, err := rabbitmq.SendMessageWithResponse(ctx, h.helper(), orderPlaced{OrderID: "o-1"}, onAck)

		require.NoError(t, err)
		assert.Equal(t, "done", resp.Status)
		assert.True(t, resp.IsSuccessful)
		assert.Contains(t, raw, `"status":"done"`)
		assert.Equal(t, []string{"received", "processing"}, progress)

		settlements := h.broker.Settlements()
		require.Len(t, settlements, 3)
		for _, s := range settlements {
			assert.Equal(t, "ack", s.Op)
			assert.False(t, s.Multiple)
		}
		assert.Empty(t, h.broker.UnknownDeliveryTags())
	})

	t.Run("Request carries the reply queue which is removed afterwards", func(t *testing.T) {
		h := newRequestHarness(t)
		respondWith(t, h.broker, reply("done", contracts.NewSuccessfulResponse()))

		_, _, err := rabbitmq.SendMessageWithResponse[orderPlaced, orderReply](context.Background(), h.helper(), orderPlaced{OrderID: "o-1"}, nil)
		require.NoError(t, err)

		published := h.broker.Published()
		require.Len(t, published, 1)
		replyTo := published[0].ReplyTo
		assert.True(t, strings.HasPrefix(replyTo, "amq.gen-"))
		assert.Equal(t, ordersQueue, published[0].RoutingKey)
		assert.False(t, h.broker.QueueExists(replyTo))
	})

	t.Run("Exception response is a RemoteError and is not acked", func(t *testing.T) {
		h := newRequestHarness(t)
		exception := contracts.NewExceptionResponse("OrderRejected", "out of stock")
		respondWith(t, h.broker, reply("failed", exception))

		_, _, err := rabbitmq.SendMessageWithResponse[orderPlaced, orderReply](context.Background(), h.helper(), orderPlaced{OrderID: "o-1"}, nil)

		var remote *rabbitmq.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, ordersQueue, remote.Queue)
		assert.Equal(t, "OrderRejected", remote.ExceptionType)
		assert.Equal(t, "out of stock", remote.Message)
		assert.Equal(t, exception.ExceptionCorrelationID.String(), remote.CorrelationID)
		require.IsType(t, orderReply{}, remote.Response)
		assert.Equal(t, "failed", remote.Response.(orderReply).Status)
		assert.Contains(t, remote.RawJSON, `"isException":true`)
		assert.False(t, rabbitmq.IsRetryable(err))

		assert.Empty(t, h.broker.Settlements())
	})

	t.Run("Response without any flag is a protocol violation", func(t *testing.T) {
		h := newRequestHarness(t)
		respondWith(t, h.broker, reply("confused", contracts.BaseResponse{}))

		_, _, err := rabbitmq.SendMessageWithResponse[orderPlaced, orderReply](context.Background(), h.helper(), orderPlaced{}, nil)

		assert.ErrorIs(t, err, rabbitmq.ErrProtocolViolation)
	})

	t.Run("Stream ending without a terminal response fails", func(t *testing.T) {
		h := newRequestHarness(t)
		respondWith(t, h.broker, reply("received", contracts.NewAcknowledgementResponse()))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, _, err := rabbitmq.SendMessageWithResponse[orderPlaced, orderReply](ctx, h.helper(), orderPlaced{}, nil)

		assert.ErrorIs(t, err, rabbitmq.ErrNoTerminalResponse)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Len(t, h.broker.Settlements(), 1)
	})

	t.Run("Acknowledgement handler error aborts the request", func(t *testing.T) {
		h := newRequestHarness(t)
		respondWith(t, h.broker,
			reply("received", contracts.NewAcknowledgementResponse()),
			reply("done", contracts.NewSuccessfulResponse()))

		handlerErr := errors.New("progress sink closed")
		_, _, err := rabbitmq.SendMessageWithResponse(context.Background(), h.helper(), orderPlaced{},
			func(context.Context, orderReply, string) error { return handlerErr })

		assert.ErrorIs(t, err, handlerErr)
	})

	t.Run("Unparseable response is a ParseError", func(t *testing.T) {
		h := newRequestHarness(t)
		h.broker.Respond(ordersQueue, func(b *rabbitmqtest.Broker, msg rabbitmqtest.Published) {
			b.Publish(msg.ReplyTo, amqp.Publishing{Body: []byte("<html>")})
		})

		_, _, err := rabbitmq.SendMessageWithResponse[orderPlaced, orderReply](context.Background(), h.helper(), orderPlaced{}, nil)

		var parseErr *messaging.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, "<html>", parseErr.Body)
	})

	t.Run("SendRequestToQueue targets an explicit queue", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t)
		require.NoError(t, h.helper().DeclareQueue(context.Background(), rabbitmq.NewQueueDeclaration("billing")))
		h.broker.Respond("billing", func(b *rabbitmqtest.Broker, msg rabbitmqtest.Published) {
			b.Publish(msg.ReplyTo, jsonPublishing(t, reply("paid", contracts.NewSuccessfulResponse())))
		})

		resp, _, err := rabbitmq.SendRequestToQueue[orderReply](context.Background(), h.helper(), "billing", map[string]int{"amount": 10}, nil)

		require.NoError(t, err)
		assert.Equal(t, "paid", resp.Status)
	})
}
