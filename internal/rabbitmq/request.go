package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/rabbitkit/contracts"
	"go.opentelemetry.io/otel/trace"
)

// AcknowledgementHandler observes interim acknowledgement responses of a
// request. A returned error aborts the request.
type AcknowledgementHandler[R any] func(ctx context.Context, response R, rawJSON string) error

// SendMessageWithResponse publishes msg to the queue of its type and waits
// for the terminal response. See SendRequestToQueue.
func SendMessageWithResponse[M contracts.Message, R contracts.Response](ctx context.Context, h *BrokerHelper, msg M, onAck AcknowledgementHandler[R]) (R, string, error) {
	return SendRequestToQueue(ctx, h, msg.QueueName(), msg, onAck)
}

// SendRequestToQueue publishes msg to queue with a private reply queue and
// drives the replies until a terminal one arrives.
//
// Acknowledgement replies are acked, passed to onAck when set, and waited
// past. A successful reply is acked and returned with its body. An exception
// reply is returned as a *RemoteError and left unacked; the reply queue is
// removed when the request ends. A reply with no kind flag fails with
// ErrProtocolViolation, and a reply stream that ends first (ctx done or the
// channel lost) fails with ErrNoTerminalResponse.
func SendRequestToQueue[R contracts.Response](ctx context.Context, h *BrokerHelper, queue string, msg any, onAck AcknowledgementHandler[R]) (response R, rawJSON string, err error) {
	ctx, span := startSpan(ctx, "request", queue, trace.SpanKindClient)
	defer func() {
		h.metrics.requestCompleted(queue, requestOutcome(err))
		endSpan(span, err)
	}()

	var zero R

	conn, err := h.loop.Connection()
	if err != nil {
		return zero, "", err
	}

	consumer, err := NewResponseConsumer[R](conn,
		WithConsumerLogger(h.logger),
		WithConsumerMetrics(h.metrics))
	if err != nil {
		return zero, "", err
	}
	defer func() {
		if disposeErr := consumer.Dispose(); disposeErr != nil {
			h.logger.Debug("failed to dispose response consumer",
				"queue", consumer.QueueName(),
				"error", disposeErr)
		}
	}()

	if err := h.publish(ctx, queue, msg, consumer.QueueName()); err != nil {
		return zero, "", err
	}

	for acker := range consumer.Responses(ctx) {
		resp, err := acker.Container.Message()
		if err != nil {
			return zero, "", err
		}
		raw, _ := acker.Container.MessageJSON()

		envelope := resp.Envelope()
		switch envelope.Kind() {
		case contracts.KindAcknowledgement:
			if err := acker.Ack(); err != nil {
				return zero, "", &ConsumerError{Queue: consumer.QueueName(), ConsumerTag: consumer.Tag(), Op: "ack", Err: err}
			}
			h.logger.Debug("request acknowledged", "queue", queue, "replyTo", consumer.QueueName())
			if onAck != nil {
				if err := onAck(ctx, resp, raw); err != nil {
					return zero, "", fmt.Errorf("acknowledgement handler: %w", err)
				}
			}

		case contracts.KindSuccessful:
			if err := acker.Ack(); err != nil {
				return zero, "", &ConsumerError{Queue: consumer.QueueName(), ConsumerTag: consumer.Tag(), Op: "ack", Err: err}
			}
			return resp, raw, nil

		case contracts.KindException:
			remote := &RemoteError{
				Queue:         queue,
				ExceptionType: envelope.ExceptionType,
				Message:       envelope.ExceptionMessage,
				Response:      resp,
				RawJSON:       raw,
			}
			if envelope.ExceptionCorrelationID != nil {
				remote.CorrelationID = envelope.ExceptionCorrelationID.String()
			}
			return zero, "", remote

		default:
			return zero, "", fmt.Errorf("%w: %s", ErrProtocolViolation, raw)
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, "", fmt.Errorf("%w: %w", ErrNoTerminalResponse, ctxErr)
	}
	return zero, "", ErrNoTerminalResponse
}

func requestOutcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &remote):
		return "remote_failure"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol_violation"
	case errors.Is(err, ErrNoTerminalResponse):
		return "no_terminal_response"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	default:
		return "error"
	}
}
