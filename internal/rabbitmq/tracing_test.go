package rabbitmq

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestTraceContextPropagation(t *testing.T) {
	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})

	headers := amqp.Table{}
	injectTraceContext(trace.ContextWithSpanContext(context.Background(), sc), headers)

	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headers["traceparent"])

	extracted := trace.SpanContextFromContext(ExtractTraceContext(context.Background(), headers))
	assert.Equal(t, traceID, extracted.TraceID())
	assert.Equal(t, spanID, extracted.SpanID())
	assert.True(t, extracted.IsSampled())
}

func TestHeaderCarrier(t *testing.T) {
	carrier := headerCarrier(amqp.Table{"count": int32(3), "name": "orders"})

	assert.Equal(t, "orders", carrier.Get("name"))
	assert.Equal(t, "3", carrier.Get("count"))
	assert.Empty(t, carrier.Get("missing"))
	assert.ElementsMatch(t, []string{"count", "name"}, carrier.Keys())
}

func TestRequestOutcome(t *testing.T) {
	assert.Equal(t, "success", requestOutcome(nil))
	assert.Equal(t, "remote_failure", requestOutcome(&RemoteError{}))
	assert.Equal(t, "protocol_violation", requestOutcome(ErrProtocolViolation))
	assert.Equal(t, "no_terminal_response", requestOutcome(ErrNoTerminalResponse))
	assert.Equal(t, "not_connected", requestOutcome(ErrNotConnected))
}
