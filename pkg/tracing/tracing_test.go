package tracing_test

import (
	"context"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/tracing"
)

func setup(t *testing.T) trace.Tracer {
	t.Helper()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer("test")
}

func TestTraceparentRoundTrip(t *testing.T) {
	tracer := setup(t)
	ctx, span := tracer.Start(context.Background(), "parent")
	defer span.End()

	tp := tracing.Traceparent(ctx)
	require.NotEmpty(t, tp)

	restored := tracing.WithTraceparent(context.Background(), tp)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(restored).TraceID())
}

func TestKafkaHeadersCarrySpan(t *testing.T) {
	tracer := setup(t)
	ctx, span := tracer.Start(context.Background(), "produce")
	defer span.End()

	headers := tracing.InjectKafkaHeaders(ctx, nil)
	assert.NotEmpty(t, tracing.HeaderValue(headers, tracing.TraceparentHeader))

	out := tracing.ExtractKafkaHeaders(context.Background(), headers)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(out).TraceID())
}

func TestTraceparentEmptyWithoutSpan(t *testing.T) {
	setup(t)
	assert.Empty(t, tracing.Traceparent(context.Background()))
	assert.Equal(t, "", tracing.HeaderValue([]kafka.Header{{Key: "a", Value: []byte("b")}}, "missing"))
}
