package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestFromContext_DefaultsToNop(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	l.Info("discarded")
}

func TestWithCorrelationID(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx, l := WithCorrelationID(context.Background(), base, "corr-42")
	l.Info("job accepted")
	FromContext(ctx).Info("from context")

	assert.Equal(t, "corr-42", GetCorrelationID(ctx))
	require.Len(t, recorded.All(), 2)
	for _, entry := range recorded.All() {
		assert.Equal(t, "corr-42", entry.ContextMap()["correlation_id"])
	}
}

func TestWithRequestID(t *testing.T) {
	ctx, _ := WithRequestID(context.Background(), zap.NewNop(), "req-1")
	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Empty(t, GetCorrelationID(ctx))
}

func TestWithTraceContext(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	WithTraceContext(context.Background(), base).Info("no span")

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)
	L(WithContext(ctx, base)).Info("with span")

	logs := recorded.All()
	require.Len(t, logs, 2)
	assert.NotContains(t, logs[0].ContextMap(), "trace_id")
	assert.Equal(t, traceID.String(), logs[1].ContextMap()["trace_id"])
	assert.Equal(t, spanID.String(), logs[1].ContextMap()["span_id"])
}
