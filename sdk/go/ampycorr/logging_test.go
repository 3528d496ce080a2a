package ampycorr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWithAddsFields(t *testing.T) {
	base, logs := observedLogger()
	tagged := base.With(zap.String("component", "resolver"))

	ctx := WithOperation(context.Background(), &OperationContext{
		ID:       "4bf92f3577b34da6a3ce929d0e0e4736",
		ParentID: "00f067aa0ba902b7",
	})
	tagged.Info(ctx, "resolved", zap.String("format", "w3c"))
	base.Info(ctx, "untagged")

	entries := logs.All()
	require.Len(t, entries, 2)

	fields := entries[0].ContextMap()
	require.Equal(t, "test", fields["service"])
	require.Equal(t, "resolver", fields["component"])
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", fields["operation_id"])
	require.Equal(t, "00f067aa0ba902b7", fields["parent_id"])
	require.Equal(t, "w3c", fields["format"])

	require.NotContains(t, entries[1].ContextMap(), "component", "With must not leak into the parent logger")
}

func TestLoggerFallsBackToSpanContext(t *testing.T) {
	l, logs := observedLogger()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))

	l.Warn(ctx, "no operation")
	fields := logs.All()[0].ContextMap()
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", fields["trace_id"])
	require.Equal(t, "00f067aa0ba902b7", fields["span_id"])
	require.NotContains(t, fields, "operation_id")
}

func TestLoggerRespectsLevel(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	l := NewZapLogger(zap.New(core), Config{ServiceName: "test"}).With(zap.String("component", "tracker"))

	l.Debug(context.Background(), "dropped")
	l.Error(context.Background(), "kept")

	require.Equal(t, 0, logs.FilterMessage("dropped").Len())
	require.Equal(t, 1, logs.FilterMessage("kept").Len())
}

func TestInitTagsComponentLoggers(t *testing.T) {
	logger, logs := observedLogger()
	h, err := Init(context.Background(), Config{ServiceName: "orders", PreferLegacyFormat: true}, WithLogger(logger))
	require.NoError(t, err)
	defer func() { require.NoError(t, h.Shutdown(context.Background())) }()

	mw := HTTPServerMiddleware(h)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set(HeaderRequestID, "|.")
	mw.ServeHTTP(httptest.NewRecorder(), req)

	ignored := logs.FilterMessage("ignoring Request-Id without a root segment").All()
	require.Len(t, ignored, 1)
	require.Equal(t, "resolver", ignored[0].ContextMap()["component"])

	tracked := logs.FilterMessage("telemetry.request").All()
	require.Len(t, tracked, 1)
	require.Equal(t, "channel", tracked[0].ContextMap()["component"])
	require.Equal(t, "test", tracked[0].ContextMap()["service"])
}
