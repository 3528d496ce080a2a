package ampycorr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingProvider() (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	sr := tracetest.NewSpanRecorder()
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sr),
		sdktrace.WithIDGenerator(NewRecordIDGenerator()),
	), sr
}

func attrMap(kvs []attribute.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		out[string(kv.Key)] = kv.Value.Emit()
	}
	return out
}

func TestSpanChannelExportsDependency(t *testing.T) {
	tp, sr := newRecordingProvider()
	ch := NewSpanChannel(tp)

	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ch.Track(Record{
		Kind:        KindDependency,
		ID:          "b7ad6b7169203331",
		Name:        "GET /v1/quotes",
		Target:      "api.example.com | cid-v1:remote",
		Type:        DependencyTypeComponent,
		ResultCode:  "200",
		Success:     true,
		StartTime:   start,
		Duration:    40 * time.Millisecond,
		OperationID: "4bf92f3577b34da6a3ce929d0e0e4736",
		ParentID:    "00f067aa0ba902b7",
		Properties:  map[string]string{"tenant": "acme"},
	})

	spans := sr.Ended()
	require.Len(t, spans, 1)
	span := spans[0]

	require.Equal(t, "GET /v1/quotes", span.Name())
	require.Equal(t, trace.SpanKindClient, span.SpanKind())
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())
	require.Equal(t, "b7ad6b7169203331", span.SpanContext().SpanID().String())
	require.Equal(t, "00f067aa0ba902b7", span.Parent().SpanID().String())
	require.True(t, span.Parent().IsRemote())
	require.Equal(t, start, span.StartTime())
	require.Equal(t, start.Add(40*time.Millisecond), span.EndTime())
	require.Equal(t, codes.Unset, span.Status().Code)

	attrs := attrMap(span.Attributes())
	require.Equal(t, "b7ad6b7169203331", attrs["ai.record.id"])
	require.Equal(t, "api.example.com | cid-v1:remote", attrs["target"])
	require.Equal(t, DependencyTypeComponent, attrs["type"])
	require.Equal(t, "acme", attrs["property.tenant"])
}

func TestSpanChannelLegacyParent(t *testing.T) {
	tp, sr := newRecordingProvider()
	ch := NewSpanChannel(tp)

	rec := Record{
		Kind:         KindRequest,
		ID:           "|abc.1.deadbeef_",
		Name:         "GET /orders",
		ResultCode:   "500",
		StartTime:    time.Now(),
		OperationID:  "8ee8641cbdd8dd280d239fa2121c7e4e",
		ParentID:     "|abc.1.",
		LegacyRootID: "abc",
	}
	ch.Track(rec)
	ch.Track(rec)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.True(t, spans[0].Parent().SpanID().IsValid())
	require.Equal(t, spans[0].Parent().SpanID(), spans[1].Parent().SpanID(), "derived parent ids are stable")
	require.Equal(t, derivedSpanID("|abc.1.deadbeef_"), spans[0].SpanContext().SpanID())
	require.Equal(t, derivedSpanID("|abc.1."), spans[0].Parent().SpanID())

	attrs := attrMap(spans[0].Attributes())
	require.Equal(t, "|abc.1.", attrs["ai.operation.parent_id"])
	require.Equal(t, "abc", attrs["ai.operation.legacy_root_id"])
}

func TestSpanChannelWithoutOperation(t *testing.T) {
	tp, sr := newRecordingProvider()
	NewSpanChannel(tp).Track(Record{Name: "orphan", Success: true, StartTime: time.Now()})

	spans := sr.Ended()
	require.Len(t, spans, 1)
	require.False(t, spans[0].Parent().IsValid())
	require.True(t, spans[0].SpanContext().IsValid())
}

func TestSpanChannelRootRequestHasNoParent(t *testing.T) {
	tp, sr := newRecordingProvider()
	NewSpanChannel(tp).Track(Record{
		Kind:        KindRequest,
		ID:          "00f067aa0ba902b7",
		Name:        "GET /",
		Success:     true,
		StartTime:   time.Now(),
		OperationID: "4bf92f3577b34da6a3ce929d0e0e4736",
	})

	span := sr.Ended()[0]
	require.False(t, span.Parent().IsValid())
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", span.SpanContext().TraceID().String())
	require.Equal(t, "00f067aa0ba902b7", span.SpanContext().SpanID().String())
}

func TestRecordIDGeneratorFallsBackToRandom(t *testing.T) {
	gen := NewRecordIDGenerator()

	traceID, spanID := gen.NewIDs(context.Background())
	require.True(t, traceID.IsValid())
	require.True(t, spanID.IsValid())
	require.True(t, gen.NewSpanID(context.Background(), traceID).IsValid())

	other, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	want, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := withRecordIDs(context.Background(), other, want)
	require.Equal(t, want, gen.NewSpanID(ctx, other))
	require.NotEqual(t, want, gen.NewSpanID(ctx, traceID), "ids are only reused inside their own trace")
}

func spanOfKind(t *testing.T, spans []sdktrace.ReadOnlySpan, kind trace.SpanKind) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range spans {
		if s.SpanKind() == kind {
			return s
		}
	}
	require.Failf(t, "span not found", "no %s span among %d", kind, len(spans))
	return nil
}

func TestSpanChannelLinksRequestAndDependencies(t *testing.T) {
	testCases := []struct {
		name    string
		legacy  bool
		inbound [2]string
	}{
		{"w3c", false, [2]string{HeaderTraceParent, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"}},
		{"legacy", true, [2]string{HeaderRequestID, "|8ee8641cbdd8dd280d239fa2121c7e4e.df07da90a5b27d93."}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			received := make(chan http.Header, 1)
			downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				received <- r.Header.Clone()
				w.WriteHeader(http.StatusOK)
			}))
			defer downstream.Close()

			tp, sr := newRecordingProvider()
			h := newTestHandle(t, NewSpanChannel(tp), func(cfg *Config) {
				cfg.PreferLegacyFormat = tc.legacy
			})
			httpClient := h.HTTPClient(downstream.Client())

			mw := HTTPServerMiddleware(h)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				out, err := http.NewRequestWithContext(r.Context(), http.MethodGet, downstream.URL+"/quotes", nil)
				require.NoError(t, err)
				resp, err := httpClient.Do(out)
				require.NoError(t, err)
				require.NoError(t, resp.Body.Close())
			}))
			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			req.Header.Set(tc.inbound[0], tc.inbound[1])
			mw.ServeHTTP(httptest.NewRecorder(), req)

			spans := sr.Ended()
			require.Len(t, spans, 2)
			server := spanOfKind(t, spans, trace.SpanKindServer)
			client := spanOfKind(t, spans, trace.SpanKindClient)

			require.Equal(t, server.SpanContext().TraceID(), client.SpanContext().TraceID())
			require.Equal(t, server.SpanContext().SpanID(), client.Parent().SpanID())

			serverAttrs, clientAttrs := attrMap(server.Attributes()), attrMap(client.Attributes())
			require.Equal(t, recordSpanID(serverAttrs["ai.record.id"]), server.SpanContext().SpanID())
			require.Equal(t, recordSpanID(clientAttrs["ai.record.id"]), client.SpanContext().SpanID())

			seen := <-received
			if tc.legacy {
				require.Equal(t, clientAttrs["ai.record.id"], seen.Get(HeaderRequestID))
				require.Equal(t, "8ee8641cbdd8dd280d239fa2121c7e4e", server.SpanContext().TraceID().String())
				return
			}
			require.Equal(t, "00f067aa0ba902b7", server.Parent().SpanID().String())
			require.Equal(t,
				"00-4bf92f3577b34da6a3ce929d0e0e4736-"+client.SpanContext().SpanID().String()+"-01",
				seen.Get(HeaderTraceParent))
		})
	}
}
