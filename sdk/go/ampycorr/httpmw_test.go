package ampycorr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestHandle(t *testing.T, ch TelemetryChannel, mutate func(*Config)) *Handle {
	t.Helper()
	cfg := Default()
	cfg.ServiceName = "orders"
	cfg.InstrumentationKey = testIKey
	if mutate != nil {
		mutate(&cfg)
	}

	h, err := Init(context.Background(), cfg,
		WithChannel(ch),
		WithLogger(NewNopLogger()),
		WithFetcher(FetcherFunc(func(context.Context, string) (string, error) { return "local", nil })),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, h.Shutdown(context.Background())) })

	require.Eventually(t, func() bool {
		_, ok := h.CorrelationIDs.TryGet(testIKey)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	return h
}

func TestMiddlewareEmitsRequestRecord(t *testing.T) {
	ch := &recordingChannel{}
	h := newTestHandle(t, ch, nil)

	var handled *OperationContext
	mw := HTTPServerMiddleware(h)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		oc, ok := OperationFromContext(r.Context())
		require.True(t, ok)
		handled = oc
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodPost, "/orders?x=1", nil)
	req.Header.Set(HeaderTraceParent, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	req.Header.Set(HeaderCorrelationContext, "tenant=acme")
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, "appId=cid-v1:local", rr.Header().Get(HeaderRequestContext))

	records := ch.Records()
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, KindRequest, rec.Kind)
	require.Equal(t, "POST /orders", rec.Name)
	require.Equal(t, "202", rec.ResultCode)
	require.True(t, rec.Success)
	require.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", rec.OperationID)
	require.Equal(t, "00f067aa0ba902b7", rec.ParentID)
	require.Equal(t, handled.RequestID, rec.ID)
	require.Equal(t, "acme", rec.Properties["tenant"])
	require.Empty(t, rec.Source)
}

func TestMiddlewareFailureStatus(t *testing.T) {
	ch := &recordingChannel{}
	h := newTestHandle(t, ch, nil)

	mw := HTTPServerMiddleware(h)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	rec := ch.Records()[0]
	require.False(t, rec.Success)
	require.Equal(t, "503", rec.ResultCode)
	require.Empty(t, rec.ParentID)
	require.True(t, IsTraceID(rec.OperationID))
}

func TestMiddlewareClassifiesSource(t *testing.T) {
	testCases := []struct {
		name       string
		inbound    string
		wantSource string
	}{
		{"other component", "appId=cid-v1:caller", "cid-v1:caller"},
		{"same component", "appId=cid-v1:local", ""},
		{"no header", "", ""},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ch := &recordingChannel{}
			h := newTestHandle(t, ch, nil)
			mw := HTTPServerMiddleware(h)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.inbound != "" {
				req.Header.Set(HeaderRequestContext, tc.inbound)
			}
			mw.ServeHTTP(httptest.NewRecorder(), req)

			require.Equal(t, tc.wantSource, ch.Records()[0].Source)
		})
	}
}

func TestMiddlewareReparentsOutboundCalls(t *testing.T) {
	downstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer downstream.Close()

	ch := &recordingChannel{}
	h := newTestHandle(t, ch, nil)
	client := h.HTTPClient(downstream.Client())

	mw := HTTPServerMiddleware(h)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out, err := http.NewRequestWithContext(r.Context(), http.MethodGet, downstream.URL+"/quotes", nil)
		require.NoError(t, err)
		resp, err := client.Do(out)
		require.NoError(t, err)
		require.NoError(t, resp.Body.Close())
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set(HeaderRequestID, "|8ee8641cbdd8dd280d239fa2121c7e4e.df07da90a5b27d93.")
	mw.ServeHTTP(httptest.NewRecorder(), req)

	records := ch.Records()
	require.Len(t, records, 2)
	dep, request := records[0], records[1]
	require.Equal(t, KindDependency, dep.Kind)
	require.Equal(t, KindRequest, request.Kind)

	require.Equal(t, "8ee8641cbdd8dd280d239fa2121c7e4e", request.OperationID)
	require.Equal(t, request.OperationID, dep.OperationID)
	require.Equal(t, request.ID, dep.ParentID)
	require.Equal(t, "|8ee8641cbdd8dd280d239fa2121c7e4e.df07da90a5b27d93.", request.ParentID)
}

func TestMiddlewareRecordsPanics(t *testing.T) {
	ch := &recordingChannel{}
	h := newTestHandle(t, ch, nil)
	mw := HTTPServerMiddleware(h)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler bug")
	}))

	require.PanicsWithValue(t, "handler bug", func() {
		mw.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})

	rec := ch.Records()[0]
	require.Equal(t, "500", rec.ResultCode)
	require.False(t, rec.Success)
}

func TestMiddlewareRequiresHandle(t *testing.T) {
	require.Panics(t, func() { HTTPServerMiddleware(nil) })
}
