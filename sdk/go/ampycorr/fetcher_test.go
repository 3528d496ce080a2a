package ampycorr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPFetcher(t *testing.T) {
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		_, _ = w.Write([]byte("0123456789abcdef"))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL+"/", time.Second)
	require.NoError(t, err)

	id, err := f.FetchCorrelationID(context.Background(), testIKey)
	require.NoError(t, err)
	require.Equal(t, "0123456789abcdef", id)
	require.Equal(t, "/api/profiles/"+testIKey+"/appId", <-paths)
}

func TestHTTPFetcherRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("abc"))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL, time.Second)
	require.NoError(t, err)

	id, err := f.FetchCorrelationID(context.Background(), testIKey)
	require.NoError(t, err)
	require.Equal(t, "abc", id)
	require.Equal(t, int32(2), calls.Load())
}

func TestHTTPFetcherRejectsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL, time.Second)
	require.NoError(t, err)

	_, err = f.FetchCorrelationID(context.Background(), testIKey)
	require.ErrorContains(t, err, "unexpected status 404")

	_, err = f.FetchCorrelationID(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingArgument)
}

func TestNewHTTPFetcherValidatesEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "not a url", "/relative/path"} {
		_, err := NewHTTPFetcher(endpoint, time.Second)
		require.ErrorIs(t, err, ErrInvalidInput, endpoint)
	}
}

func TestHTTPFetcherFeedsCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("  remote-app  \n"))
	}))
	defer srv.Close()

	f, err := NewHTTPFetcher(srv.URL, time.Second)
	require.NoError(t, err)
	c := newTestCache(t, f, CacheOptions{})

	c.TryGet(testIKey)
	require.Eventually(t, func() bool {
		v, ok := c.TryGet(testIKey)
		return ok && v == "cid-v1:remote-app"
	}, 5*time.Second, 10*time.Millisecond)
}
