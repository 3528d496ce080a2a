package ampycorr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	profilesPath          = "/api/profiles/"
	appIDSuffix           = "/appId"
	maxCorrelationIDBody  = 1024
	defaultFetchRetries   = 2
	defaultFetchRetryWait = 200 * time.Millisecond
)

// HTTPFetcher looks correlation ids up from the profile query service:
// GET {endpoint}/api/profiles/{instrumentationKey}/appId.
type HTTPFetcher struct {
	endpoint string
	client   *retryablehttp.Client
}

// NewHTTPFetcher returns a fetcher for endpoint. timeout bounds a single
// attempt; the caller's context bounds the whole lookup.
func NewHTTPFetcher(endpoint string, timeout time.Duration) (*HTTPFetcher, error) {
	u, err := url.Parse(endpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("profile query endpoint %q: %w", endpoint, ErrInvalidInput)
	}
	if timeout <= 0 {
		timeout = DefaultCorrelationIDFetchTimeout
	}

	client := retryablehttp.NewClient()
	client.RetryMax = defaultFetchRetries
	client.RetryWaitMin = defaultFetchRetryWait
	client.RetryWaitMax = 4 * defaultFetchRetryWait
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	return &HTTPFetcher{endpoint: strings.TrimSuffix(endpoint, "/"), client: client}, nil
}

func (f *HTTPFetcher) FetchCorrelationID(ctx context.Context, instrumentationKey string) (string, error) {
	if instrumentationKey == "" {
		return "", fmt.Errorf("fetch correlation id: instrumentation key: %w", ErrMissingArgument)
	}
	target := f.endpoint + profilesPath + url.PathEscape(instrumentationKey) + appIDSuffix

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("fetch correlation id: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch correlation id: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch correlation id: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCorrelationIDBody))
	if err != nil {
		return "", fmt.Errorf("fetch correlation id: read body: %w", err)
	}
	return string(body), nil
}
