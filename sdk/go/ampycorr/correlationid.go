package ampycorr

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	// CorrelationIDPrefix tags every cached correlation id with its scheme.
	CorrelationIDPrefix = "cid-v1:"

	DefaultMaxCorrelationIDLength    = 50
	DefaultCorrelationIDFetchTimeout = 10 * time.Second
)

// Fetcher resolves the correlation id of an instrumentation key. It should
// honour ctx's deadline.
type Fetcher interface {
	FetchCorrelationID(ctx context.Context, instrumentationKey string) (string, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, instrumentationKey string) (string, error)

func (f FetcherFunc) FetchCorrelationID(ctx context.Context, instrumentationKey string) (string, error) {
	return f(ctx, instrumentationKey)
}

// CacheOptions tune a CorrelationIDCache. Zero values take the defaults.
type CacheOptions struct {
	FetchTimeout time.Duration
	MaxLength    int
	Logger       Logger
	Metrics      *CorrelationMetrics
}

// CorrelationIDCache maps instrumentation keys to correlation ids. Lookups
// never block: a miss starts at most one background fetch per key and
// returns immediately. Successful results are kept for the life of the cache;
// failures leave the key absent so a later miss retries.
type CorrelationIDCache struct {
	fetcher   Fetcher
	timeout   time.Duration
	maxLength int
	logger    Logger
	metrics   *CorrelationMetrics

	values   *xsync.MapOf[string, string]
	inFlight *xsync.MapOf[string, struct{}]

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders wg.Add against Close's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewCorrelationIDCache returns an empty cache backed by fetcher.
func NewCorrelationIDCache(fetcher Fetcher, opts CacheOptions) (*CorrelationIDCache, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("correlation id cache: fetcher: %w", ErrMissingArgument)
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultCorrelationIDFetchTimeout
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = DefaultMaxCorrelationIDLength
	}
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &CorrelationIDCache{
		fetcher:   fetcher,
		timeout:   opts.FetchTimeout,
		maxLength: opts.MaxLength,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		values:    xsync.NewMapOf[string, string](),
		inFlight:  xsync.NewMapOf[string, struct{}](),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// TryGet returns the cached correlation id for key. On a miss it claims the
// key and schedules a fetch unless one is already outstanding.
func (c *CorrelationIDCache) TryGet(key string) (string, bool) {
	if c == nil || key == "" {
		return "", false
	}
	if v, ok := c.values.Load(key); ok {
		return v, true
	}

	if _, taken := c.inFlight.LoadOrStore(key, struct{}{}); taken {
		return "", false
	}
	// A fetch may have stored the value and released its claim between our
	// Load and LoadOrStore.
	if v, ok := c.values.Load(key); ok {
		c.inFlight.Delete(key)
		return v, true
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.inFlight.Delete(key)
		return "", false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go c.fetch(key)
	return "", false
}

// IsFetchInProgress reports whether a fetch for key is outstanding.
func (c *CorrelationIDCache) IsFetchInProgress(key string) bool {
	if c == nil {
		return false
	}
	_, ok := c.inFlight.Load(key)
	return ok
}

// Close cancels outstanding fetches and waits for them to return. Lookups
// after Close never start a fetch.
func (c *CorrelationIDCache) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

func (c *CorrelationIDCache) fetch(key string) {
	defer c.wg.Done()
	defer c.inFlight.Delete(key)
	defer func() {
		if r := recover(); r != nil {
			c.metrics.fetched(FetchOutcomeError)
			c.logger.Error(c.ctx, "correlation id fetch panicked", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	raw, err := c.fetcher.FetchCorrelationID(ctx, key)
	if err != nil {
		c.metrics.fetched(FetchOutcomeError)
		c.logger.Warn(ctx, "correlation id lookup failed", zap.Error(err))
		return
	}

	id := strings.TrimSpace(raw)
	if id == "" {
		c.metrics.fetched(FetchOutcomeEmpty)
		c.logger.Warn(ctx, "correlation id lookup returned an empty id")
		return
	}
	if len(id) > c.maxLength {
		id = id[:c.maxLength]
	}

	c.values.Store(key, CorrelationIDPrefix+id)
	c.metrics.fetched(FetchOutcomeOK)
}
