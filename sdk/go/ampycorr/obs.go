package ampycorr

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Handle owns one configured set of correlation components. Nothing here is
// process-global; a host may run several handles side by side.
type Handle struct {
	cfg Config
	tp  *sdktrace.TracerProvider

	Logger         Logger
	Metrics        *Metrics
	Resolver       *TraceContextResolver
	Tracker        *DependencyTracker
	ExcludedHosts  *HostExclusionSet
	CorrelationIDs *CorrelationIDCache // nil without a fetcher

	channel     TelemetryChannel
	correlation *CorrelationMetrics
	stopSweep   context.CancelFunc
	sweepDone   chan struct{}
}

type options struct {
	channel TelemetryChannel
	fetcher Fetcher
	logger  Logger
}

// Option customizes Init.
type Option func(*options)

// WithChannel sends finished records to ch instead of the configured exporter.
func WithChannel(ch TelemetryChannel) Option { return func(o *options) { o.channel = ch } }

// WithFetcher replaces the HTTP correlation-id lookup.
func WithFetcher(f Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithLogger replaces the stdout JSON logger.
func WithLogger(l Logger) Option { return func(o *options) { o.logger = l } }

func Init(ctx context.Context, cfg Config, opts ...Option) (*Handle, error) {
	cfg.applyDefaults()
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = NewLogger(cfg)
	}

	excluded, err := NewHostExclusionSet(cfg.ExcludedDomains...)
	if err != nil {
		return nil, fmt.Errorf("excluded domains: %w", err)
	}

	metrics := NewMetrics()
	constLabels := prometheus.Labels{}
	if cfg.ServiceName != "" {
		constLabels["service"] = cfg.ServiceName
	}
	cm := metrics.Correlation(constLabels)

	h := &Handle{
		cfg:           cfg,
		Logger:        logger,
		Metrics:       metrics,
		ExcludedHosts: excluded,
		correlation:   cm,
	}

	// ----- Channel -----
	switch {
	case o.channel != nil:
		h.channel = o.channel
	case cfg.EnableTracing:
		tp, err := newTracerProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		h.tp = tp
		h.channel = NewSpanChannel(tp)
	default:
		h.channel = LogChannel{Logger: logger.With(zap.String("component", "channel"))}
	}

	// ----- Correlation ids -----
	fetcher := o.fetcher
	if fetcher == nil && cfg.ProfileQueryEndpoint != "" {
		hf, err := NewHTTPFetcher(cfg.ProfileQueryEndpoint, cfg.CorrelationIDFetchTimeout)
		if err != nil {
			return nil, err
		}
		fetcher = hf
	}
	if fetcher != nil {
		cache, err := NewCorrelationIDCache(fetcher, CacheOptions{
			FetchTimeout: cfg.CorrelationIDFetchTimeout,
			MaxLength:    cfg.MaxCorrelationIDLength,
			Logger:       logger.With(zap.String("component", "correlation_ids")),
			Metrics:      cm,
		})
		if err != nil {
			return nil, err
		}
		h.CorrelationIDs = cache
	}

	// ----- Resolver and tracker -----
	h.Resolver = NewTraceContextResolver(ResolverOptions{
		PreferLegacyFormat: cfg.PreferLegacyFormat,
		MaxBaggageItems:    cfg.MaxBaggageItems,
		MaxBaggageLength:   cfg.MaxBaggageLength,
		MaxRequestIDLength: cfg.MaxRequestIDLength,
		Logger:             logger.With(zap.String("component", "resolver")),
		Metrics:            cm,
	})
	h.Tracker, err = NewDependencyTracker(h.channel, TrackerOptions{
		InstrumentationKey:             cfg.InstrumentationKey,
		SetComponentCorrelationHeaders: cfg.SetComponentCorrelationHeaders,
		PreferLegacyFormat:             cfg.PreferLegacyFormat,
		MaxRequestIDLength:             cfg.MaxRequestIDLength,
		ExcludedHosts:                  excluded,
		CorrelationIDs:                 h.CorrelationIDs,
		Logger:                         logger.With(zap.String("component", "tracker")),
		Metrics:                        cm,
	})
	if err != nil {
		return nil, err
	}

	if cfg.PendingCallTimeout > 0 {
		h.startSweeper(cfg.PendingCallTimeout)
	}

	// Warm the cache so the first outbound call can already carry our id.
	if h.CorrelationIDs != nil && cfg.InstrumentationKey != "" {
		h.CorrelationIDs.TryGet(cfg.InstrumentationKey)
	}
	return h, nil
}

func newTracerProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.ServiceVersion),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorGRPC),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithIDGenerator(NewRecordIDGenerator()),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxExportBatchSize(512),
			sdktrace.WithBatchTimeout(5*time.Second)),
	), nil
}

func (h *Handle) startSweeper(timeout time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	h.stopSweep = cancel
	h.sweepDone = make(chan struct{})

	interval := timeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		defer close(h.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.Tracker.Sweep(timeout)
			}
		}
	}()
}

// Config returns the effective configuration.
func (h *Handle) Config() Config { return h.cfg }

// Channel returns the channel finished records are sent to.
func (h *Handle) Channel() TelemetryChannel { return h.channel }

// Tracer returns a tracer from the exporting provider, or a no-op tracer when
// tracing is disabled.
func (h *Handle) Tracer(name string) trace.Tracer {
	if h.tp == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return h.tp.Tracer(name)
}

// HTTPClient returns a copy of base whose outbound calls are tracked.
func (h *Handle) HTTPClient(base *http.Client) *http.Client {
	return WrapClient(base, h.Tracker)
}

func (h *Handle) Shutdown(ctx context.Context) error {
	if h.stopSweep != nil {
		h.stopSweep()
		<-h.sweepDone
	}
	h.CorrelationIDs.Close()

	if h.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.tp.Shutdown(ctx); err != nil {
		h.Logger.Warn(ctx, "tracer provider shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
