package ampycorr

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ResolverOptions configure a TraceContextResolver. Zero bounds take the defaults.
type ResolverOptions struct {
	// PreferLegacyFormat ignores traceparent entirely and generates
	// hierarchical record ids.
	PreferLegacyFormat bool
	MaxBaggageItems    int
	MaxBaggageLength   int
	MaxRequestIDLength int
	Logger             Logger
	Metrics            *CorrelationMetrics
}

// TraceContextResolver derives the OperationContext of an inbound request.
//
// Rules, first match wins:
//  1. W3C mode and a well-formed traceparent: Id and ParentId come from it.
//  2. A legacy Request-Id "|root.seg.": ParentId is the whole value; Id is
//     root when root is 32-hex, otherwise fresh with LegacyRootID = root.
//  3. Nothing usable: fresh Id, no ParentId.
//
// After rules 1 and 2, Correlation-Context is merged into Baggage.
type TraceContextResolver struct {
	opts ResolverOptions
	w3c  propagation.TraceContext
}

// NewTraceContextResolver returns a resolver with opts.
func NewTraceContextResolver(opts ResolverOptions) *TraceContextResolver {
	if opts.MaxBaggageItems <= 0 {
		opts.MaxBaggageItems = DefaultMaxBaggageItems
	}
	if opts.MaxBaggageLength <= 0 {
		opts.MaxBaggageLength = DefaultMaxBaggageLength
	}
	if opts.MaxRequestIDLength <= 0 {
		opts.MaxRequestIDLength = DefaultMaxRequestIDLength
	}
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	return &TraceContextResolver{opts: opts}
}

// PreferLegacyFormat reports the active header grammar mode.
func (r *TraceContextResolver) PreferLegacyFormat() bool { return r.opts.PreferLegacyFormat }

// ResolveRequest resolves the OperationContext of req.
func (r *TraceContextResolver) ResolveRequest(req *http.Request) (*OperationContext, error) {
	if req == nil {
		return nil, fmt.Errorf("resolve: request: %w", ErrMissingArgument)
	}
	return r.Resolve(req.Context(), req.Header)
}

// Resolve derives an OperationContext from inbound headers. Malformed headers
// are never errors; they fall through to the next rule.
func (r *TraceContextResolver) Resolve(ctx context.Context, h http.Header) (*OperationContext, error) {
	if h == nil {
		return nil, fmt.Errorf("resolve: headers: %w", ErrMissingArgument)
	}

	oc := &OperationContext{
		Baggage: NewBaggage(r.opts.MaxBaggageItems, r.opts.MaxBaggageLength),
	}

	switch {
	case !r.opts.PreferLegacyFormat && r.resolveW3C(h, oc):
		oc.Format = FormatW3C
	case r.resolveLegacy(ctx, h, oc):
		oc.Format = FormatLegacy
	default:
		oc.ID = NewTraceID()
	}

	if oc.Format != FormatNone {
		r.mergeCorrelationContext(h, oc)
	}
	oc.RequestID = r.requestRecordID(oc)

	r.opts.Metrics.requestResolved(oc.Format)
	return oc, nil
}

func (r *TraceContextResolver) resolveW3C(h http.Header, oc *OperationContext) bool {
	if h.Get(HeaderTraceParent) == "" {
		return false
	}
	sc := trace.SpanContextFromContext(r.w3c.Extract(context.Background(), propagation.HeaderCarrier(h)))
	if !sc.IsValid() {
		return false
	}
	oc.ID = sc.TraceID().String()
	oc.ParentID = sc.SpanID().String()
	oc.remote = sc
	return true
}

func (r *TraceContextResolver) resolveLegacy(ctx context.Context, h http.Header, oc *OperationContext) bool {
	requestID := strings.TrimSpace(h.Get(HeaderRequestID))
	if requestID == "" {
		return false
	}
	if len(requestID) > r.opts.MaxRequestIDLength {
		r.opts.Logger.Debug(ctx, "ignoring oversized Request-Id", zap.Int("length", len(requestID)))
		return false
	}

	root := legacyRoot(requestID)
	if root == "" {
		r.opts.Logger.Debug(ctx, "ignoring Request-Id without a root segment", zap.String("request_id", requestID))
		return false
	}

	oc.ParentID = requestID
	if IsTraceID(root) {
		oc.ID = root
		return true
	}
	oc.ID = NewTraceID()
	oc.LegacyRootID = root
	return true
}

func (r *TraceContextResolver) mergeCorrelationContext(h http.Header, oc *OperationContext) {
	raw := headerValue(h, HeaderCorrelationContext)
	if raw == "" {
		return
	}
	for _, kv := range ParseKeyValues(raw, r.opts.MaxBaggageLength, r.opts.MaxBaggageItems) {
		oc.Baggage.Add(kv.Key, kv.Value)
	}
}

// requestRecordID is the id of the root request record, the parent of every
// record created while the request is handled.
func (r *TraceContextResolver) requestRecordID(oc *OperationContext) string {
	if !r.opts.PreferLegacyFormat {
		return NewSpanID()
	}
	if strings.HasPrefix(oc.ParentID, "|") {
		return legacyChildID(oc.ParentID, '_', r.opts.MaxRequestIDLength)
	}
	return legacyRootRecordID(oc.ID)
}
