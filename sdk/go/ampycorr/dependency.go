package ampycorr

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// CallToken identifies one outbound call instance between its start and stop.
type CallToken uint64

// TrackerOptions configure a DependencyTracker.
type TrackerOptions struct {
	InstrumentationKey string
	// SetComponentCorrelationHeaders enables header injection on outbound calls.
	SetComponentCorrelationHeaders bool
	PreferLegacyFormat             bool
	MaxRequestIDLength             int

	// ExcludedHosts never receive injected headers. May be nil.
	ExcludedHosts *HostExclusionSet
	// CorrelationIDs classifies responses as cross-component. May be nil.
	CorrelationIDs *CorrelationIDCache

	Logger  Logger
	Metrics *CorrelationMetrics
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

type pendingCall struct {
	record Record
}

// DependencyTracker pairs OnCallStart/OnCallStop events into exactly one
// dependency Record per token and injects correlation headers on the way out.
type DependencyTracker struct {
	channel   TelemetryChannel
	opts      TrackerOptions
	sourceKey string
	w3c       propagation.TraceContext

	pending *xsync.MapOf[CallToken, *pendingCall]
	nextID  atomic.Uint64
}

// NewDependencyTracker returns a tracker emitting to channel.
func NewDependencyTracker(channel TelemetryChannel, opts TrackerOptions) (*DependencyTracker, error) {
	if channel == nil {
		return nil, fmt.Errorf("dependency tracker: channel: %w", ErrMissingArgument)
	}
	if opts.MaxRequestIDLength <= 0 {
		opts.MaxRequestIDLength = DefaultMaxRequestIDLength
	}
	if opts.Logger == nil {
		opts.Logger = NewNopLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	t := &DependencyTracker{
		channel: channel,
		opts:    opts,
		pending: xsync.NewMapOf[CallToken, *pendingCall](),
	}
	if opts.InstrumentationKey != "" {
		t.sourceKey = HashInstrumentationKey(opts.InstrumentationKey)
	}
	return t, nil
}

// HashInstrumentationKey returns the one-way identity sent in place of the
// raw key: base64(sha256(key)).
func HashInstrumentationKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// NewToken returns a token unique within this tracker.
func (t *DependencyTracker) NewToken() CallToken {
	return CallToken(t.nextID.Add(1))
}

// Pending returns the number of started calls awaiting a stop.
func (t *DependencyTracker) Pending() int {
	return t.pending.Size()
}

// OnCallStart records the start of the outbound call req and, unless the
// target is excluded, injects correlation headers into req.Header. The first
// start for a token wins; later starts for the same token are ignored.
//
// The OperationContext in ctx supplies the ids; without one a fresh context
// is synthesized so the record still has an operation id.
func (t *DependencyTracker) OnCallStart(ctx context.Context, token CallToken, req *http.Request) error {
	if req == nil || req.URL == nil {
		return fmt.Errorf("call start: request: %w", ErrMissingArgument)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	oc, ok := OperationFromContext(ctx)
	if !ok {
		oc = NewOperationContext(t.opts.PreferLegacyFormat)
		ctx = WithOperation(ctx, oc)
	}

	rec := Record{
		Kind:         KindDependency,
		ID:           t.dependencyID(oc),
		Name:         req.Method + " " + req.URL.Path,
		Target:       req.URL.Host,
		Type:         DependencyTypeHTTP,
		Data:         req.URL.String(),
		StartTime:    t.opts.Now(),
		OperationID:  oc.ID,
		ParentID:     oc.RequestID,
		LegacyRootID: oc.LegacyRootID,
	}

	if _, loaded := t.pending.LoadOrStore(token, &pendingCall{record: rec}); loaded {
		t.opts.Logger.Debug(ctx, "duplicate call start ignored", zap.Uint64("token", uint64(token)))
		return nil
	}
	t.opts.Metrics.callStarted()

	if !t.opts.SetComponentCorrelationHeaders {
		return nil
	}
	if t.opts.ExcludedHosts.ContainsURL(req.URL) {
		t.opts.Logger.Debug(ctx, "correlation headers skipped for excluded host", zap.String("host", req.URL.Hostname()))
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			t.opts.Logger.Error(ctx, "injecting correlation headers panicked", zap.Any("panic", r))
		}
	}()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	t.inject(req.Header, oc, rec.ID)
	return nil
}

func (t *DependencyTracker) dependencyID(oc *OperationContext) string {
	if !t.opts.PreferLegacyFormat {
		return NewSpanID()
	}
	parent := oc.RequestID
	if parent == "" {
		parent = legacyRootRecordID(oc.ID)
	}
	return legacyChildID(parent, '.', t.opts.MaxRequestIDLength)
}

// inject writes source identity, trace ids and baggage. Headers the caller
// already set are left alone.
func (t *DependencyTracker) inject(h http.Header, oc *OperationContext, dependencyID string) {
	if t.sourceKey != "" && h.Get(HeaderSourceIdentity) == "" {
		h.Set(HeaderSourceIdentity, t.sourceKey)
	}
	if t.opts.InstrumentationKey != "" {
		if _, present := GetKeyValue(h, HeaderRequestContext, RequestContextAppIDKey); !present {
			if cid, ok := t.opts.CorrelationIDs.TryGet(t.opts.InstrumentationKey); ok {
				SetKeyValue(h, HeaderRequestContext, RequestContextAppIDKey, cid)
			}
		}
	}

	if t.opts.PreferLegacyFormat {
		if h.Get(HeaderRequestID) == "" {
			h.Set(HeaderRequestID, dependencyID)
			root := oc.ID
			if oc.LegacyRootID != "" {
				root = oc.LegacyRootID
			}
			h.Set(HeaderRequestRootID, root)
			h.Set(HeaderRequestChildID, dependencyID)
		}
	} else if h.Get(HeaderTraceParent) == "" {
		t.injectW3C(h, oc, dependencyID)
	}

	if h.Get(HeaderCorrelationContext) == "" {
		if baggage, ok := FormatKeyValues(oc.Baggage.Items()); ok {
			h.Set(HeaderCorrelationContext, baggage)
		}
	}
}

func (t *DependencyTracker) injectW3C(h http.Header, oc *OperationContext, spanID string) {
	traceID, err := trace.TraceIDFromHex(oc.ID)
	if err != nil {
		return
	}
	sid, err := trace.SpanIDFromHex(spanID)
	if err != nil {
		return
	}

	remote := oc.RemoteSpanContext()
	flags := trace.FlagsSampled
	if remote.IsValid() {
		flags = remote.TraceFlags()
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     sid,
		TraceFlags: flags,
		TraceState: remote.TraceState(),
	})
	t.w3c.Inject(trace.ContextWithSpanContext(context.Background(), sc), propagation.HeaderCarrier(h))

	if h.Get(HeaderRequestID) == "" {
		h.Set(HeaderRequestID, "|"+oc.ID+"."+spanID+".")
	}
}

// OnCallStop finishes the call started under token and emits its record.
// resp may be nil when the transport faulted; err carries the fault. A stop
// for an unknown token is logged and dropped.
func (t *DependencyTracker) OnCallStop(token CallToken, resp *http.Response, err error) {
	call, ok := t.pending.LoadAndDelete(token)
	if !ok {
		t.opts.Metrics.orphanStop()
		t.opts.Logger.Warn(context.Background(), "call stop without matching start", zap.Uint64("token", uint64(token)))
		return
	}

	rec := call.record
	rec.Duration = t.opts.Now().Sub(rec.StartTime)

	if resp != nil {
		rec.ResultCode = strconv.Itoa(resp.StatusCode)
		rec.Success = err == nil && resp.StatusCode > 0 && resp.StatusCode < 400
		t.classify(&rec, resp.Header)
	}
	if err != nil {
		rec.Success = false
		rec.Properties = map[string]string{"error": err.Error()}
	}

	t.emit(rec)
}

// classify marks rec as a cross-component call when the response names a
// correlation id other than ours.
func (t *DependencyTracker) classify(rec *Record, h http.Header) {
	if t.opts.CorrelationIDs == nil || t.opts.InstrumentationKey == "" {
		return
	}
	target, ok := GetKeyValue(h, HeaderRequestContext, RequestContextAppIDKey)
	if !ok || target == "" {
		return
	}
	local, ok := t.opts.CorrelationIDs.TryGet(t.opts.InstrumentationKey)
	if !ok || local == target {
		return
	}
	rec.Type = DependencyTypeComponent
	rec.Target += " | " + target
}

func (t *DependencyTracker) emit(rec Record) {
	defer func() {
		if r := recover(); r != nil {
			t.opts.Logger.Error(context.Background(), "telemetry channel panicked", zap.Any("panic", r))
		}
	}()
	t.opts.Metrics.dependencyFinished(rec)
	t.channel.Track(rec)
}

// Sweep drops pending calls started more than olderThan ago without emitting
// them, and returns how many were dropped.
func (t *DependencyTracker) Sweep(olderThan time.Duration) int {
	cutoff := t.opts.Now().Add(-olderThan)
	dropped := 0
	t.pending.Range(func(token CallToken, call *pendingCall) bool {
		if call.record.StartTime.Before(cutoff) {
			if _, ok := t.pending.LoadAndDelete(token); ok {
				dropped++
			}
		}
		return true
	})
	if dropped > 0 {
		t.opts.Metrics.callsAbandoned(dropped)
		t.opts.Logger.Warn(context.Background(), "dropped pending calls with no stop", zap.Int("count", dropped))
	}
	return dropped
}
