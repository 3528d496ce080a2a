package ampycorr

import (
	"context"
	"encoding/binary"
	"hash/fnv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const spanChannelScope = "ampycorr"

// SpanChannel exports records as OpenTelemetry spans. The record's operation
// id becomes the span's trace id and the record id its span id, so records
// that name each other as parents form one span tree. Span ids only follow
// record ids when tp was built with NewRecordIDGenerator; Init does that.
type SpanChannel struct {
	tracer trace.Tracer
}

// NewSpanChannel returns a channel writing to tp.
func NewSpanChannel(tp trace.TracerProvider) *SpanChannel {
	return &SpanChannel{tracer: tp.Tracer(spanChannelScope)}
}

func (c *SpanChannel) Track(rec Record) {
	ctx := context.Background()
	if traceID, err := trace.TraceIDFromHex(rec.OperationID); err == nil {
		ctx = withRecordIDs(ctx, traceID, recordSpanID(rec.ID))
		if parent, ok := recordParent(traceID, rec.ParentID); ok {
			ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
		}
	}

	kind := trace.SpanKindServer
	if rec.Kind == KindDependency {
		kind = trace.SpanKindClient
	}

	_, span := c.tracer.Start(ctx, rec.Name,
		trace.WithSpanKind(kind),
		trace.WithTimestamp(rec.StartTime),
		trace.WithAttributes(recordAttributes(rec)...),
	)
	if !rec.Success {
		span.SetStatus(codes.Error, rec.ResultCode)
	}
	span.End(trace.WithTimestamp(rec.StartTime.Add(rec.Duration)))
}

// recordSpanID maps a record id to a span id. W3C record ids are span ids
// already; legacy hierarchical ids get a stable derived one. Empty ids map to
// the invalid zero id.
func recordSpanID(id string) trace.SpanID {
	if id == "" {
		return trace.SpanID{}
	}
	if IsSpanID(id) {
		sid, _ := trace.SpanIDFromHex(id)
		return sid
	}
	return derivedSpanID(id)
}

// recordParent builds the remote parent for a record whose parent is
// parentID. The parent's span id is derived the same way recordSpanID derives
// it, so a request record and its dependencies link up in legacy mode too.
func recordParent(traceID trace.TraceID, parentID string) (trace.SpanContext, bool) {
	spanID := recordSpanID(parentID)
	if !spanID.IsValid() {
		return trace.SpanContext{}, false
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return sc, sc.IsValid()
}

func derivedSpanID(s string) trace.SpanID {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	var id trace.SpanID
	binary.BigEndian.PutUint64(id[:], h.Sum64()|1)
	return id
}

type recordIDsKey struct{}

type recordIDs struct {
	traceID trace.TraceID
	spanID  trace.SpanID
}

func withRecordIDs(ctx context.Context, traceID trace.TraceID, spanID trace.SpanID) context.Context {
	return context.WithValue(ctx, recordIDsKey{}, recordIDs{traceID: traceID, spanID: spanID})
}

// recordIDGenerator hands the SDK the ids SpanChannel.Track placed in the
// start context, and random ids for every other span.
type recordIDGenerator struct{}

// NewRecordIDGenerator returns the id generator a tracer provider needs for
// SpanChannel spans to carry their record ids.
func NewRecordIDGenerator() sdktrace.IDGenerator { return recordIDGenerator{} }

func (recordIDGenerator) NewIDs(ctx context.Context) (trace.TraceID, trace.SpanID) {
	ids, _ := ctx.Value(recordIDsKey{}).(recordIDs)
	traceID, spanID := ids.traceID, ids.spanID
	if !traceID.IsValid() {
		traceID, _ = trace.TraceIDFromHex(NewTraceID())
	}
	if !spanID.IsValid() {
		spanID, _ = trace.SpanIDFromHex(NewSpanID())
	}
	return traceID, spanID
}

func (recordIDGenerator) NewSpanID(ctx context.Context, traceID trace.TraceID) trace.SpanID {
	if ids, ok := ctx.Value(recordIDsKey{}).(recordIDs); ok && ids.traceID == traceID && ids.spanID.IsValid() {
		return ids.spanID
	}
	spanID, _ := trace.SpanIDFromHex(NewSpanID())
	return spanID
}

func recordAttributes(rec Record) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("ai.record.id", rec.ID),
		attribute.String("ai.operation.id", rec.OperationID),
		attribute.String("ai.operation.parent_id", rec.ParentID),
		attribute.String("result_code", rec.ResultCode),
		attribute.Bool("success", rec.Success),
	}
	if rec.LegacyRootID != "" {
		attrs = append(attrs, attribute.String("ai.operation.legacy_root_id", rec.LegacyRootID))
	}
	if rec.Target != "" {
		attrs = append(attrs, attribute.String("target", rec.Target))
	}
	if rec.Type != "" {
		attrs = append(attrs, attribute.String("type", rec.Type))
	}
	if rec.Data != "" {
		attrs = append(attrs, attribute.String("data", rec.Data))
	}
	if rec.Source != "" {
		attrs = append(attrs, attribute.String("source", rec.Source))
	}
	for k, v := range rec.Properties {
		attrs = append(attrs, attribute.String("property."+k, v))
	}
	return attrs
}
