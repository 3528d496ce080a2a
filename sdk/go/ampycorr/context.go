package ampycorr

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultMaxBaggageItems and DefaultMaxBaggageLength follow the W3C baggage limits.
	DefaultMaxBaggageItems  = 180
	DefaultMaxBaggageLength = 8192
)

// Format names the header grammar an OperationContext was resolved from.
type Format int

const (
	FormatNone Format = iota
	FormatLegacy
	FormatW3C
)

func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatW3C:
		return "w3c"
	default:
		return "none"
	}
}

type operationKey struct{}

// OperationContext is the correlation identity of one inbound request.
// Everything but Baggage is fixed once resolved.
type OperationContext struct {
	// ID is the root trace id shared by every record of the operation.
	ID string
	// ParentID identifies the caller's span or hierarchical segment; may be empty.
	ParentID string
	// LegacyRootID keeps a caller-supplied legacy root that was not 32-hex.
	LegacyRootID string
	// RequestID is the id of the root request record. Records created while
	// handling the request use it as their ParentID.
	RequestID string
	// Format records which header grammar produced the context.
	Format Format

	Baggage *Baggage

	// remote is the in-process handle for an inbound traceparent, including
	// its tracestate. It is never copied into record properties.
	remote trace.SpanContext
}

// NewOperationContext synthesizes a context with a fresh trace id, used when
// there is no inbound request to resolve.
func NewOperationContext(preferLegacy bool) *OperationContext {
	oc := &OperationContext{
		ID:      NewTraceID(),
		Baggage: NewBaggage(DefaultMaxBaggageItems, DefaultMaxBaggageLength),
	}
	if preferLegacy {
		oc.RequestID = legacyRootRecordID(oc.ID)
	} else {
		oc.RequestID = NewSpanID()
	}
	return oc
}

// RemoteSpanContext returns the inbound W3C span context, if any.
func (oc *OperationContext) RemoteSpanContext() trace.SpanContext {
	if oc == nil {
		return trace.SpanContext{}
	}
	return oc.remote
}

// WithOperation returns a child context carrying oc.
func WithOperation(ctx context.Context, oc *OperationContext) context.Context {
	return context.WithValue(ctx, operationKey{}, oc)
}

// OperationFromContext returns the OperationContext carried by ctx.
func OperationFromContext(ctx context.Context) (*OperationContext, bool) {
	if ctx == nil {
		return nil, false
	}
	oc, ok := ctx.Value(operationKey{}).(*OperationContext)
	return oc, ok && oc != nil
}

func (oc *OperationContext) toZapFields() []zap.Field {
	out := make([]zap.Field, 0, 3)
	if oc.ID != "" {
		out = append(out, zap.String("operation_id", oc.ID))
	}
	if oc.ParentID != "" {
		out = append(out, zap.String("parent_id", oc.ParentID))
	}
	if oc.LegacyRootID != "" {
		out = append(out, zap.String("legacy_root_id", oc.LegacyRootID))
	}
	return out
}

// Baggage is an ordered, unique-by-key list of pairs bounded in count and in
// serialized length. It is safe for concurrent use.
type Baggage struct {
	mu        sync.RWMutex
	items     []KeyValue
	size      int
	maxItems  int
	maxLength int
}

// NewBaggage returns an empty Baggage. Non-positive bounds mean unbounded.
func NewBaggage(maxItems, maxLength int) *Baggage {
	return &Baggage{maxItems: maxItems, maxLength: maxLength}
}

// Add appends key=value unless key is already present or the pair would
// exceed the bounds. It reports whether the pair was added.
func (b *Baggage) Add(key, value string) bool {
	if b == nil || key == "" {
		return false
	}
	kv := KeyValue{Key: key, Value: value}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.items {
		if existing.Key == key {
			return false
		}
	}

	n := kv.encodedLen()
	if len(b.items) > 0 {
		n++
	}
	if b.maxItems > 0 && len(b.items) >= b.maxItems {
		return false
	}
	if b.maxLength > 0 && b.size+n > b.maxLength {
		return false
	}
	b.items = append(b.items, kv)
	b.size += n
	return true
}

// Get returns the value stored under key.
func (b *Baggage) Get(key string) (string, bool) {
	if b == nil {
		return "", false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, kv := range b.items {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Items returns a copy of the pairs in insertion order.
func (b *Baggage) Items() []KeyValue {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]KeyValue(nil), b.items...)
}

// Len returns the number of pairs.
func (b *Baggage) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}
