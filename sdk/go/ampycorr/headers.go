package ampycorr

import (
	"net/http"
	"strings"
)

const (
	HeaderTraceParent        = "traceparent"
	HeaderTraceState         = "tracestate"
	HeaderRequestID          = "Request-Id"
	HeaderCorrelationContext = "Correlation-Context"
	HeaderRequestContext     = "Request-Context"

	// Legacy root/parent pair written next to Request-Id for older receivers.
	HeaderRequestRootID  = "x-ms-request-root-id"
	HeaderRequestChildID = "x-ms-request-id"

	// HeaderSourceIdentity carries base64(sha256(instrumentation key)).
	HeaderSourceIdentity = "x-ms-request-source-ikey"

	// RequestContextAppIDKey is the Request-Context key holding a correlation id.
	RequestContextAppIDKey = "appId"
)

// KeyValue is one member of a composite "k1=v1,k2=v2" header.
type KeyValue struct {
	Key   string
	Value string
}

func (kv KeyValue) encodedLen() int { return len(kv.Key) + 1 + len(kv.Value) }

// ParseKeyValues splits a composite header into ordered pairs.
//
// Segments without '=' or with an empty key are skipped. Keys and values are
// trimmed. Duplicate keys are kept in encounter order. When maxLength or
// maxItems is positive, pairs are taken from the front for as long as the
// re-serialized result stays within both bounds; the remainder is dropped
// whole, so the result always formats back to a valid header. A nil result
// means nothing fit.
func ParseKeyValues(value string, maxLength, maxItems int) []KeyValue {
	if strings.TrimSpace(value) == "" {
		return nil
	}

	var (
		out  []KeyValue
		size int
	)
	for _, segment := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		kv := KeyValue{Key: strings.TrimSpace(k), Value: strings.TrimSpace(v)}
		if kv.Key == "" {
			continue
		}

		n := kv.encodedLen()
		if len(out) > 0 {
			n++ // comma
		}
		if maxItems > 0 && len(out) >= maxItems {
			break
		}
		if maxLength > 0 && size+n > maxLength {
			break
		}
		out = append(out, kv)
		size += n
	}
	return out
}

// FormatKeyValues joins pairs as "k1=v1,k2=v2". The boolean is false for empty
// input, meaning the header should not be written at all.
func FormatKeyValues(pairs []KeyValue) (string, bool) {
	if len(pairs) == 0 {
		return "", false
	}
	var b strings.Builder
	for i, kv := range pairs {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(kv.Key)
		b.WriteByte('=')
		b.WriteString(kv.Value)
	}
	return b.String(), true
}

// headerValue folds a possibly repeated header into a single composite value.
func headerValue(h http.Header, name string) string {
	values := h.Values(name)
	switch len(values) {
	case 0:
		return ""
	case 1:
		return values[0]
	default:
		return strings.Join(values, ",")
	}
}

// GetKeyValue returns the first value stored under key in the composite header.
func GetKeyValue(h http.Header, headerName, key string) (string, bool) {
	if h == nil {
		return "", false
	}
	for _, kv := range ParseKeyValues(headerValue(h, headerName), 0, 0) {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// SetKeyValue rewrites the composite header so that key maps to value. An
// existing key is replaced in place; otherwise the pair is appended. Other
// members keep their positions.
func SetKeyValue(h http.Header, headerName, key, value string) {
	if h == nil {
		return
	}
	pairs := ParseKeyValues(headerValue(h, headerName), 0, 0)

	replaced := false
	for i := range pairs {
		if pairs[i].Key == key {
			pairs[i].Value = value
			replaced = true
			break
		}
	}
	if !replaced {
		pairs = append(pairs, KeyValue{Key: key, Value: value})
	}

	formatted, _ := FormatKeyValues(pairs)
	h.Set(headerName, formatted)
}
