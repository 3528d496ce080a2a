package ampycorr

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

const (
	traceIDLength  = 32
	spanIDLength   = 16
	idSuffixLength = 8

	// DefaultMaxRequestIDLength bounds legacy hierarchical ids, inbound and generated.
	DefaultMaxRequestIDLength = 1024
)

// NewTraceID returns a random W3C-compatible trace id (32 lowercase hex chars).
func NewTraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// NewSpanID returns a random W3C-compatible span id (16 lowercase hex chars).
func NewSpanID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:spanIDLength/2])
}

func newIDSuffix() string {
	u := uuid.New()
	return hex.EncodeToString(u[:idSuffixLength/2])
}

// isLowerHex reports whether s is exactly n lowercase hex characters.
func isLowerHex(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// IsTraceID reports whether s is usable as a W3C trace id.
func IsTraceID(s string) bool { return isLowerHex(s, traceIDLength) }

// IsSpanID reports whether s is usable as a W3C span id.
func IsSpanID(s string) bool { return isLowerHex(s, spanIDLength) }

// legacyRoot returns the root segment of a hierarchical id: "|root.a.b." -> "root".
func legacyRoot(requestID string) string {
	s := strings.TrimPrefix(requestID, "|")
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return s[:i]
	}
	return s
}

// legacyRootRecordID is the id of a root record that has no caller: "|root.".
func legacyRootRecordID(root string) string {
	return "|" + root + "."
}

// legacyChildID appends a random segment to a hierarchical parent id.
// delimiter is '_' for a child across a process boundary and '.' for an
// in-process child. Ids that would exceed maxLength are cut and marked with '#'.
func legacyChildID(parent string, delimiter byte, maxLength int) string {
	suffix := newIDSuffix()
	if maxLength <= 0 {
		maxLength = DefaultMaxRequestIDLength
	}

	sep := ""
	if !strings.HasSuffix(parent, ".") && !strings.HasSuffix(parent, "_") {
		sep = "."
	}
	id := parent + sep + suffix + string(delimiter)
	if len(id) <= maxLength {
		return id
	}

	keep := maxLength - len(suffix) - 1
	if keep < 0 {
		keep = 0
	}
	return parent[:keep] + suffix + "#"
}
