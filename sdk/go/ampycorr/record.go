package ampycorr

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RecordKind distinguishes inbound request records from outbound dependency records.
type RecordKind int

const (
	KindRequest RecordKind = iota
	KindDependency
)

func (k RecordKind) String() string {
	if k == KindDependency {
		return "dependency"
	}
	return "request"
}

const (
	// DependencyTypeHTTP marks a plain outbound HTTP call.
	DependencyTypeHTTP = "Http"
	// DependencyTypeComponent marks a call into another monitored component,
	// detected by a differing correlation id in the response.
	DependencyTypeComponent = "Application Insights"
)

// Record is a finished telemetry item handed to a TelemetryChannel.
type Record struct {
	Kind RecordKind
	ID   string
	Name string
	// Target is the callee host for dependencies, suffixed with " | <appId>"
	// for cross-component calls.
	Target string
	Type   string
	// Data is the full outbound URL or inbound request URL.
	Data       string
	ResultCode string
	Success    bool
	// Source is the caller's correlation id on request records, when it
	// differs from the local one.
	Source string

	StartTime time.Time
	Duration  time.Duration

	OperationID  string
	ParentID     string
	LegacyRootID string

	Properties map[string]string
}

// TelemetryChannel receives finished records. It owns batching, retry and
// transport.
type TelemetryChannel interface {
	Track(rec Record)
}

// ChannelFunc adapts a function to TelemetryChannel.
type ChannelFunc func(rec Record)

func (f ChannelFunc) Track(rec Record) { f(rec) }

// LogChannel writes records to a Logger at debug level. Useful when no
// exporter is configured.
type LogChannel struct {
	Logger Logger
}

func (c LogChannel) Track(rec Record) {
	if c.Logger == nil {
		return
	}
	c.Logger.Debug(context.Background(), "telemetry."+rec.Kind.String(),
		zap.String("id", rec.ID),
		zap.String("name", rec.Name),
		zap.String("target", rec.Target),
		zap.String("type", rec.Type),
		zap.String("result_code", rec.ResultCode),
		zap.Bool("success", rec.Success),
		zap.Duration("duration", rec.Duration),
		zap.String("operation_id", rec.OperationID),
		zap.String("parent_id", rec.ParentID),
	)
}
