// Package signal adapts external metric, log, and trace backends into
// the query surface the engine consumes. The engine never owns signal
// storage; it only reads through this adapter.
package signal

import (
	"context"
	"time"
)

// Sample is a single metric observation.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// LogEntry represents aggregated log information for an incident window.
type LogEntry struct {
	Timestamp time.Time
	Message   string
	Severity  string
	Count     int
}

// TraceSpan captures essential fields from a trace span.
type TraceSpan struct {
	TraceID   string
	SpanID    string
	Service   string
	Operation string
	Duration  time.Duration
	Status    string
	Timestamp time.Time
}

// Source is the signal query surface consumed by the detector and the
// built-in investigators.
type Source interface {
	// QueryRange evaluates a range query and returns samples in
	// timestamp order. An empty result is valid and means no data.
	QueryRange(ctx context.Context, query string, start, end time.Time, step time.Duration) ([]Sample, error)
	Logs(ctx context.Context, service string, start, end time.Time) ([]LogEntry, error)
	Traces(ctx context.Context, service string, start, end time.Time) ([]TraceSpan, error)
}
