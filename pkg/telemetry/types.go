package telemetry

import (
	"time"
)

// Stream identifies one of the three telemetry streams. Each stream has its
// own partitioning width and retention setting.
type Stream string

const (
	StreamLogs    Stream = "logs"
	StreamMetrics Stream = "metrics"
	StreamSpans   Stream = "spans"
)

// Level is the severity of a log record.
type Level string

const (
	LevelTrace Level = "trace"
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// ParseLevel normalizes a level string, accepting common aliases.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error", "err":
		return LevelError, true
	case "fatal", "critical":
		return LevelFatal, true
	}
	return "", false
}

// Severity returns a numeric rank for the level (higher = more severe).
func (l Level) Severity() int {
	switch l {
	case LevelTrace:
		return 0
	case LevelDebug:
		return 1
	case LevelInfo:
		return 2
	case LevelWarn:
		return 3
	case LevelError:
		return 4
	case LevelFatal:
		return 5
	}
	return -1
}

// LogRecord is a single normalized log entry. Immutable once written.
type LogRecord struct {
	ID         string                 `json:"id"`
	ProjectID  string                 `json:"project_id"`
	Level      Level                  `json:"level"`
	Message    string                 `json:"message"`
	Timestamp  time.Time              `json:"timestamp"`
	ReceivedAt time.Time              `json:"received_at"`
	Source     string                 `json:"source,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	TraceID    string                 `json:"trace_id,omitempty"`
	SpanID     string                 `json:"span_id,omitempty"`
}

// MetricType represents the type of metric.
type MetricType string

const (
	CounterType   MetricType = "counter"
	GaugeType     MetricType = "gauge"
	HistogramType MetricType = "histogram"
)

// Histogram holds the bucket fields of a histogram sample. Populated only
// when the record's type is HistogramType.
type Histogram struct {
	BucketBounds []float64 `json:"bucket_bounds"`
	BucketCounts []uint64  `json:"bucket_counts"`
	Sum          float64   `json:"sum"`
	Count        uint64    `json:"count"`
	Min          float64   `json:"min"`
	Max          float64   `json:"max"`
}

// MetricRecord is a single metric sample.
type MetricRecord struct {
	ID         string            `json:"id"`
	ProjectID  string            `json:"project_id"`
	Name       string            `json:"name"`
	Type       MetricType        `json:"type"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	ReceivedAt time.Time         `json:"received_at"`
	Unit       string            `json:"unit,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Histogram  *Histogram        `json:"histogram,omitempty"`
}

// SpanKind mirrors the OpenTelemetry span kinds.
type SpanKind string

const (
	KindInternal SpanKind = "internal"
	KindServer   SpanKind = "server"
	KindClient   SpanKind = "client"
	KindProducer SpanKind = "producer"
	KindConsumer SpanKind = "consumer"
)

// SpanStatus is the outcome of a span.
type SpanStatus string

const (
	StatusUnset SpanStatus = "unset"
	StatusOk    SpanStatus = "ok"
	StatusError SpanStatus = "error"
)

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string                 `json:"name"`
	Timestamp  time.Time              `json:"timestamp"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// SpanLink references another span.
type SpanLink struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// SpanRecord is a single normalized trace span.
type SpanRecord struct {
	ID           string                 `json:"id"`
	ProjectID    string                 `json:"project_id"`
	TraceID      string                 `json:"trace_id"`
	SpanID       string                 `json:"span_id"`
	ParentSpanID string                 `json:"parent_span_id,omitempty"`
	Name         string                 `json:"name"`
	Kind         SpanKind               `json:"kind"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      *time.Time             `json:"end_time,omitempty"`
	Duration     time.Duration          `json:"duration"`
	Status       SpanStatus             `json:"status"`
	ServiceName  string                 `json:"service_name,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty"`
	Events       []SpanEvent            `json:"events,omitempty"`
	Links        []SpanLink             `json:"links,omitempty"`
}

// Resolution is the bucket width of an aggregate row.
type Resolution string

const (
	Resolution1m Resolution = "1m"
	Resolution1h Resolution = "1h"
	Resolution1d Resolution = "1d"
)

// Resolutions lists all rollup resolutions, finest first.
var Resolutions = []Resolution{Resolution1m, Resolution1h, Resolution1d}

// Duration returns the bucket width.
func (r Resolution) Duration() time.Duration {
	switch r {
	case Resolution1m:
		return time.Minute
	case Resolution1h:
		return time.Hour
	case Resolution1d:
		return 24 * time.Hour
	}
	return 0
}

// Truncate rounds a timestamp down to the start of its bucket. Buckets are
// aligned to UTC.
func (r Resolution) Truncate(t time.Time) time.Time {
	return t.UTC().Truncate(r.Duration())
}

// AggregateRow is a precomputed summary of raw metric samples within one
// bucket. One row exists per (project, metric, resolution, bucket).
type AggregateRow struct {
	ProjectID   string     `json:"project_id"`
	MetricName  string     `json:"metric_name"`
	MetricType  MetricType `json:"metric_type"`
	BucketStart time.Time  `json:"bucket_start"`
	Resolution  Resolution `json:"resolution"`
	Avg         float64    `json:"avg"`
	Min         float64    `json:"min"`
	Max         float64    `json:"max"`
	Sum         float64    `json:"sum"`
	Count       uint64     `json:"count"`
}
