package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

// ErrPartitionUnavailable indicates a transient storage failure; the caller
// retries on its next cycle.
var ErrPartitionUnavailable = errors.New("partition unavailable")

// Store defines the interface for telemetry storage backends.
// Implementations: memory (testing), badger (production).
type Store interface {
	// Append writes raw records into their partitions. Records must already
	// be validated; the caller groups them by partition and holds that
	// partition's write access while appending.
	AppendLogs(ctx context.Context, records []telemetry.LogRecord) error
	AppendMetrics(ctx context.Context, records []telemetry.MetricRecord) error
	AppendSpans(ctx context.Context, records []telemetry.SpanRecord) error

	// Query retrieves raw records within a time range with optional filters.
	QueryLogs(ctx context.Context, q LogQuery) ([]telemetry.LogRecord, error)
	QueryMetrics(ctx context.Context, q MetricQuery) ([]telemetry.MetricRecord, error)
	QuerySpans(ctx context.Context, q SpanQuery) ([]telemetry.SpanRecord, error)

	// CountLogs counts matching log records without materializing them.
	CountLogs(ctx context.Context, q LogQuery) (uint64, error)

	// Aggregate rows. WriteAggregate overwrites any existing row for the
	// same (project, metric, resolution, bucket) key.
	WriteAggregate(ctx context.Context, row telemetry.AggregateRow) error
	DeleteAggregate(ctx context.Context, projectID, metricName string, res telemetry.Resolution, bucketStart time.Time) error
	QueryAggregates(ctx context.Context, q AggregateQuery) ([]telemetry.AggregateRow, error)

	// Partition lifecycle.
	UpsertPartition(ctx context.Context, meta PartitionMeta) error
	ListPartitions(ctx context.Context) ([]PartitionMeta, error)
	CompressPartition(ctx context.Context, stream telemetry.Stream, projectID string, start, end time.Time) error
	DropPartition(ctx context.Context, stream telemetry.Stream, projectID string, start, end time.Time) error

	// Stats returns storage statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage.
	Close() error
}

// PartitionMeta describes one time-bounded chunk of a stream for a project.
type PartitionMeta struct {
	Stream     telemetry.Stream `json:"stream"`
	ProjectID  string           `json:"project_id"`
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	Compressed bool             `json:"compressed"`
	CreatedAt  time.Time        `json:"created_at"`
}

// LogQuery filters raw log records. The time range is half-open:
// [Start, End).
type LogQuery struct {
	ProjectID string
	Start     time.Time
	End       time.Time

	// Levels restricts to the given severities (empty = all).
	Levels []telemetry.Level

	// Source matches the record's source exactly.
	Source string

	// TraceID matches the record's trace id exactly.
	TraceID string

	// Search is a substring match on the message.
	Search string

	// Limit caps the number of results (0 = no limit).
	Limit int
}

// Matches reports whether a record passes the query's filters.
func (q LogQuery) Matches(rec *telemetry.LogRecord) bool {
	if rec.ProjectID != q.ProjectID {
		return false
	}
	if rec.Timestamp.Before(q.Start) || !rec.Timestamp.Before(q.End) {
		return false
	}
	if len(q.Levels) > 0 {
		found := false
		for _, l := range q.Levels {
			if rec.Level == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.Source != "" && rec.Source != q.Source {
		return false
	}
	if q.TraceID != "" && rec.TraceID != q.TraceID {
		return false
	}
	if q.Search != "" && !strings.Contains(rec.Message, q.Search) {
		return false
	}
	return true
}

// MetricQuery filters raw metric records.
type MetricQuery struct {
	ProjectID string
	Start     time.Time
	End       time.Time

	// Names restricts to the given metric names (empty = all).
	Names []string

	// Tags must all match exactly.
	Tags map[string]string

	Limit int
}

// Matches reports whether a record passes the query's filters.
func (q MetricQuery) Matches(rec *telemetry.MetricRecord) bool {
	if rec.ProjectID != q.ProjectID {
		return false
	}
	if rec.Timestamp.Before(q.Start) || !rec.Timestamp.Before(q.End) {
		return false
	}
	if len(q.Names) > 0 {
		found := false
		for _, n := range q.Names {
			if rec.Name == n {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range q.Tags {
		if rec.Tags == nil || rec.Tags[k] != v {
			return false
		}
	}
	return true
}

// SpanQuery filters raw span records by start time.
type SpanQuery struct {
	ProjectID string
	Start     time.Time
	End       time.Time

	// TraceID matches exactly.
	TraceID string

	// ServiceName matches exactly.
	ServiceName string

	Limit int
}

// Matches reports whether a record passes the query's filters.
func (q SpanQuery) Matches(rec *telemetry.SpanRecord) bool {
	if rec.ProjectID != q.ProjectID {
		return false
	}
	if rec.StartTime.Before(q.Start) || !rec.StartTime.Before(q.End) {
		return false
	}
	if q.TraceID != "" && rec.TraceID != q.TraceID {
		return false
	}
	if q.ServiceName != "" && rec.ServiceName != q.ServiceName {
		return false
	}
	return true
}

// AggregateQuery fetches aggregate rows for one metric at one resolution.
// MetricName empty means all metrics for the project at that resolution.
type AggregateQuery struct {
	ProjectID  string
	MetricName string
	Resolution telemetry.Resolution
	Start      time.Time
	End        time.Time
}

// Stats provides storage health and usage info.
type Stats struct {
	TotalLogs       uint64    `json:"total_logs"`
	TotalMetrics    uint64    `json:"total_metrics"`
	TotalSpans      uint64    `json:"total_spans"`
	TotalAggregates uint64    `json:"total_aggregates"`
	TotalPartitions uint64    `json:"total_partitions"`
	SizeBytes       uint64    `json:"size_bytes"`
	OldestRecord    time.Time `json:"oldest_record"`
	NewestRecord    time.Time `json:"newest_record"`
}
