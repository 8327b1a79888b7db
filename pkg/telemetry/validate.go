package telemetry

import (
	"fmt"
	"time"
)

// RejectReason classifies why a record in a batch was refused.
type RejectReason string

const (
	ReasonMissingField   RejectReason = "missing_field"
	ReasonInvalidRange   RejectReason = "invalid_range"
	ReasonSchemaMismatch RejectReason = "schema_mismatch"
	ReasonTooOld         RejectReason = "too_old"
	ReasonTooNew         RejectReason = "too_new"
)

// Reject identifies one rejected record within a batch. Validation failures
// never fail the whole batch; the caller receives the indexes that were
// refused together with the reason.
type Reject struct {
	Index  int          `json:"index"`
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
}

func (r Reject) Error() string {
	return fmt.Sprintf("record %d rejected (%s): %s", r.Index, r.Reason, r.Detail)
}

// ValidateLog checks a log record's shape invariants.
func ValidateLog(rec *LogRecord) (RejectReason, string) {
	if rec.Message == "" {
		return ReasonMissingField, "message is required"
	}
	if _, ok := ParseLevel(string(rec.Level)); !ok {
		return ReasonSchemaMismatch, fmt.Sprintf("unknown level %q", rec.Level)
	}
	if rec.Timestamp.IsZero() {
		return ReasonMissingField, "timestamp is required"
	}
	return "", ""
}

// ValidateMetric checks a metric record's shape invariants, including the
// histogram consistency rules.
func ValidateMetric(rec *MetricRecord) (RejectReason, string) {
	if rec.Name == "" {
		return ReasonMissingField, "name is required"
	}
	switch rec.Type {
	case CounterType, GaugeType:
		if rec.Histogram != nil {
			return ReasonSchemaMismatch, "histogram fields set on non-histogram metric"
		}
	case HistogramType:
		h := rec.Histogram
		if h == nil {
			return ReasonMissingField, "histogram fields required for histogram metric"
		}
		if len(h.BucketBounds) != len(h.BucketCounts) {
			return ReasonSchemaMismatch, fmt.Sprintf(
				"bucket_bounds has %d entries, bucket_counts has %d",
				len(h.BucketBounds), len(h.BucketCounts))
		}
		var total uint64
		for _, c := range h.BucketCounts {
			total += c
		}
		if total != h.Count {
			return ReasonSchemaMismatch, fmt.Sprintf(
				"bucket counts sum to %d, count field is %d", total, h.Count)
		}
	default:
		return ReasonSchemaMismatch, fmt.Sprintf("unknown metric type %q", rec.Type)
	}
	if rec.Timestamp.IsZero() {
		return ReasonMissingField, "timestamp is required"
	}
	return "", ""
}

// ValidateSpan checks a span record's shape invariants and normalizes the
// duration from start/end times.
func ValidateSpan(rec *SpanRecord) (RejectReason, string) {
	if rec.TraceID == "" {
		return ReasonMissingField, "trace_id is required"
	}
	if rec.SpanID == "" {
		return ReasonMissingField, "span_id is required"
	}
	if rec.Name == "" {
		return ReasonMissingField, "name is required"
	}
	if rec.StartTime.IsZero() {
		return ReasonMissingField, "start_time is required"
	}
	switch rec.Kind {
	case KindInternal, KindServer, KindClient, KindProducer, KindConsumer:
	case "":
		rec.Kind = KindInternal
	default:
		return ReasonSchemaMismatch, fmt.Sprintf("unknown span kind %q", rec.Kind)
	}
	switch rec.Status {
	case StatusUnset, StatusOk, StatusError:
	case "":
		rec.Status = StatusUnset
	default:
		return ReasonSchemaMismatch, fmt.Sprintf("unknown span status %q", rec.Status)
	}
	if rec.EndTime != nil {
		if rec.EndTime.Before(rec.StartTime) {
			return ReasonInvalidRange, "end_time before start_time"
		}
		rec.Duration = rec.EndTime.Sub(rec.StartTime)
	}
	return "", ""
}

// CheckWindow verifies a timestamp against the project's retention cutoff
// and the small future tolerance applied to all streams.
func CheckWindow(ts, now, cutoff time.Time, futureTolerance time.Duration) (RejectReason, string) {
	if ts.Before(cutoff) {
		return ReasonTooOld, fmt.Sprintf("timestamp %s is older than retention cutoff %s",
			ts.Format(time.RFC3339), cutoff.Format(time.RFC3339))
	}
	if ts.After(now.Add(futureTolerance)) {
		return ReasonTooNew, fmt.Sprintf("timestamp %s is beyond the future tolerance", ts.Format(time.RFC3339))
	}
	return "", ""
}
