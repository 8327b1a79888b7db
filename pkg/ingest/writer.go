// Package ingest accepts batches of telemetry records, validates them
// per-record, and routes them into the partition covering their timestamp.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tailwatch/tailwatch/pkg/logger"
	"github.com/tailwatch/tailwatch/pkg/partition"
	"github.com/tailwatch/tailwatch/pkg/rollup"
	"github.com/tailwatch/tailwatch/pkg/storage"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

const (
	// MaxRecordsPerBatch caps one ingest request.
	MaxRecordsPerBatch = 1000

	// FutureTolerance is how far ahead of the server clock a record's
	// timestamp may be before it is rejected as too new.
	FutureTolerance = 5 * time.Minute

	// tailMessageLimit truncates live-tail payloads so a pathological log
	// line cannot flood subscribers.
	tailMessageLimit = 512
)

// TailEvent is the lightweight "new record" notification sent to live-tail
// subscribers on each successful log insert.
type TailEvent struct {
	ProjectID string    `json:"project_id"`
	RecordID  string    `json:"record_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TailPublisher receives tail events. Publishing must never block; slow or
// absent subscribers cannot slow ingestion down.
type TailPublisher interface {
	Publish(event TailEvent)
}

// Writer validates and stores record batches. Writers for different
// projects share no state beyond the store itself and never block one
// another.
type Writer struct {
	store    storage.Store
	parts    *partition.Manager
	tracker  *rollup.Tracker
	settings telemetry.SettingsProvider
	tail     TailPublisher
	log      zerolog.Logger
}

// NewWriter creates an ingestion writer. tail may be nil when live tail is
// not wired (tests, batch imports).
func NewWriter(store storage.Store, parts *partition.Manager, tracker *rollup.Tracker, settings telemetry.SettingsProvider, tail TailPublisher, log zerolog.Logger) *Writer {
	return &Writer{
		store:    store,
		parts:    parts,
		tracker:  tracker,
		settings: settings,
		tail:     tail,
		log:      logger.WithComponent(log, "ingest"),
	}
}

// IngestLogs validates and stores a batch of log records. Invalid records
// are rejected individually; the batch partially succeeds. The returned
// error is non-nil only for storage failures affecting the whole batch.
func (w *Writer) IngestLogs(ctx context.Context, projectID string, records []telemetry.LogRecord) (int, []telemetry.Reject, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-w.settings.Settings(projectID).Retention(telemetry.StreamLogs))

	var rejects []telemetry.Reject
	groups := make(map[partition.Ref][]telemetry.LogRecord)

	for i := range records {
		rec := records[i]
		if reason, detail := telemetry.ValidateLog(&rec); reason != "" {
			rejects = append(rejects, telemetry.Reject{Index: i, Reason: reason, Detail: detail})
			continue
		}
		if reason, detail := telemetry.CheckWindow(rec.Timestamp, now, cutoff, FutureTolerance); reason != "" {
			rejects = append(rejects, telemetry.Reject{Index: i, Reason: reason, Detail: detail})
			continue
		}
		rec.ProjectID = projectID
		rec.ReceivedAt = now
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}

		ref, err := w.parts.EnsurePartition(ctx, telemetry.StreamLogs, projectID, rec.Timestamp)
		if err != nil {
			return 0, rejects, err
		}
		groups[ref] = append(groups[ref], rec)
	}

	accepted := 0
	for ref, group := range groups {
		err := w.parts.Write(ref, func() error {
			return w.store.AppendLogs(ctx, group)
		})
		if err != nil {
			return accepted, rejects, err
		}
		accepted += len(group)

		// Fire-and-forget live tail; Publish drops when nobody listens.
		if w.tail != nil {
			for _, rec := range group {
				msg := rec.Message
				if len(msg) > tailMessageLimit {
					msg = msg[:tailMessageLimit]
				}
				w.tail.Publish(TailEvent{
					ProjectID: projectID,
					RecordID:  rec.ID,
					Level:     string(rec.Level),
					Message:   msg,
					Source:    rec.Source,
					Timestamp: rec.Timestamp,
				})
			}
		}
	}

	return accepted, rejects, nil
}

// IngestMetrics validates and stores a batch of metric records, marking the
// touched aggregate buckets dirty for the rollup engine.
func (w *Writer) IngestMetrics(ctx context.Context, projectID string, records []telemetry.MetricRecord) (int, []telemetry.Reject, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-w.settings.Settings(projectID).Retention(telemetry.StreamMetrics))

	var rejects []telemetry.Reject
	groups := make(map[partition.Ref][]telemetry.MetricRecord)

	for i := range records {
		rec := records[i]
		if reason, detail := telemetry.ValidateMetric(&rec); reason != "" {
			rejects = append(rejects, telemetry.Reject{Index: i, Reason: reason, Detail: detail})
			continue
		}
		if reason, detail := telemetry.CheckWindow(rec.Timestamp, now, cutoff, FutureTolerance); reason != "" {
			rejects = append(rejects, telemetry.Reject{Index: i, Reason: reason, Detail: detail})
			continue
		}
		rec.ProjectID = projectID
		rec.ReceivedAt = now
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}

		ref, err := w.parts.EnsurePartition(ctx, telemetry.StreamMetrics, projectID, rec.Timestamp)
		if err != nil {
			return 0, rejects, err
		}
		groups[ref] = append(groups[ref], rec)
	}

	accepted := 0
	for ref, group := range groups {
		err := w.parts.Write(ref, func() error {
			return w.store.AppendMetrics(ctx, group)
		})
		if err != nil {
			return accepted, rejects, err
		}
		accepted += len(group)

		for _, rec := range group {
			w.tracker.MarkDirty(projectID, rec.Name, rec.Timestamp)
		}
	}

	return accepted, rejects, nil
}

// IngestSpans validates and stores a batch of span records.
func (w *Writer) IngestSpans(ctx context.Context, projectID string, records []telemetry.SpanRecord) (int, []telemetry.Reject, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-w.settings.Settings(projectID).Retention(telemetry.StreamSpans))

	var rejects []telemetry.Reject
	groups := make(map[partition.Ref][]telemetry.SpanRecord)

	for i := range records {
		rec := records[i]
		if reason, detail := telemetry.ValidateSpan(&rec); reason != "" {
			rejects = append(rejects, telemetry.Reject{Index: i, Reason: reason, Detail: detail})
			continue
		}
		if reason, detail := telemetry.CheckWindow(rec.StartTime, now, cutoff, FutureTolerance); reason != "" {
			rejects = append(rejects, telemetry.Reject{Index: i, Reason: reason, Detail: detail})
			continue
		}
		rec.ProjectID = projectID
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}

		ref, err := w.parts.EnsurePartition(ctx, telemetry.StreamSpans, projectID, rec.StartTime)
		if err != nil {
			return 0, rejects, err
		}
		groups[ref] = append(groups[ref], rec)
	}

	accepted := 0
	for ref, group := range groups {
		err := w.parts.Write(ref, func() error {
			return w.store.AppendSpans(ctx, group)
		})
		if err != nil {
			return accepted, rejects, err
		}
		accepted += len(group)
	}

	return accepted, rejects, nil
}
