package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tailwatch/tailwatch/pkg/partition"
	"github.com/tailwatch/tailwatch/pkg/rollup"
	"github.com/tailwatch/tailwatch/pkg/storage"
	"github.com/tailwatch/tailwatch/pkg/storage/memory"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

type capturingTail struct {
	mu     sync.Mutex
	events []TailEvent
}

func (c *capturingTail) Publish(event TailEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturingTail) Events() []TailEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TailEvent(nil), c.events...)
}

func newTestWriter(store storage.Store, tail TailPublisher) (*Writer, *rollup.Tracker) {
	settings := telemetry.NewStaticSettings()
	parts := partition.NewManager(store, settings, partition.DefaultConfig(), zerolog.Nop())
	tracker := rollup.NewTracker()
	writer := NewWriter(store, parts, tracker, settings, tail, zerolog.Nop())
	return writer, tracker
}

func TestIngestLogsPartialSuccess(t *testing.T) {
	store := memory.New()
	writer, _ := newTestWriter(store, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	accepted, rejects, err := writer.IngestLogs(ctx, "p1", []telemetry.LogRecord{
		{Level: telemetry.LevelInfo, Message: "fine", Timestamp: now},
		{Level: telemetry.LevelInfo, Message: "", Timestamp: now},                               // missing message
		{Level: "loud", Message: "bad level", Timestamp: now},                                  // schema mismatch
		{Level: telemetry.LevelWarn, Message: "too old", Timestamp: now.AddDate(0, 0, -31)},    // past 30d retention
		{Level: telemetry.LevelWarn, Message: "too new", Timestamp: now.Add(10 * time.Minute)}, // past future tolerance
		{Level: telemetry.LevelError, Message: "also fine", Timestamp: now.Add(-time.Minute)},
	})
	require.NoError(t, err)
	require.Equal(t, 2, accepted)
	require.Len(t, rejects, 4)

	reasons := map[int]telemetry.RejectReason{}
	for _, rej := range rejects {
		reasons[rej.Index] = rej.Reason
	}
	require.Equal(t, telemetry.ReasonMissingField, reasons[1])
	require.Equal(t, telemetry.ReasonSchemaMismatch, reasons[2])
	require.Equal(t, telemetry.ReasonTooOld, reasons[3])
	require.Equal(t, telemetry.ReasonTooNew, reasons[4])

	stored, err := store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: now.Add(-time.Hour), End: now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	for _, rec := range stored {
		require.NotEmpty(t, rec.ID)
		require.Equal(t, "p1", rec.ProjectID)
		require.False(t, rec.ReceivedAt.IsZero())
	}
}

func TestIngestLogsRoutesHistoricalRecords(t *testing.T) {
	store := memory.New()
	writer, _ := newTestWriter(store, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.AddDate(0, 0, -10)

	// Out-of-order but within retention: accepted into the historical
	// partition, not today's.
	accepted, rejects, err := writer.IngestLogs(ctx, "p1", []telemetry.LogRecord{
		{Level: telemetry.LevelInfo, Message: "current", Timestamp: now},
		{Level: telemetry.LevelInfo, Message: "late arrival", Timestamp: old},
	})
	require.NoError(t, err)
	require.Equal(t, 2, accepted)
	require.Empty(t, rejects)

	partitions, err := store.ListPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, partitions, 2)

	oldStart, _ := partition.Bounds(telemetry.StreamLogs, old)
	require.Equal(t, oldStart, partitions[0].Start)
}

func TestIngestLogsPublishesTailEvents(t *testing.T) {
	store := memory.New()
	tail := &capturingTail{}
	writer, _ := newTestWriter(store, tail)
	ctx := context.Background()
	now := time.Now().UTC()

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}

	_, _, err := writer.IngestLogs(ctx, "p1", []telemetry.LogRecord{
		{Level: telemetry.LevelError, Message: string(long), Source: "api", Timestamp: now},
	})
	require.NoError(t, err)

	events := tail.Events()
	require.Len(t, events, 1)
	require.Equal(t, "p1", events[0].ProjectID)
	require.Equal(t, "error", events[0].Level)
	require.Len(t, events[0].Message, tailMessageLimit)
}

func TestIngestMetricsMarksBucketsDirty(t *testing.T) {
	store := memory.New()
	writer, tracker := newTestWriter(store, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	accepted, rejects, err := writer.IngestMetrics(ctx, "p1", []telemetry.MetricRecord{
		{Name: "cpu", Type: telemetry.GaugeType, Value: 0.7, Timestamp: now},
		{Name: "", Type: telemetry.GaugeType, Timestamp: now},
	})
	require.NoError(t, err)
	require.Equal(t, 1, accepted)
	require.Len(t, rejects, 1)

	// One accepted sample dirties its bucket at all three resolutions.
	require.Equal(t, 3, tracker.Len())
}

func TestIngestSpans(t *testing.T) {
	store := memory.New()
	writer, _ := newTestWriter(store, nil)
	ctx := context.Background()
	now := time.Now().UTC()
	end := now.Add(120 * time.Millisecond)

	accepted, rejects, err := writer.IngestSpans(ctx, "p1", []telemetry.SpanRecord{
		{TraceID: "t1", SpanID: "s1", Name: "GET /users", StartTime: now, EndTime: &end, ServiceName: "api"},
		{SpanID: "s2", Name: "orphan", StartTime: now},
	})
	require.NoError(t, err)
	require.Equal(t, 1, accepted)
	require.Len(t, rejects, 1)
	require.Equal(t, telemetry.ReasonMissingField, rejects[0].Reason)

	stored, err := store.QuerySpans(ctx, storage.SpanQuery{
		ProjectID: "p1", Start: now.Add(-time.Minute), End: now.Add(time.Minute), TraceID: "t1",
	})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.Equal(t, 120*time.Millisecond, stored[0].Duration)
	require.Equal(t, telemetry.KindInternal, stored[0].Kind)
}
