package badger

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tailwatch/tailwatch/pkg/storage"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAndQueryLogs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var records []telemetry.LogRecord
	for i := 0; i < 10; i++ {
		records = append(records, telemetry.LogRecord{
			ID:        fmt.Sprintf("id-%d", i),
			ProjectID: "p1",
			Level:     telemetry.LevelInfo,
			Message:   fmt.Sprintf("message %d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, store.AppendLogs(ctx, records))

	// Half-open range returns rows 2..6.
	results, err := store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p1",
		Start:     base.Add(2 * time.Minute),
		End:       base.Add(7 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, results, 5)
	require.Equal(t, "id-2", results[0].ID)

	// Keys sort by timestamp so results come back in time order.
	for i := 1; i < len(results); i++ {
		require.True(t, !results[i].Timestamp.Before(results[i-1].Timestamp))
	}

	// Another project sees nothing.
	results, err = store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p2", Start: base, End: base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Empty(t, results)

	count, err := store.CountLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: base, End: base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(10), count)
}

func TestQueryLogsLimit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var records []telemetry.LogRecord
	for i := 0; i < 20; i++ {
		records = append(records, telemetry.LogRecord{
			ID:        fmt.Sprintf("id-%d", i),
			ProjectID: "p1",
			Level:     telemetry.LevelInfo,
			Message:   "m",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, store.AppendLogs(ctx, records))

	results, err := store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: base, End: base.Add(time.Hour), Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, results, 5)
}

func TestCompressPartitionPreservesReads(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	dayEnd := day.Add(24 * time.Hour)

	meta := storage.PartitionMeta{
		Stream: telemetry.StreamLogs, ProjectID: "p1",
		Start: day, End: dayEnd, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertPartition(ctx, meta))

	var records []telemetry.LogRecord
	for i := 0; i < 50; i++ {
		records = append(records, telemetry.LogRecord{
			ID:        fmt.Sprintf("id-%d", i),
			ProjectID: "p1",
			Level:     telemetry.LevelInfo,
			Message:   fmt.Sprintf("row %d", i),
			Timestamp: day.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, store.AppendLogs(ctx, records))

	require.NoError(t, store.CompressPartition(ctx, telemetry.StreamLogs, "p1", day, dayEnd))

	partitions, err := store.ListPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, partitions, 1)
	require.True(t, partitions[0].Compressed)

	// All rows still readable from the block, filters still apply.
	results, err := store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: day, End: dayEnd,
	})
	require.NoError(t, err)
	require.Len(t, results, 50)

	results, err = store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: day, End: dayEnd, Search: "row 7",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestCompressedPartitionAcceptsLateRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	dayEnd := day.Add(24 * time.Hour)

	meta := storage.PartitionMeta{
		Stream: telemetry.StreamLogs, ProjectID: "p1",
		Start: day, End: dayEnd, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.UpsertPartition(ctx, meta))
	require.NoError(t, store.AppendLogs(ctx, []telemetry.LogRecord{
		{ID: "early", ProjectID: "p1", Level: telemetry.LevelInfo, Message: "early", Timestamp: day.Add(time.Hour)},
	}))
	require.NoError(t, store.CompressPartition(ctx, telemetry.StreamLogs, "p1", day, dayEnd))

	// An out-of-order write after compression lands as a tail row and is
	// merged with the block on reads.
	require.NoError(t, store.AppendLogs(ctx, []telemetry.LogRecord{
		{ID: "late", ProjectID: "p1", Level: telemetry.LevelInfo, Message: "late", Timestamp: day.Add(2 * time.Hour)},
	}))

	results, err := store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: day, End: dayEnd,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestCompressedPartitionKeepsTimestampOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	for _, day := range []time.Time{day1, day2} {
		require.NoError(t, store.UpsertPartition(ctx, storage.PartitionMeta{
			Stream: telemetry.StreamLogs, ProjectID: "p1",
			Start: day, End: day.Add(24 * time.Hour), CreatedAt: time.Now().UTC(),
		}))
	}
	require.NoError(t, store.AppendLogs(ctx, []telemetry.LogRecord{
		{ID: "old-1", ProjectID: "p1", Level: telemetry.LevelInfo, Message: "m", Timestamp: day1.Add(1 * time.Hour)},
		{ID: "old-2", ProjectID: "p1", Level: telemetry.LevelInfo, Message: "m", Timestamp: day1.Add(3 * time.Hour)},
	}))
	require.NoError(t, store.CompressPartition(ctx, telemetry.StreamLogs, "p1", day1, day2))

	// A late tail row inside the compressed day and a newer raw row in the
	// next day must both interleave with the block rows by timestamp.
	require.NoError(t, store.AppendLogs(ctx, []telemetry.LogRecord{
		{ID: "tail", ProjectID: "p1", Level: telemetry.LevelInfo, Message: "m", Timestamp: day1.Add(2 * time.Hour)},
		{ID: "new-1", ProjectID: "p1", Level: telemetry.LevelInfo, Message: "m", Timestamp: day2.Add(1 * time.Hour)},
	}))

	results, err := store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: day1, End: day2.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, results, 4)
	ids := []string{results[0].ID, results[1].ID, results[2].ID, results[3].ID}
	require.Equal(t, []string{"old-1", "tail", "old-2", "new-1"}, ids)

	// Limit keeps the oldest rows, never the newest raw ones.
	results, err = store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: day1, End: day2.Add(24 * time.Hour), Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "old-1", results[0].ID)
}

func TestCompressLargePartition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	dayEnd := day.Add(24 * time.Hour)

	require.NoError(t, store.UpsertPartition(ctx, storage.PartitionMeta{
		Stream: telemetry.StreamLogs, ProjectID: "p1",
		Start: day, End: dayEnd, CreatedAt: time.Now().UTC(),
	}))

	// Poorly compressible payloads, enough rows for several chunks.
	const n = 3000
	var records []telemetry.LogRecord
	for i := 0; i < n; i++ {
		records = append(records, telemetry.LogRecord{
			ID:        fmt.Sprintf("id-%d", i),
			ProjectID: "p1",
			Level:     telemetry.LevelInfo,
			Message:   strings.Repeat(uuid.NewString(), 4),
			Timestamp: day.Add(time.Duration(i) * time.Second),
		})
	}
	for i := 0; i < n; i += 1000 {
		require.NoError(t, store.AppendLogs(ctx, records[i:i+1000]))
	}

	require.NoError(t, store.CompressPartition(ctx, telemetry.StreamLogs, "p1", day, dayEnd))

	count, err := store.CountLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: day, End: dayEnd,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(n), count)

	results, err := store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: day, End: dayEnd,
	})
	require.NoError(t, err)
	require.Len(t, results, n)
	require.Equal(t, "id-0", results[0].ID)
	require.Equal(t, fmt.Sprintf("id-%d", n-1), results[n-1].ID)

	// Dropping a partition of this size must also succeed.
	require.NoError(t, store.DropPartition(ctx, telemetry.StreamLogs, "p1", day, dayEnd))
	count, err = store.CountLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: day, End: dayEnd,
	})
	require.NoError(t, err)
	require.Zero(t, count)

	partitions, err := store.ListPartitions(ctx)
	require.NoError(t, err)
	require.Empty(t, partitions)
}

func TestReopenKeepsIdenticalTimestampsDistinct(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	store, err := New(Config{Path: dir})
	require.NoError(t, err)
	require.NoError(t, store.AppendLogs(ctx, []telemetry.LogRecord{
		{ID: "before", ProjectID: "p1", Level: telemetry.LevelInfo, Message: "m", Timestamp: ts},
	}))
	require.NoError(t, store.Close())

	// Same nanosecond timestamp written by a fresh process must not land on
	// the key the first lifetime used.
	store, err = New(Config{Path: dir})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.AppendLogs(ctx, []telemetry.LogRecord{
		{ID: "after", ProjectID: "p1", Level: telemetry.LevelInfo, Message: "m", Timestamp: ts},
	}))

	results, err := store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: ts.Add(-time.Minute), End: ts.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestDropPartition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day1 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	for _, day := range []time.Time{day1, day2} {
		require.NoError(t, store.UpsertPartition(ctx, storage.PartitionMeta{
			Stream: telemetry.StreamLogs, ProjectID: "p1",
			Start: day, End: day.Add(24 * time.Hour), CreatedAt: time.Now().UTC(),
		}))
	}
	require.NoError(t, store.AppendLogs(ctx, []telemetry.LogRecord{
		{ID: "old", ProjectID: "p1", Level: telemetry.LevelInfo, Message: "old", Timestamp: day1.Add(time.Hour)},
		{ID: "new", ProjectID: "p1", Level: telemetry.LevelInfo, Message: "new", Timestamp: day2.Add(time.Hour)},
	}))

	// Compress first so the drop has to remove the block too.
	require.NoError(t, store.CompressPartition(ctx, telemetry.StreamLogs, "p1", day1, day2))
	require.NoError(t, store.DropPartition(ctx, telemetry.StreamLogs, "p1", day1, day2))

	results, err := store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "p1", Start: day1, End: day2.Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "new", results[0].ID)

	partitions, err := store.ListPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, partitions, 1)
	require.Equal(t, day2, partitions[0].Start.UTC())
}

func TestAggregateRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	bucket := time.Date(2025, 6, 1, 12, 5, 0, 0, time.UTC)

	row := telemetry.AggregateRow{
		ProjectID: "p1", MetricName: "req_latency", MetricType: telemetry.GaugeType,
		Resolution: telemetry.Resolution1m, BucketStart: bucket,
		Avg: 12.5, Min: 3, Max: 40, Sum: 125, Count: 10,
	}
	require.NoError(t, store.WriteAggregate(ctx, row))

	// Overwrite with a recompute.
	row.Avg = 13
	row.Sum = 130
	require.NoError(t, store.WriteAggregate(ctx, row))

	rows, err := store.QueryAggregates(ctx, storage.AggregateQuery{
		ProjectID: "p1", MetricName: "req_latency", Resolution: telemetry.Resolution1m,
		Start: bucket.Add(-time.Minute), End: bucket.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 13.0, rows[0].Avg)
	require.Equal(t, uint64(10), rows[0].Count)

	// Different resolution is a different row space.
	rows, err = store.QueryAggregates(ctx, storage.AggregateQuery{
		ProjectID: "p1", MetricName: "req_latency", Resolution: telemetry.Resolution1h,
		Start: bucket.Add(-time.Hour), End: bucket.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestMetricQueryTagFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendMetrics(ctx, []telemetry.MetricRecord{
		{ID: "1", ProjectID: "p1", Name: "cpu", Type: telemetry.GaugeType, Value: 0.4, Timestamp: now, Tags: map[string]string{"host": "a"}},
		{ID: "2", ProjectID: "p1", Name: "cpu", Type: telemetry.GaugeType, Value: 0.9, Timestamp: now, Tags: map[string]string{"host": "b"}},
		{ID: "3", ProjectID: "p1", Name: "mem", Type: telemetry.GaugeType, Value: 0.5, Timestamp: now, Tags: map[string]string{"host": "a"}},
	}))

	results, err := store.QueryMetrics(ctx, storage.MetricQuery{
		ProjectID: "p1", Start: now.Add(-time.Minute), End: now.Add(time.Minute),
		Names: []string{"cpu"}, Tags: map[string]string{"host": "a"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "1", results[0].ID)
}

func TestStatsCountsKinds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendLogs(ctx, []telemetry.LogRecord{
		{ID: "1", ProjectID: "p1", Level: telemetry.LevelInfo, Message: "m", Timestamp: now},
	}))
	require.NoError(t, store.AppendMetrics(ctx, []telemetry.MetricRecord{
		{ID: "2", ProjectID: "p1", Name: "cpu", Type: telemetry.GaugeType, Timestamp: now},
		{ID: "3", ProjectID: "p1", Name: "cpu", Type: telemetry.GaugeType, Timestamp: now},
	}))
	require.NoError(t, store.WriteAggregate(ctx, telemetry.AggregateRow{
		ProjectID: "p1", MetricName: "cpu", Resolution: telemetry.Resolution1m, BucketStart: now,
	}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.TotalLogs)
	require.Equal(t, uint64(2), stats.TotalMetrics)
	require.Equal(t, uint64(1), stats.TotalAggregates)
}
