package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tailwatch/tailwatch/pkg/storage"
	"github.com/tailwatch/tailwatch/pkg/storage/memory"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

func newTestEngine(store storage.Store) (*Engine, *Tracker) {
	tracker := NewTracker()
	engine := NewEngine(store, tracker, telemetry.NewStaticSettings(), DefaultConfig(), zerolog.Nop())
	return engine, tracker
}

func appendSamples(t *testing.T, store storage.Store, project, name string, base time.Time, values []float64) {
	t.Helper()
	var records []telemetry.MetricRecord
	for i, v := range values {
		records = append(records, telemetry.MetricRecord{
			ID: name + string(rune('a'+i)), ProjectID: project, Name: name,
			Type: telemetry.GaugeType, Value: v,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	require.NoError(t, store.AppendMetrics(context.Background(), records))
}

func TestMarkDirtyTouchesAllResolutions(t *testing.T) {
	tracker := NewTracker()
	ts := time.Date(2025, 6, 1, 12, 34, 56, 0, time.UTC)

	tracker.MarkDirty("p1", "cpu", ts)
	require.Equal(t, 3, tracker.Len())

	// Same minute marks the same buckets, not new ones.
	tracker.MarkDirty("p1", "cpu", ts.Add(time.Second))
	require.Equal(t, 3, tracker.Len())

	keys := tracker.Drain()
	require.Len(t, keys, 3)
	require.Equal(t, 0, tracker.Len())

	seen := map[telemetry.Resolution]time.Time{}
	for _, k := range keys {
		seen[k.Resolution] = k.BucketStart
	}
	require.Equal(t, time.Date(2025, 6, 1, 12, 34, 0, 0, time.UTC), seen[telemetry.Resolution1m])
	require.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), seen[telemetry.Resolution1h])
	require.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), seen[telemetry.Resolution1d])
}

func TestRecomputeAggregation(t *testing.T) {
	store := memory.New()
	engine, _ := newTestEngine(store)
	ctx := context.Background()
	bucket := time.Date(2025, 6, 1, 12, 34, 0, 0, time.UTC)

	appendSamples(t, store, "p1", "latency", bucket, []float64{10, 20, 30, 40})
	// A sample in the next minute must not leak into this bucket.
	appendSamples(t, store, "p1", "latency", bucket.Add(time.Minute), []float64{1000})

	key := Key{ProjectID: "p1", MetricName: "latency", Resolution: telemetry.Resolution1m, BucketStart: bucket}
	require.NoError(t, engine.Recompute(ctx, key))

	rows, err := store.QueryAggregates(ctx, storage.AggregateQuery{
		ProjectID: "p1", MetricName: "latency", Resolution: telemetry.Resolution1m,
		Start: bucket, End: bucket.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 25.0, rows[0].Avg)
	require.Equal(t, 10.0, rows[0].Min)
	require.Equal(t, 40.0, rows[0].Max)
	require.Equal(t, 100.0, rows[0].Sum)
	require.Equal(t, uint64(4), rows[0].Count)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	store := memory.New()
	engine, _ := newTestEngine(store)
	ctx := context.Background()
	bucket := time.Date(2025, 6, 1, 12, 34, 0, 0, time.UTC)

	appendSamples(t, store, "p1", "cpu", bucket, []float64{1, 2, 3})

	key := Key{ProjectID: "p1", MetricName: "cpu", Resolution: telemetry.Resolution1m, BucketStart: bucket}
	require.NoError(t, engine.Recompute(ctx, key))
	require.NoError(t, engine.Recompute(ctx, key))

	rows, err := store.QueryAggregates(ctx, storage.AggregateQuery{
		ProjectID: "p1", MetricName: "cpu", Resolution: telemetry.Resolution1m,
		Start: bucket, End: bucket.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 6.0, rows[0].Sum)
	require.Equal(t, uint64(3), rows[0].Count)
}

func TestRecomputeDeletesEmptyBucket(t *testing.T) {
	store := memory.New()
	engine, _ := newTestEngine(store)
	ctx := context.Background()
	bucket := time.Date(2025, 6, 1, 12, 34, 0, 0, time.UTC)

	appendSamples(t, store, "p1", "cpu", bucket, []float64{5})
	key := Key{ProjectID: "p1", MetricName: "cpu", Resolution: telemetry.Resolution1m, BucketStart: bucket}
	require.NoError(t, engine.Recompute(ctx, key))

	// Raw rows gone (retention dropped the partition), recompute removes the
	// aggregate row entirely.
	require.NoError(t, store.DropPartition(ctx, telemetry.StreamMetrics, "p1",
		bucket.Truncate(time.Hour), bucket.Truncate(time.Hour).Add(time.Hour)))
	require.NoError(t, engine.Recompute(ctx, key))

	rows, err := store.QueryAggregates(ctx, storage.AggregateQuery{
		ProjectID: "p1", MetricName: "cpu", Resolution: telemetry.Resolution1m,
		Start: bucket, End: bucket.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestRunSkipsFinalizedBuckets(t *testing.T) {
	store := memory.New()
	engine, tracker := newTestEngine(store)
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	fresh := now.Add(-2 * time.Minute).Truncate(time.Minute)
	stale := now.Add(-3 * time.Hour).Truncate(time.Minute)

	appendSamples(t, store, "p1", "cpu", fresh, []float64{1, 2})
	appendSamples(t, store, "p1", "cpu", stale, []float64{9, 9})

	tracker.mark(Key{ProjectID: "p1", MetricName: "cpu", Resolution: telemetry.Resolution1m, BucketStart: fresh})
	tracker.mark(Key{ProjectID: "p1", MetricName: "cpu", Resolution: telemetry.Resolution1m, BucketStart: stale})

	report := engine.Run(ctx, now)
	require.Equal(t, 1, report.Recomputed)
	require.Equal(t, 1, report.Skipped)

	rows, err := store.QueryAggregates(ctx, storage.AggregateQuery{
		ProjectID: "p1", MetricName: "cpu", Resolution: telemetry.Resolution1m,
		Start: stale, End: stale.Add(time.Minute),
	})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestProjectLagOverride(t *testing.T) {
	store := memory.New()
	tracker := NewTracker()
	settings := telemetry.NewStaticSettings()
	settings.Set("patient", telemetry.ProjectSettings{
		LogsRetentionDays: 30, MetricsRetentionDays: 14, TracesRetentionDays: 7,
		RollupLagOverride: 12 * time.Hour,
	})
	engine := NewEngine(store, tracker, settings, DefaultConfig(), zerolog.Nop())
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	// 3 hours old: finalized under the global 10m tolerance for 1m buckets,
	// but the project's override keeps it open.
	bucket := now.Add(-3 * time.Hour).Truncate(time.Minute)
	appendSamples(t, store, "patient", "cpu", bucket, []float64{7})
	tracker.mark(Key{ProjectID: "patient", MetricName: "cpu", Resolution: telemetry.Resolution1m, BucketStart: bucket})

	report := engine.Run(ctx, now)
	require.Equal(t, 1, report.Recomputed)
	require.Equal(t, 0, report.Skipped)
}

func TestBackfillIgnoresFinalization(t *testing.T) {
	store := memory.New()
	engine, _ := newTestEngine(store)
	ctx := context.Background()

	// Two days ago: every periodic path considers these buckets final.
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	appendSamples(t, store, "p1", "cpu", base, []float64{4, 6})
	appendSamples(t, store, "p1", "cpu", base.Add(time.Minute), []float64{10})

	require.NoError(t, engine.Backfill(ctx, "p1", "cpu", base, base.Add(2*time.Minute)))

	rows, err := store.QueryAggregates(ctx, storage.AggregateQuery{
		ProjectID: "p1", MetricName: "cpu", Resolution: telemetry.Resolution1m,
		Start: base, End: base.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, 5.0, rows[0].Avg)
	require.Equal(t, 10.0, rows[1].Avg)

	// Coarser resolutions were rebuilt from raw too.
	rows, err = store.QueryAggregates(ctx, storage.AggregateQuery{
		ProjectID: "p1", MetricName: "cpu", Resolution: telemetry.Resolution1h,
		Start: base.Truncate(time.Hour), End: base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 20.0, rows[0].Sum)
	require.Equal(t, uint64(3), rows[0].Count)
}

func TestRunRequeuesFailedBuckets(t *testing.T) {
	store := memory.New()
	engine, tracker := newTestEngine(store)

	bucket := time.Date(2025, 6, 10, 11, 58, 0, 0, time.UTC)
	tracker.mark(Key{ProjectID: "p1", MetricName: "cpu", Resolution: telemetry.Resolution1m, BucketStart: bucket})

	// Cancelled context: the pass cannot compute anything, but the keys must
	// survive for the next cycle.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine.Run(ctx, bucket.Add(2*time.Minute))
	require.Equal(t, 1, tracker.Len())

	report := engine.Run(context.Background(), bucket.Add(2*time.Minute))
	require.Equal(t, 1, report.Recomputed)
	require.Equal(t, 0, tracker.Len())
}
