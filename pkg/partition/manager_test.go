package partition

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

func TestBounds(t *testing.T) {
	ts := time.Date(2025, 6, 1, 14, 37, 12, 0, time.UTC)

	start, end := Bounds(telemetry.StreamLogs, ts)
	require.Equal(t, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC), end)

	start, end = Bounds(telemetry.StreamMetrics, ts)
	require.Equal(t, time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC), end)

	start, end = Bounds(telemetry.StreamSpans, ts)
	require.Equal(t, 24*time.Hour, end.Sub(start))
}

func TestEnsurePartitionIsLazyAndIdempotent(t *testing.T) {
	store := memory.New()
	manager := NewManager(store, telemetry.NewStaticSettings(), DefaultConfig(), zerolog.Nop())
	ctx := context.Background()
	ts := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)

	ref1, err := manager.EnsurePartition(ctx, telemetry.StreamLogs, "p1", ts)
	require.NoError(t, err)
	ref2, err := manager.EnsurePartition(ctx, telemetry.StreamLogs, "p1", ts.Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)

	partitions, err := store.ListPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, partitions, 1)

	// A different project gets its own partition for the same interval.
	_, err = manager.EnsurePartition(ctx, telemetry.StreamLogs, "p2", ts)
	require.NoError(t, err)
	partitions, err = store.ListPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, partitions, 2)
}

func TestMaintenanceCompressesAfterGrace(t *testing.T) {
	store := memory.New()
	manager := NewManager(store, telemetry.NewStaticSettings(), DefaultConfig(), zerolog.Nop())
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	// Three days old: past the 48h logs grace, inside retention.
	_, err := manager.EnsurePartition(ctx, telemetry.StreamLogs, "p1", now.Add(-3*24*time.Hour))
	require.NoError(t, err)
	// Today: too fresh to touch.
	_, err = manager.EnsurePartition(ctx, telemetry.StreamLogs, "p1", now)
	require.NoError(t, err)

	report := manager.RunMaintenance(ctx, now)
	require.Equal(t, 1, report.Compressed)
	require.Equal(t, 0, report.Deleted)

	// A second pass leaves the already-compressed partition alone.
	report = manager.RunMaintenance(ctx, now)
	require.Equal(t, 0, report.Compressed)
}

func TestMaintenanceDeletesPastRetention(t *testing.T) {
	store := memory.New()
	settings := telemetry.NewStaticSettings()
	settings.Set("short", telemetry.ProjectSettings{
		LogsRetentionDays: 1, MetricsRetentionDays: 1, TracesRetentionDays: 1,
	})
	manager := NewManager(store, settings, DefaultConfig(), zerolog.Nop())
	ctx := context.Background()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

	old := now.Add(-5 * 24 * time.Hour)
	_, err := manager.EnsurePartition(ctx, telemetry.StreamLogs, "short", old)
	require.NoError(t, err)
	// Same age, default project: 30 days of log retention, so it stays.
	_, err = manager.EnsurePartition(ctx, telemetry.StreamLogs, "default", old)
	require.NoError(t, err)

	require.NoError(t, store.AppendLogs(ctx, []telemetry.LogRecord{
		{ID: "1", ProjectID: "short", Level: telemetry.LevelInfo, Message: "m", Timestamp: old},
	}))

	report := manager.RunMaintenance(ctx, now)
	require.Equal(t, 1, report.Deleted)

	partitions, err := store.ListPartitions(ctx)
	require.NoError(t, err)
	require.Len(t, partitions, 1)
	require.Equal(t, "default", partitions[0].ProjectID)

	results, err := store.QueryLogs(ctx, storage.LogQuery{
		ProjectID: "short", Start: old.Add(-time.Hour), End: now,
	})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestMaintenanceSafetyMargin(t *testing.T) {
	store := memory.New()
	settings := telemetry.NewStaticSettings()
	settings.Set("p1", telemetry.ProjectSettings{
		LogsRetentionDays: 1, MetricsRetentionDays: 1, TracesRetentionDays: 1,
	})
	cfg := DefaultConfig()
	cfg.DeleteSafetyMargin = time.Hour
	manager := NewManager(store, settings, cfg, zerolog.Nop())
	ctx := context.Background()

	// Partition end sits exactly at the retention cutoff: inside the safety
	// margin, so it must survive this pass.
	day := time.Date(2025, 6, 9, 0, 0, 0, 0, time.UTC)
	now := day.Add(24 * time.Hour).Add(24 * time.Hour) // cutoff == partition end
	_, err := manager.EnsurePartition(ctx, telemetry.StreamLogs, "p1", day.Add(time.Hour))
	require.NoError(t, err)

	report := manager.RunMaintenance(ctx, now)
	require.Equal(t, 0, report.Deleted)

	// Past the margin it goes.
	report = manager.RunMaintenance(ctx, now.Add(2*time.Hour))
	require.Equal(t, 1, report.Deleted)
}
