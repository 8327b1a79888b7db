package rollup

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tailwatch/tailwatch/pkg/logger"
	"github.com/tailwatch/tailwatch/pkg/storage"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

// ErrBucketFinalized marks a recompute skipped because the bucket is past
// its lag tolerance. Not an error to callers of the periodic pass; only
// Backfill overrides it.
var ErrBucketFinalized = errors.New("bucket finalized")

// Config tunes finalization.
type Config struct {
	// LagTolerance is the maximum ingestion lateness a bucket absorbs, per
	// resolution. Once now - bucket_end exceeds it the bucket is final.
	LagTolerance map[telemetry.Resolution]time.Duration
}

// DefaultConfig leaves generous headroom over each bucket width.
func DefaultConfig() Config {
	return Config{
		LagTolerance: map[telemetry.Resolution]time.Duration{
			telemetry.Resolution1m: 10 * time.Minute,
			telemetry.Resolution1h: 2 * time.Hour,
			telemetry.Resolution1d: 26 * time.Hour,
		},
	}
}

// Report summarizes one rollup pass.
type Report struct {
	Recomputed int
	Skipped    int
	Failures   int
}

// Engine drains the dirty-bucket tracker and recomputes aggregates.
type Engine struct {
	store    storage.Store
	tracker  *Tracker
	settings telemetry.SettingsProvider
	cfg      Config
	log      zerolog.Logger
}

// NewEngine creates a rollup engine.
func NewEngine(store storage.Store, tracker *Tracker, settings telemetry.SettingsProvider, cfg Config, log zerolog.Logger) *Engine {
	if cfg.LagTolerance == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		store:    store,
		tracker:  tracker,
		settings: settings,
		cfg:      cfg,
		log:      logger.WithComponent(log, "rollup"),
	}
}

// Run processes every dirty bucket once. Finalized buckets are skipped;
// failed buckets are re-marked dirty so the next cycle retries them.
func (e *Engine) Run(ctx context.Context, now time.Time) Report {
	var report Report

	for _, key := range e.tracker.Drain() {
		select {
		case <-ctx.Done():
			// Re-queue what we did not get to; the next cycle picks it up.
			e.tracker.mark(key)
			continue
		default:
		}

		if e.finalized(key, now) {
			e.log.Debug().
				Str("project_id", key.ProjectID).
				Str("metric", key.MetricName).
				Str("resolution", string(key.Resolution)).
				Time("bucket", key.BucketStart).
				Msg("Skipping finalized bucket")
			report.Skipped++
			continue
		}

		if err := e.Recompute(ctx, key); err != nil {
			e.log.Error().Err(err).
				Str("project_id", key.ProjectID).
				Str("metric", key.MetricName).
				Str("resolution", string(key.Resolution)).
				Time("bucket", key.BucketStart).
				Msg("Bucket recompute failed")
			e.tracker.mark(key)
			report.Failures++
			continue
		}
		report.Recomputed++
	}
	return report
}

// Backfill recomputes every bucket of the metric intersecting [from, to),
// at all resolutions, regardless of finalization. This is the explicit
// recovery path; the periodic pass never touches finalized buckets.
func (e *Engine) Backfill(ctx context.Context, projectID, metricName string, from, to time.Time) error {
	for _, res := range telemetry.Resolutions {
		for bucket := res.Truncate(from); bucket.Before(to); bucket = bucket.Add(res.Duration()) {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := Key{ProjectID: projectID, MetricName: metricName, Resolution: res, BucketStart: bucket}
			if err := e.Recompute(ctx, key); err != nil {
				return err
			}
		}
	}
	e.log.Info().
		Str("project_id", projectID).
		Str("metric", metricName).
		Time("from", from).
		Time("to", to).
		Msg("Backfill completed")
	return nil
}

// finalized reports whether the bucket is past its lag tolerance. A project
// can override the global tolerance via its settings.
func (e *Engine) finalized(key Key, now time.Time) bool {
	lag := e.cfg.LagTolerance[key.Resolution]
	if override := e.settings.Settings(key.ProjectID).RollupLagOverride; override > 0 {
		lag = override
	}
	bucketEnd := key.BucketStart.Add(key.Resolution.Duration())
	return now.Sub(bucketEnd) > lag
}

// Recompute rebuilds one bucket's aggregate row from raw records. The row
// key is deterministic and the write overwrites, so recomputing the same
// bucket twice yields the same stored result. A bucket whose raw records
// have all been deleted loses its aggregate row entirely.
func (e *Engine) Recompute(ctx context.Context, key Key) error {
	bucketEnd := key.BucketStart.Add(key.Resolution.Duration())
	records, err := e.store.QueryMetrics(ctx, storage.MetricQuery{
		ProjectID: key.ProjectID,
		Names:     []string{key.MetricName},
		Start:     key.BucketStart,
		End:       bucketEnd,
	})
	if err != nil {
		return err
	}

	if len(records) == 0 {
		return e.store.DeleteAggregate(ctx, key.ProjectID, key.MetricName, key.Resolution, key.BucketStart)
	}

	row := telemetry.AggregateRow{
		ProjectID:   key.ProjectID,
		MetricName:  key.MetricName,
		MetricType:  records[0].Type,
		BucketStart: key.BucketStart,
		Resolution:  key.Resolution,
		Min:         records[0].Value,
		Max:         records[0].Value,
	}
	for _, rec := range records {
		row.Sum += rec.Value
		row.Count++
		if rec.Value < row.Min {
			row.Min = rec.Value
		}
		if rec.Value > row.Max {
			row.Max = rec.Value
		}
	}
	// avg is sum/count over raw samples, never an average of sub-buckets.
	row.Avg = row.Sum / float64(row.Count)

	return e.store.WriteAggregate(ctx, row)
}
