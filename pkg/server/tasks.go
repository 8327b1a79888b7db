package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tailwatch/tailwatch/pkg/alerting"
	"github.com/tailwatch/tailwatch/pkg/partition"
	"github.com/tailwatch/tailwatch/pkg/rollup"
	"github.com/tailwatch/tailwatch/pkg/server/monitor"
	"github.com/tailwatch/tailwatch/pkg/storage"
	badgerstore "github.com/tailwatch/tailwatch/pkg/storage/badger"
)

// RunMaintenance runs the partition maintenance pass periodically.
func RunMaintenance(ctx context.Context, parts *partition.Manager, mon *monitor.TaskMonitor, interval time.Duration, log zerolog.Logger, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			report := parts.RunMaintenance(ctx, time.Now().UTC())
			if report.Failures > 0 {
				mon.RecordFailure(nil)
			} else {
				mon.RecordSuccess()
			}
			if report.Compressed > 0 || report.Deleted > 0 {
				log.Info().
					Int("compressed", report.Compressed).
					Int("deleted", report.Deleted).
					Dur("elapsed", time.Since(start).Round(time.Millisecond)).
					Msg("Maintenance pass finished")
			}
		case <-stop:
			log.Info().Msg("Stopping maintenance scheduler")
			return
		}
	}
}

// RunRollup drains dirty buckets on a fixed cadence. Failed buckets stay
// dirty and are retried on the next tick.
func RunRollup(ctx context.Context, engine *rollup.Engine, mon *monitor.TaskMonitor, interval time.Duration, log zerolog.Logger, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := engine.Run(ctx, time.Now().UTC())
			if report.Failures > 0 {
				mon.RecordFailure(nil)
			} else {
				mon.RecordSuccess()
			}
			if report.Recomputed > 0 {
				log.Debug().
					Int("recomputed", report.Recomputed).
					Int("skipped", report.Skipped).
					Msg("Rollup pass finished")
			}
		case <-stop:
			log.Info().Msg("Stopping rollup scheduler")
			return
		}
	}
}

// RunEvaluator evaluates all enabled alert rules on a fixed cadence,
// independent of any rule's own window.
func RunEvaluator(ctx context.Context, evaluator *alerting.Evaluator, mon *monitor.TaskMonitor, interval time.Duration, log zerolog.Logger, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report := evaluator.EvaluateAll(ctx, time.Now().UTC())
			if report.Failures > 0 {
				mon.RecordFailure(nil)
			} else {
				mon.RecordSuccess()
			}
		case <-stop:
			log.Info().Msg("Stopping alert evaluator")
			return
		}
	}
}

// RunBadgerGC runs BadgerDB value log garbage collection periodically.
// Partition drops leave dead data in the value log; without GC disk usage
// grows without bound.
func RunBadgerGC(store storage.Store, interval time.Duration, log zerolog.Logger, stop chan bool, wg *sync.WaitGroup) {
	defer wg.Done()

	badgerStore, ok := store.(*badgerstore.Store)
	if !ok {
		log.Debug().Msg("Storage is not BadgerDB, skipping GC scheduler")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("BadgerDB GC scheduler started")

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// One iteration per tick at 0.5 discard ratio; ErrNoRewrite just
			// means there was nothing worth reclaiming.
			if err := badgerStore.RunGC(0.5); err != nil {
				log.Debug().
					Dur("elapsed", time.Since(start).Round(time.Millisecond)).
					Msg("GC completed, no rewrite needed")
			} else {
				log.Info().
					Dur("elapsed", time.Since(start).Round(time.Millisecond)).
					Msg("GC completed, disk space reclaimed")
			}
		case <-stop:
			log.Info().Msg("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
