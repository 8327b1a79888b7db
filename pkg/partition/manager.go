package partition

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tailwatch/tailwatch/pkg/logger"
	"github.com/tailwatch/tailwatch/pkg/storage"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

// Manager owns partition lifecycle. Ingestion asks it for the partition
// covering a timestamp and performs appends under that partition's read
// lock; the maintenance pass takes the write lock before compressing or
// dropping, so reorganization never races an in-flight append.
type Manager struct {
	store    storage.Store
	settings telemetry.SettingsProvider
	cfg      Config
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.RWMutex
	known map[string]bool
}

// NewManager creates a partition manager.
func NewManager(store storage.Store, settings telemetry.SettingsProvider, cfg Config, log zerolog.Logger) *Manager {
	if cfg.CompressionGrace == nil {
		cfg = DefaultConfig()
	}
	return &Manager{
		store:    store,
		settings: settings,
		cfg:      cfg,
		log:      logger.WithComponent(log, "partition"),
		locks:    make(map[string]*sync.RWMutex),
		known:    make(map[string]bool),
	}
}

func (m *Manager) lockFor(key string) *sync.RWMutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		m.locks[key] = l
	}
	return l
}

// EnsurePartition returns the partition covering ts, creating its metadata
// lazily on first use.
func (m *Manager) EnsurePartition(ctx context.Context, stream telemetry.Stream, projectID string, ts time.Time) (Ref, error) {
	start, end := Bounds(stream, ts)
	ref := Ref{Stream: stream, ProjectID: projectID, Start: start, End: end}

	m.mu.Lock()
	created := m.known[ref.Key()]
	m.mu.Unlock()
	if created {
		return ref, nil
	}

	meta := storage.PartitionMeta{
		Stream:    stream,
		ProjectID: projectID,
		Start:     start,
		End:       end,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.UpsertPartition(ctx, meta); err != nil {
		return Ref{}, err
	}

	m.mu.Lock()
	m.known[ref.Key()] = true
	m.mu.Unlock()

	m.log.Debug().
		Str("stream", string(stream)).
		Str("project_id", projectID).
		Time("start", start).
		Msg("Partition created")
	return ref, nil
}

// Write runs fn while holding the partition's read lock. Appends from
// different writers parallelize freely; only compression and deletion of
// this specific partition are excluded.
func (m *Manager) Write(ref Ref, fn func() error) error {
	l := m.lockFor(ref.Key())
	l.RLock()
	defer l.RUnlock()
	return fn()
}

// RunMaintenance performs one pass over all partitions: compress those past
// their stream's grace period, delete those past their project's retention.
// Failures are isolated per partition; each is logged and retried on the
// next cycle.
func (m *Manager) RunMaintenance(ctx context.Context, now time.Time) Report {
	var report Report

	partitions, err := m.store.ListPartitions(ctx)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to list partitions for maintenance")
		report.Failures++
		return report
	}

	for _, part := range partitions {
		select {
		case <-ctx.Done():
			return report
		default:
		}

		// Retention is read per project at the start of each partition's
		// evaluation; settings changes apply from the next cycle on.
		settings := m.settings.Settings(part.ProjectID)
		cutoff := now.Add(-settings.Retention(part.Stream))

		switch {
		case part.End.Before(cutoff.Add(-m.cfg.DeleteSafetyMargin)):
			if err := m.deletePartition(ctx, part); err != nil {
				m.log.Error().Err(err).
					Str("stream", string(part.Stream)).
					Str("project_id", part.ProjectID).
					Time("partition_start", part.Start).
					Msg("Retention deletion failed")
				report.Failures++
				continue
			}
			report.Deleted++

		case !part.Compressed && now.Sub(part.End) > m.cfg.CompressionGrace[part.Stream]:
			if err := m.compressPartition(ctx, part); err != nil {
				m.log.Error().Err(err).
					Str("stream", string(part.Stream)).
					Str("project_id", part.ProjectID).
					Time("partition_start", part.Start).
					Msg("Compression failed")
				report.Failures++
				continue
			}
			report.Compressed++
		}
	}

	if report.Compressed > 0 || report.Deleted > 0 || report.Failures > 0 {
		m.log.Info().
			Int("compressed", report.Compressed).
			Int("deleted", report.Deleted).
			Int("failures", report.Failures).
			Msg("Maintenance pass completed")
	}
	return report
}

func (m *Manager) compressPartition(ctx context.Context, part storage.PartitionMeta) error {
	ref := Ref{Stream: part.Stream, ProjectID: part.ProjectID, Start: part.Start, End: part.End}
	l := m.lockFor(ref.Key())
	l.Lock()
	defer l.Unlock()
	return m.store.CompressPartition(ctx, part.Stream, part.ProjectID, part.Start, part.End)
}

func (m *Manager) deletePartition(ctx context.Context, part storage.PartitionMeta) error {
	ref := Ref{Stream: part.Stream, ProjectID: part.ProjectID, Start: part.Start, End: part.End}
	l := m.lockFor(ref.Key())
	l.Lock()
	defer l.Unlock()

	if err := m.store.DropPartition(ctx, part.Stream, part.ProjectID, part.Start, part.End); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.known, ref.Key())
	delete(m.locks, ref.Key())
	m.mu.Unlock()
	return nil
}
