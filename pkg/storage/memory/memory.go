// Package memory provides an in-memory Store. Data is lost on restart.
// Useful for testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tailwatch/tailwatch/pkg/storage"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

type aggregateKey struct {
	projectID  string
	metricName string
	resolution telemetry.Resolution
	bucket     int64
}

type partitionKey struct {
	stream    telemetry.Stream
	projectID string
	start     int64
}

// Store keeps all telemetry in process memory.
type Store struct {
	mu         sync.RWMutex
	logs       []telemetry.LogRecord
	metrics    []telemetry.MetricRecord
	spans      []telemetry.SpanRecord
	aggregates map[aggregateKey]telemetry.AggregateRow
	partitions map[partitionKey]storage.PartitionMeta
}

// New creates an in-memory storage backend.
func New() *Store {
	return &Store{
		aggregates: make(map[aggregateKey]telemetry.AggregateRow),
		partitions: make(map[partitionKey]storage.PartitionMeta),
	}
}

func (s *Store) AppendLogs(ctx context.Context, records []telemetry.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, records...)
	return nil
}

func (s *Store) AppendMetrics(ctx context.Context, records []telemetry.MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, records...)
	return nil
}

func (s *Store) AppendSpans(ctx context.Context, records []telemetry.SpanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spans = append(s.spans, records...)
	return nil
}

func (s *Store) QueryLogs(ctx context.Context, q storage.LogQuery) ([]telemetry.LogRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []telemetry.LogRecord
	for i := range s.logs {
		if !q.Matches(&s.logs[i]) {
			continue
		}
		results = append(results, s.logs[i])
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	return results, nil
}

func (s *Store) CountLogs(ctx context.Context, q storage.LogQuery) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count uint64
	for i := range s.logs {
		if q.Matches(&s.logs[i]) {
			count++
		}
	}
	return count, nil
}

func (s *Store) QueryMetrics(ctx context.Context, q storage.MetricQuery) ([]telemetry.MetricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []telemetry.MetricRecord
	for i := range s.metrics {
		if !q.Matches(&s.metrics[i]) {
			continue
		}
		results = append(results, s.metrics[i])
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	return results, nil
}

func (s *Store) QuerySpans(ctx context.Context, q storage.SpanQuery) ([]telemetry.SpanRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []telemetry.SpanRecord
	for i := range s.spans {
		if !q.Matches(&s.spans[i]) {
			continue
		}
		results = append(results, s.spans[i])
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].StartTime.Before(results[j].StartTime)
	})
	return results, nil
}

func (s *Store) WriteAggregate(ctx context.Context, row telemetry.AggregateRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := aggregateKey{row.ProjectID, row.MetricName, row.Resolution, row.BucketStart.UnixNano()}
	s.aggregates[key] = row
	return nil
}

func (s *Store) DeleteAggregate(ctx context.Context, projectID, metricName string, res telemetry.Resolution, bucketStart time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.aggregates, aggregateKey{projectID, metricName, res, bucketStart.UnixNano()})
	return nil
}

func (s *Store) QueryAggregates(ctx context.Context, q storage.AggregateQuery) ([]telemetry.AggregateRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []telemetry.AggregateRow
	for _, row := range s.aggregates {
		if row.ProjectID != q.ProjectID || row.Resolution != q.Resolution {
			continue
		}
		if q.MetricName != "" && row.MetricName != q.MetricName {
			continue
		}
		if row.BucketStart.Before(q.Start) || !row.BucketStart.Before(q.End) {
			continue
		}
		results = append(results, row)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].BucketStart.Before(results[j].BucketStart)
	})
	return results, nil
}

func (s *Store) UpsertPartition(ctx context.Context, meta storage.PartitionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := partitionKey{meta.Stream, meta.ProjectID, meta.Start.UnixNano()}
	if existing, ok := s.partitions[key]; ok {
		// Never lose the compressed flag on a lazy re-ensure.
		meta.Compressed = meta.Compressed || existing.Compressed
		meta.CreatedAt = existing.CreatedAt
	}
	s.partitions[key] = meta
	return nil
}

func (s *Store) ListPartitions(ctx context.Context) ([]storage.PartitionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metas := make([]storage.PartitionMeta, 0, len(s.partitions))
	for _, m := range s.partitions {
		metas = append(metas, m)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Start.Before(metas[j].Start)
	})
	return metas, nil
}

// CompressPartition marks the partition compressed. The memory backend has
// no physical layout to reorganize.
func (s *Store) CompressPartition(ctx context.Context, stream telemetry.Stream, projectID string, start, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := partitionKey{stream, projectID, start.UnixNano()}
	meta, ok := s.partitions[key]
	if !ok {
		return storage.ErrPartitionUnavailable
	}
	meta.Compressed = true
	s.partitions[key] = meta
	return nil
}

// DropPartition removes the partition's metadata and every raw record whose
// timestamp falls inside it.
func (s *Store) DropPartition(ctx context.Context, stream telemetry.Stream, projectID string, start, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.partitions, partitionKey{stream, projectID, start.UnixNano()})

	inRange := func(ts time.Time) bool {
		return !ts.Before(start) && ts.Before(end)
	}

	switch stream {
	case telemetry.StreamLogs:
		kept := s.logs[:0]
		for _, rec := range s.logs {
			if rec.ProjectID == projectID && inRange(rec.Timestamp) {
				continue
			}
			kept = append(kept, rec)
		}
		s.logs = kept
	case telemetry.StreamMetrics:
		kept := s.metrics[:0]
		for _, rec := range s.metrics {
			if rec.ProjectID == projectID && inRange(rec.Timestamp) {
				continue
			}
			kept = append(kept, rec)
		}
		s.metrics = kept
	case telemetry.StreamSpans:
		kept := s.spans[:0]
		for _, rec := range s.spans {
			if rec.ProjectID == projectID && inRange(rec.StartTime) {
				continue
			}
			kept = append(kept, rec)
		}
		s.spans = kept
	}
	return nil
}

func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalLogs:       uint64(len(s.logs)),
		TotalMetrics:    uint64(len(s.metrics)),
		TotalSpans:      uint64(len(s.spans)),
		TotalAggregates: uint64(len(s.aggregates)),
		TotalPartitions: uint64(len(s.partitions)),
	}

	var oldest, newest time.Time
	track := func(ts time.Time) {
		if oldest.IsZero() || ts.Before(oldest) {
			oldest = ts
		}
		if newest.IsZero() || ts.After(newest) {
			newest = ts
		}
	}
	for i := range s.logs {
		track(s.logs[i].Timestamp)
	}
	for i := range s.metrics {
		track(s.metrics[i].Timestamp)
	}
	for i := range s.spans {
		track(s.spans[i].StartTime)
	}
	stats.OldestRecord = oldest
	stats.NewestRecord = newest

	// Rough size estimate (each record ~200 bytes).
	stats.SizeBytes = (stats.TotalLogs + stats.TotalMetrics + stats.TotalSpans) * 200

	return stats, nil
}

// Close is a no-op for memory storage.
func (s *Store) Close() error {
	return nil
}
