// Package badger implements storage.Store on BadgerDB (LSM tree).
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/tailwatch/tailwatch/pkg/storage"
	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

// Store implements storage.Store using BadgerDB.
type Store struct {
	db    *badger.DB
	codec *blockCodec
	seq   atomic.Uint64
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files.
	Path string

	// InMemory mode (for testing).
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = conservative
	// defaults suited to self-hosted deployments).
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// BadgerDB defaults assume server-class memory. Bound the memtable and
	// caches so the engine stays predictable on small hosts.
	var memTableSize int64
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	} else {
		// 16 MB memtable is the floor for decent performance; below that
		// Badger flushes to disk constantly.
		memTableSize = 16 * 1024 * 1024
	}

	// ValueThreshold also caps the largest storable value in in-memory mode,
	// which cannot spill to the value log. Block chunks are sized well below
	// this in compressChunk.
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1 << 20).
		WithNumCompactors(2). // badger requires at least 2
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	codec, err := newBlockCodec()
	if err != nil {
		db.Close()
		return nil, err
	}

	store := &Store{db: db, codec: codec}
	// Seed the sequence from the clock so keys written for identical
	// timestamps in an earlier process lifetime cannot be overwritten.
	store.seq.Store(uint64(time.Now().UnixNano()))
	return store, nil
}

// appendEncoded writes pre-encoded raw rows in one transaction, checking the
// context periodically so a stuck write cannot block shutdown.
func (s *Store) appendEncoded(ctx context.Context, keys [][]byte, values [][]byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for i := range keys {
			if i%100 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			if err := txn.Set(keys[i], values[i]); err != nil {
				return fmt.Errorf("%w: %v", storage.ErrPartitionUnavailable, err)
			}
		}
		return nil
	})
}

func (s *Store) AppendLogs(ctx context.Context, records []telemetry.LogRecord) error {
	keys := make([][]byte, len(records))
	values := make([][]byte, len(records))
	for i := range records {
		value, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("failed to encode log record: %w", err)
		}
		keys[i] = rawKey(telemetry.StreamLogs, records[i].ProjectID, records[i].Timestamp, s.seq.Add(1))
		values[i] = value
	}
	return s.appendEncoded(ctx, keys, values)
}

func (s *Store) AppendMetrics(ctx context.Context, records []telemetry.MetricRecord) error {
	keys := make([][]byte, len(records))
	values := make([][]byte, len(records))
	for i := range records {
		value, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("failed to encode metric record: %w", err)
		}
		keys[i] = rawKey(telemetry.StreamMetrics, records[i].ProjectID, records[i].Timestamp, s.seq.Add(1))
		values[i] = value
	}
	return s.appendEncoded(ctx, keys, values)
}

func (s *Store) AppendSpans(ctx context.Context, records []telemetry.SpanRecord) error {
	keys := make([][]byte, len(records))
	values := make([][]byte, len(records))
	for i := range records {
		value, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("failed to encode span record: %w", err)
		}
		keys[i] = rawKey(telemetry.StreamSpans, records[i].ProjectID, records[i].StartTime, s.seq.Add(1))
		values[i] = value
	}
	return s.appendEncoded(ctx, keys, values)
}

// scanRaw visits the encoded value of every record for one project+stream
// whose timestamp falls in [start, end), in timestamp order. Rows still raw
// and rows inside compressed block chunks merge into one ordered sequence,
// so an early stop (Limit) always keeps the oldest records.
func (s *Store) scanRaw(ctx context.Context, stream telemetry.Stream, projectID string, start, end time.Time, visit func(val []byte) (stop bool, err error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(txn *badger.Txn) error {
		// Collect chunk records in range first. Chunk keys sort by
		// (partition start, first row), so the slice is already in
		// timestamp order.
		var blockTimes []time.Time
		var blockVals []json.RawMessage
		bPrefix := blockPrefix(stream, projectID)
		bOpts := badger.DefaultIteratorOptions
		bOpts.Prefix = bPrefix
		bit := txn.NewIterator(bOpts)
		for bit.Seek(bPrefix); bit.ValidForPrefix(bPrefix); bit.Next() {
			var blk block
			err := bit.Item().Value(func(val []byte) error {
				var derr error
				blk, derr = s.codec.decode(val)
				return derr
			})
			if err != nil {
				bit.Close()
				return err
			}
			if !blk.Start.Before(end) || !start.Before(blk.End) {
				continue
			}
			for i := range blk.Records {
				ts := blk.Timestamps[i]
				if ts.Before(start) || !ts.Before(end) {
					continue
				}
				blockTimes = append(blockTimes, ts)
				blockVals = append(blockVals, blk.Records[i])
			}
		}
		bit.Close()

		// flush visits pending chunk records up to and including ts, so
		// they interleave with the raw rows in time order.
		next := 0
		flush := func(ts time.Time, all bool) (bool, error) {
			for next < len(blockVals) {
				if !all && blockTimes[next].After(ts) {
					return false, nil
				}
				stop, err := visit(blockVals[next])
				next++
				if stop || err != nil {
					return stop, err
				}
			}
			return false, nil
		}

		prefix := rawPrefix(stream, projectID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchSize = 100

		it := txn.NewIterator(opts)
		defer it.Close()
		stopped := false
		var iterCount int
		for it.Seek(rawBound(stream, projectID, start)); it.ValidForPrefix(prefix); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			item := it.Item()
			ts := rawKeyTimestamp(item.Key())
			if !ts.Before(end) {
				break
			}
			stop, err := flush(ts, false)
			if err != nil {
				return err
			}
			if stop {
				return nil
			}
			err = item.Value(func(val []byte) error {
				stop, err := visit(val)
				stopped = stop
				return err
			})
			if err != nil {
				return err
			}
			if stopped {
				return nil
			}
		}
		_, err := flush(time.Time{}, true)
		return err
	})
}

func (s *Store) QueryLogs(ctx context.Context, q storage.LogQuery) ([]telemetry.LogRecord, error) {
	var results []telemetry.LogRecord
	err := s.scanRaw(ctx, telemetry.StreamLogs, q.ProjectID, q.Start, q.End, func(val []byte) (bool, error) {
		var rec telemetry.LogRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return false, fmt.Errorf("failed to decode log record: %w", err)
		}
		if !q.Matches(&rec) {
			return false, nil
		}
		results = append(results, rec)
		return q.Limit > 0 && len(results) >= q.Limit, nil
	})
	return results, err
}

func (s *Store) CountLogs(ctx context.Context, q storage.LogQuery) (uint64, error) {
	var count uint64
	err := s.scanRaw(ctx, telemetry.StreamLogs, q.ProjectID, q.Start, q.End, func(val []byte) (bool, error) {
		var rec telemetry.LogRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return false, fmt.Errorf("failed to decode log record: %w", err)
		}
		if q.Matches(&rec) {
			count++
		}
		return false, nil
	})
	return count, err
}

func (s *Store) QueryMetrics(ctx context.Context, q storage.MetricQuery) ([]telemetry.MetricRecord, error) {
	var results []telemetry.MetricRecord
	err := s.scanRaw(ctx, telemetry.StreamMetrics, q.ProjectID, q.Start, q.End, func(val []byte) (bool, error) {
		var rec telemetry.MetricRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return false, fmt.Errorf("failed to decode metric record: %w", err)
		}
		if !q.Matches(&rec) {
			return false, nil
		}
		results = append(results, rec)
		return q.Limit > 0 && len(results) >= q.Limit, nil
	})
	return results, err
}

func (s *Store) QuerySpans(ctx context.Context, q storage.SpanQuery) ([]telemetry.SpanRecord, error) {
	var results []telemetry.SpanRecord
	err := s.scanRaw(ctx, telemetry.StreamSpans, q.ProjectID, q.Start, q.End, func(val []byte) (bool, error) {
		var rec telemetry.SpanRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return false, fmt.Errorf("failed to decode span record: %w", err)
		}
		if !q.Matches(&rec) {
			return false, nil
		}
		results = append(results, rec)
		return q.Limit > 0 && len(results) >= q.Limit, nil
	})
	return results, err
}

func (s *Store) WriteAggregate(ctx context.Context, row telemetry.AggregateRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	value, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to encode aggregate row: %w", err)
	}
	key := aggregateKey(row.ProjectID, row.MetricName, row.Resolution, row.BucketStart)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

func (s *Store) DeleteAggregate(ctx context.Context, projectID, metricName string, res telemetry.Resolution, bucketStart time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(aggregateKey(projectID, metricName, res, bucketStart))
	})
}

func (s *Store) QueryAggregates(ctx context.Context, q storage.AggregateQuery) ([]telemetry.AggregateRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var results []telemetry.AggregateRow
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := aggregatePrefix(q.ProjectID, q.Resolution)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var row telemetry.AggregateRow
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &row)
			})
			if err != nil {
				return fmt.Errorf("failed to decode aggregate row: %w", err)
			}
			if q.MetricName != "" && row.MetricName != q.MetricName {
				continue
			}
			if row.BucketStart.Before(q.Start) || !row.BucketStart.Before(q.End) {
				continue
			}
			results = append(results, row)
		}
		return nil
	})
	return results, err
}

func (s *Store) UpsertPartition(ctx context.Context, meta storage.PartitionMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key := partitionKey(meta.Stream, meta.ProjectID, meta.Start)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == nil {
			var existing storage.PartitionMeta
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return err
			}
			// Never lose the compressed flag on a lazy re-ensure.
			meta.Compressed = meta.Compressed || existing.Compressed
			meta.CreatedAt = existing.CreatedAt
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		value, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return txn.Set(key, value)
	})
}

func (s *Store) ListPartitions(ctx context.Context) ([]storage.PartitionMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var metas []storage.PartitionMeta
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte{kindPartition}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var meta storage.PartitionMeta
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
			if err != nil {
				return fmt.Errorf("failed to decode partition meta: %w", err)
			}
			metas = append(metas, meta)
		}
		return nil
	})
	return metas, err
}

// Chunk sizing for partition compression. The byte cap bounds the encoded
// chunk value (zstd never grows input by more than a small constant), and
// the row cap keeps each move transaction under Badger's batch limits.
const (
	compressChunkRows  = 512
	compressChunkBytes = 256 << 10
)

// CompressPartition re-encodes the partition's raw rows into zstd block
// chunks and drops the row keys. Each chunk moves in its own transaction so
// a partition of any size stays under Badger's transaction and value
// limits; an interrupted pass leaves the partition half compressed with its
// flag unset, and the next maintenance pass resumes from the remaining raw
// rows. The partition manager holds the partition's write lock for the
// duration, so no append can race the reorganization.
func (s *Store) CompressPartition(ctx context.Context, stream telemetry.Stream, projectID string, start, end time.Time) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		moved, err := s.compressChunk(stream, projectID, start, end)
		if err != nil {
			return err
		}
		if moved == 0 {
			break
		}
	}

	// Flip the compressed flag on the partition meta.
	return s.db.Update(func(txn *badger.Txn) error {
		metaKey := partitionKey(stream, projectID, start)
		item, err := txn.Get(metaKey)
		if err != nil {
			return fmt.Errorf("%w: partition meta missing: %v", storage.ErrPartitionUnavailable, err)
		}
		var meta storage.PartitionMeta
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		}); err != nil {
			return err
		}
		meta.Compressed = true
		value, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return txn.Set(metaKey, value)
	})
}

// compressChunk atomically moves the next run of raw rows into one block
// chunk. Returns the number of rows moved, zero once none remain.
func (s *Store) compressChunk(stream telemetry.Stream, projectID string, start, end time.Time) (int, error) {
	moved := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		prefix := rawPrefix(stream, projectID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		blk := block{Start: start, End: end}
		var keysToDelete [][]byte
		var rawBytes int

		it := txn.NewIterator(opts)
		for it.Seek(rawBound(stream, projectID, start)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			ts := rawKeyTimestamp(item.Key())
			if !ts.Before(end) {
				break
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			blk.Records = append(blk.Records, json.RawMessage(val))
			blk.Timestamps = append(blk.Timestamps, ts)
			keysToDelete = append(keysToDelete, item.KeyCopy(nil))
			rawBytes += len(val)
			if len(blk.Records) >= compressChunkRows || rawBytes >= compressChunkBytes {
				break
			}
		}
		it.Close()

		if len(blk.Records) == 0 {
			return nil
		}
		value, err := s.codec.encode(blk)
		if err != nil {
			return err
		}
		if err := txn.Set(blockKey(stream, projectID, start, keysToDelete[0]), value); err != nil {
			return err
		}
		for _, key := range keysToDelete {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		moved = len(blk.Records)
		return nil
	})
	return moved, err
}

// DropPartition removes the partition's raw rows, block chunks, and
// metadata. Deletes go through a WriteBatch because a full partition of raw
// rows exceeds single-transaction limits; the metadata key goes last so an
// interrupted drop is still listed and retried by the next maintenance
// pass. Called only once the retention cutoff has passed the partition's
// upper bound plus the safety margin.
func (s *Store) DropPartition(ctx context.Context, stream telemetry.Stream, projectID string, start, end time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := rawPrefix(stream, projectID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		for it.Seek(rawBound(stream, projectID, start)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			if !rawKeyTimestamp(item.Key()).Before(end) {
				break
			}
			keys = append(keys, item.KeyCopy(nil))
		}
		it.Close()

		bPrefix := blockPartitionPrefix(stream, projectID, start)
		bOpts := badger.DefaultIteratorOptions
		bOpts.Prefix = bPrefix
		bOpts.PrefetchValues = false
		bit := txn.NewIterator(bOpts)
		for bit.Seek(bPrefix); bit.ValidForPrefix(bPrefix); bit.Next() {
			keys = append(keys, bit.Item().KeyCopy(nil))
		}
		bit.Close()
		return nil
	})
	if err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return err
		}
	}
	if err := wb.Delete(partitionKey(stream, projectID, start)); err != nil {
		return err
	}
	return wb.Flush()
}

func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stats := &storage.Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		var oldest, newest time.Time
		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			key := it.Item().Key()
			switch key[0] {
			case kindRaw:
				switch key[1] {
				case 'L':
					stats.TotalLogs++
				case 'M':
					stats.TotalMetrics++
				case 'S':
					stats.TotalSpans++
				}
				ts := rawKeyTimestamp(key)
				if oldest.IsZero() || ts.Before(oldest) {
					oldest = ts
				}
				if newest.IsZero() || ts.After(newest) {
					newest = ts
				}
			case kindAggregate:
				stats.TotalAggregates++
			case kindPartition:
				stats.TotalPartitions++
			}
		}
		stats.OldestRecord = oldest
		stats.NewestRecord = newest
		return nil
	})
	if err != nil {
		return nil, err
	}
	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// RunGC runs BadgerDB's value log garbage collection to reclaim disk space
// from dropped partitions. Returns badger.ErrNoRewrite when nothing needed
// collecting.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	s.codec.close()
	return s.db.Close()
}
