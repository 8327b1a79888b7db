package badger

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

// Key layout (all integers big-endian so iteration order is time order):
//
//	raw row:    'r' stream(1) project_hash(8) timestamp(8) seq(8)
//	block:      'b' stream(1) project_hash(8) partition_start(8) first_row_ts(8) first_row_seq(8)
//	aggregate:  'a' project_hash(8) resolution(1) metric_hash(8) bucket(8)
//	partition:  'p' stream(1) project_hash(8) partition_start(8)
const (
	kindRaw       = 'r'
	kindBlock     = 'b'
	kindAggregate = 'a'
	kindPartition = 'p'
)

func streamByte(stream telemetry.Stream) byte {
	switch stream {
	case telemetry.StreamLogs:
		return 'L'
	case telemetry.StreamMetrics:
		return 'M'
	case telemetry.StreamSpans:
		return 'S'
	}
	return '?'
}

func resolutionByte(res telemetry.Resolution) byte {
	switch res {
	case telemetry.Resolution1m:
		return 'm'
	case telemetry.Resolution1h:
		return 'h'
	case telemetry.Resolution1d:
		return 'd'
	}
	return '?'
}

func projectHash(projectID string) uint64 {
	return xxhash.Sum64String(projectID)
}

// rawPrefix is the common prefix of every raw row for one project+stream.
func rawPrefix(stream telemetry.Stream, projectID string) []byte {
	key := make([]byte, 10)
	key[0] = kindRaw
	key[1] = streamByte(stream)
	binary.BigEndian.PutUint64(key[2:10], projectHash(projectID))
	return key
}

// rawKey builds a full raw row key. seq disambiguates identical timestamps.
func rawKey(stream telemetry.Stream, projectID string, ts time.Time, seq uint64) []byte {
	key := make([]byte, 26)
	copy(key, rawPrefix(stream, projectID))
	binary.BigEndian.PutUint64(key[10:18], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[18:26], seq)
	return key
}

// rawBound builds the smallest raw key at or after ts, for range seeks.
func rawBound(stream telemetry.Stream, projectID string, ts time.Time) []byte {
	return rawKey(stream, projectID, ts, 0)
}

// rawKeyTimestamp extracts the timestamp from a raw row key.
func rawKeyTimestamp(key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[10:18])))
}

func blockPrefix(stream telemetry.Stream, projectID string) []byte {
	key := make([]byte, 10)
	key[0] = kindBlock
	key[1] = streamByte(stream)
	binary.BigEndian.PutUint64(key[2:10], projectHash(projectID))
	return key
}

// blockPartitionPrefix covers every block chunk of one partition.
func blockPartitionPrefix(stream telemetry.Stream, projectID string, partStart time.Time) []byte {
	key := make([]byte, 18)
	copy(key, blockPrefix(stream, projectID))
	binary.BigEndian.PutUint64(key[10:18], uint64(partStart.UnixNano()))
	return key
}

// blockKey names one chunk of a compressed partition. The timestamp+seq
// suffix of the chunk's first raw row keeps chunks iterating in time order
// and stays stable when an interrupted compression pass is resumed.
func blockKey(stream telemetry.Stream, projectID string, partStart time.Time, firstRawKey []byte) []byte {
	key := make([]byte, 34)
	copy(key, blockPartitionPrefix(stream, projectID, partStart))
	copy(key[18:34], firstRawKey[10:26])
	return key
}

func aggregateKey(projectID, metricName string, res telemetry.Resolution, bucket time.Time) []byte {
	key := make([]byte, 26)
	key[0] = kindAggregate
	binary.BigEndian.PutUint64(key[1:9], projectHash(projectID))
	key[9] = resolutionByte(res)
	binary.BigEndian.PutUint64(key[10:18], xxhash.Sum64String(metricName))
	binary.BigEndian.PutUint64(key[18:26], uint64(bucket.UnixNano()))
	return key
}

// aggregatePrefix covers all aggregates for one project at one resolution.
func aggregatePrefix(projectID string, res telemetry.Resolution) []byte {
	key := make([]byte, 10)
	key[0] = kindAggregate
	binary.BigEndian.PutUint64(key[1:9], projectHash(projectID))
	key[9] = resolutionByte(res)
	return key
}

func partitionKey(stream telemetry.Stream, projectID string, partStart time.Time) []byte {
	key := make([]byte, 18)
	key[0] = kindPartition
	key[1] = streamByte(stream)
	binary.BigEndian.PutUint64(key[2:10], projectHash(projectID))
	binary.BigEndian.PutUint64(key[10:18], uint64(partStart.UnixNano()))
	return key
}
