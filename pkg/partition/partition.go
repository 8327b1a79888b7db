// Package partition manages the time-bounded chunks that raw telemetry is
// stored in: lazy creation on first write, compression after a grace
// period, and deletion once a project's retention window has passed.
package partition

import (
	"fmt"
	"time"

	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

// Width returns the partition width for a stream. Metrics use 1-hour chunks
// because of their higher write rate; logs and spans use 1-day chunks.
func Width(stream telemetry.Stream) time.Duration {
	if stream == telemetry.StreamMetrics {
		return time.Hour
	}
	return 24 * time.Hour
}

// Bounds returns the [start, end) interval of the partition covering ts.
// Partitions are aligned to UTC.
func Bounds(stream telemetry.Stream, ts time.Time) (time.Time, time.Time) {
	start := ts.UTC().Truncate(Width(stream))
	return start, start.Add(Width(stream))
}

// Ref identifies one partition of one stream for one project.
type Ref struct {
	Stream    telemetry.Stream
	ProjectID string
	Start     time.Time
	End       time.Time
}

// Key is a stable identifier used for per-partition locking.
func (r Ref) Key() string {
	return fmt.Sprintf("%s/%s/%d", r.Stream, r.ProjectID, r.Start.UnixNano())
}

// Config tunes the maintenance pass.
type Config struct {
	// CompressionGrace is how long after a partition's upper bound closes
	// before it is compressed, per stream. The grace period absorbs late
	// arrivals so compression reorganizes a (mostly) settled chunk.
	CompressionGrace map[telemetry.Stream]time.Duration

	// DeleteSafetyMargin delays retention deletion past the exact cutoff so
	// in-flight writes targeting the partition can never race the drop.
	DeleteSafetyMargin time.Duration
}

// DefaultConfig mirrors the stream write rates: metrics settle within a
// day, logs and spans get two.
func DefaultConfig() Config {
	return Config{
		CompressionGrace: map[telemetry.Stream]time.Duration{
			telemetry.StreamLogs:    48 * time.Hour,
			telemetry.StreamMetrics: 24 * time.Hour,
			telemetry.StreamSpans:   48 * time.Hour,
		},
		DeleteSafetyMargin: 10 * time.Minute,
	}
}

// Report summarizes one maintenance pass.
type Report struct {
	Compressed int
	Deleted    int
	Failures   int
}
