// Package rollup maintains multi-resolution aggregates of raw metric
// records. Ingestion marks the buckets a sample lands in as dirty; a
// periodic worker drains the dirty set and recomputes each bucket from raw
// data only, so the three resolutions never compound each other's rounding.
package rollup

import (
	"sync"
	"time"

	"github.com/tailwatch/tailwatch/pkg/telemetry"
)

// Key identifies one aggregate bucket pending recomputation.
type Key struct {
	ProjectID   string
	MetricName  string
	Resolution  telemetry.Resolution
	BucketStart time.Time
}

// Tracker is the arena of dirty bucket keys. Marking is cheap and lock-brief
// so it never slows ingestion down.
type Tracker struct {
	mu    sync.Mutex
	dirty map[Key]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{dirty: make(map[Key]struct{})}
}

// MarkDirty records that a raw sample at ts touched the metric's bucket at
// every resolution.
func (t *Tracker) MarkDirty(projectID, metricName string, ts time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, res := range telemetry.Resolutions {
		t.dirty[Key{
			ProjectID:   projectID,
			MetricName:  metricName,
			Resolution:  res,
			BucketStart: res.Truncate(ts),
		}] = struct{}{}
	}
}

// mark re-queues a single key, used when a recompute fails and must be
// retried on the next cycle.
func (t *Tracker) mark(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dirty[key] = struct{}{}
}

// Drain removes and returns every dirty key.
func (t *Tracker) Drain() []Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]Key, 0, len(t.dirty))
	for k := range t.dirty {
		keys = append(keys, k)
	}
	t.dirty = make(map[Key]struct{})
	return keys
}

// Len returns the number of pending buckets.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirty)
}
