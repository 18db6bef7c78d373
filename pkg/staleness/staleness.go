// Package staleness tracks, per segment, how many bytes and items have
// become stale (superseded or deleted) since the segment was written.
// The counter shape — a map of id to *atomic counters, lazily created
// under a narrow RWMutex — follows kevo's stats.AtomicCollector
// (getOrCreateCounter), generalized from "operation type to atomic
// count" to "segment id to atomic stale counters" so increments never
// contend with each other across segments.
package staleness

import (
	"sync"
	"sync/atomic"
)

type counters struct {
	staleItems atomic.Uint64
	staleBytes atomic.Uint64
}

// Tracker holds per-segment staleness counters. A single Tracker is
// shared by every writer marking blobs stale (on overwrite or delete,
// spec.md §4.7) and by GC's strategy objects reading current ratios.
type Tracker struct {
	mu      sync.RWMutex
	entries map[uint64]*counters

	totals map[uint64]total
}

// total holds a segment's known item/byte totals, supplied once at
// registration time (from the segment's footer) so Ratio can be
// computed without re-reading the segment.
type total struct {
	items uint64
	bytes uint64
}

// New creates an empty Tracker.
func New() *Tracker {
	return &Tracker{
		entries: make(map[uint64]*counters),
		totals:  make(map[uint64]total),
	}
}

// Register records a segment's total item/byte counts, making it
// trackable. Called when a segment is added to the live set, whether
// freshly written or recovered at startup.
func (t *Tracker) Register(segmentID uint64, totalItems, totalBytes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[segmentID]; !ok {
		t.entries[segmentID] = &counters{}
	}
	t.totals[segmentID] = total{items: totalItems, bytes: totalBytes}
}

// Forget drops a segment's counters entirely, once it has been retired
// (spec.md §4.9 step 6: "drop the retired segment's staleness counter").
func (t *Tracker) Forget(segmentID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, segmentID)
	delete(t.totals, segmentID)
}

func (t *Tracker) getOrCreate(segmentID uint64) *counters {
	t.mu.RLock()
	c, ok := t.entries[segmentID]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.entries[segmentID]; ok {
		return c
	}
	c = &counters{}
	t.entries[segmentID] = c
	return c
}

// MarkStale records that one blob of byteSize bytes in segmentID has
// become stale. Marking a segment that was never Registered (e.g. one
// that has since been retired and Forgot) is a harmless no-op per
// spec.md §4.7's tolerance of late/duplicate marks.
func (t *Tracker) MarkStale(segmentID uint64, byteSize uint64) {
	t.mu.RLock()
	_, known := t.totals[segmentID]
	t.mu.RUnlock()
	if !known {
		return
	}
	c := t.getOrCreate(segmentID)
	c.staleItems.Add(1)
	c.staleBytes.Add(byteSize)
}

// Ratio returns the fraction of a segment's bytes currently known stale,
// and whether the segment is tracked at all.
func (t *Tracker) Ratio(segmentID uint64) (float64, bool) {
	t.mu.RLock()
	tot, ok := t.totals[segmentID]
	c := t.entries[segmentID]
	t.mu.RUnlock()
	if !ok || tot.bytes == 0 {
		return 0, ok
	}
	return float64(c.staleBytes.Load()) / float64(tot.bytes), true
}

// StaleBytes returns the known-stale byte count for a segment.
func (t *Tracker) StaleBytes(segmentID uint64) uint64 {
	t.mu.RLock()
	c, ok := t.entries[segmentID]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.staleBytes.Load()
}

// StaleItems returns the known-stale item count for a segment.
func (t *Tracker) StaleItems(segmentID uint64) uint64 {
	t.mu.RLock()
	c, ok := t.entries[segmentID]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	return c.staleItems.Load()
}

// SpaceAmp reports the value log's overall space amplification: total
// bytes on disk divided by total live (non-stale) bytes, per spec.md
// §4.8's SpaceAmp() operation.
func (t *Tracker) SpaceAmp() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var totalBytes, staleBytes uint64
	for id, tot := range t.totals {
		totalBytes += tot.bytes
		if c, ok := t.entries[id]; ok {
			staleBytes += c.staleBytes.Load()
		}
	}
	liveBytes := totalBytes - staleBytes
	if liveBytes == 0 {
		if totalBytes == 0 {
			return 1.0
		}
		return float64(totalBytes)
	}
	return float64(totalBytes) / float64(liveBytes)
}
