// Package gc selects and rewrites stale segments, the value log's
// analogue of kevo's pkg/compaction. The shapes are the same —
// a pluggable Strategy that picks candidates, a Coordinator that runs one
// cycle per Run call and refuses overlapping cycles
// (compaction.DefaultCompactionCoordinator) — but selection and rewrite
// here are segment-liveness-driven rather than level/tombstone-driven:
// there is no merge-iterator across sorted levels, because segments
// aren't sorted or leveled at all.
package gc

import (
	"sort"

	"github.com/jeremytregunna/vlog/pkg/manifest"
	"github.com/jeremytregunna/vlog/pkg/staleness"
)

// Candidate is one segment a Strategy has selected for rewrite, together
// with the stale ratio that justified selecting it.
type Candidate struct {
	Entry      manifest.Entry
	StaleRatio float64
}

// Strategy decides which live segments are worth rewriting right now.
// Implementations read the staleness tracker's current counters; they
// never mutate segments or the manifest themselves.
type Strategy interface {
	// Select returns segments worth rewriting, given the full live set
	// and its current staleness counters. An empty result means "nothing
	// to do this cycle" and is not an error.
	Select(entries []manifest.Entry, tracker *staleness.Tracker) []Candidate
}

// StaleThresholdStrategy selects every segment whose stale-byte ratio is
// at or above a fixed threshold, per spec.md §4.9's "stale threshold"
// strategy.
type StaleThresholdStrategy struct {
	Threshold float64
}

// Select implements Strategy.
func (s StaleThresholdStrategy) Select(entries []manifest.Entry, tracker *staleness.Tracker) []Candidate {
	var out []Candidate
	for _, e := range entries {
		ratio, ok := tracker.Ratio(e.ID)
		if !ok || ratio < s.Threshold {
			continue
		}
		out = append(out, Candidate{Entry: e, StaleRatio: ratio})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StaleRatio > out[j].StaleRatio })
	return out
}

// SpaceAmpStrategy triggers a rewrite pass only when the value log's
// overall space amplification is at or above TargetRatio, and then selects the
// most-stale segments first until the projected amplification would drop
// back under the target.
type SpaceAmpStrategy struct {
	TargetRatio float64
}

// Select implements Strategy.
func (s SpaceAmpStrategy) Select(entries []manifest.Entry, tracker *staleness.Tracker) []Candidate {
	if tracker.SpaceAmp() < s.TargetRatio {
		return nil
	}

	all := StaleThresholdStrategy{Threshold: 0}.Select(entries, tracker)

	var totalBytes, liveBytes uint64
	for _, e := range entries {
		totalBytes += e.TotalDisk
		liveBytes += e.TotalDisk - tracker.StaleBytes(e.ID)
	}

	var out []Candidate
	for _, c := range all {
		if liveBytes == 0 || float64(totalBytes)/float64(liveBytes) < s.TargetRatio {
			break
		}
		out = append(out, c)
		// Once rewritten, this candidate's stale bytes are reclaimed and
		// its live bytes are carried over into a fresh segment — approximate
		// the post-rewrite projection by dropping its stale share now.
		totalBytes -= tracker.StaleBytes(c.Entry.ID)
	}
	return out
}

// SizeTieredStaleThresholdStrategy combines a stale-ratio floor with a
// preference for rewriting smaller segments first, so GC reclaims space
// cheaply before touching large, mostly-live segments — the value log
// analogue of kevo's tiered compaction strategy picking small sorted runs
// before large ones.
type SizeTieredStaleThresholdStrategy struct {
	Threshold float64
}

// Select implements Strategy.
func (s SizeTieredStaleThresholdStrategy) Select(entries []manifest.Entry, tracker *staleness.Tracker) []Candidate {
	out := StaleThresholdStrategy{Threshold: s.Threshold}.Select(entries, tracker)
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.TotalDisk < out[j].Entry.TotalDisk })
	return out
}
