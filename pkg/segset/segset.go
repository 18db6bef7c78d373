// Package segset holds the value log's in-memory view of its live
// segments: open readers keyed by segment id, swapped in and out as GC
// retires old segments and writers finish new ones. The map itself
// follows kevo's compaction.DefaultFileTracker — a small sync.RWMutex
// guarded map — generalized from "obsolete/pending path sets" to "live
// segment readers", since a GET must never block behind a GC sweep and a
// GC sweep must never observe a half-updated view.
package segset

import (
	"fmt"
	"sync"

	verrors "github.com/jeremytregunna/vlog/pkg/errors"
	"github.com/jeremytregunna/vlog/pkg/manifest"
	"github.com/jeremytregunna/vlog/pkg/segment"
)

// Set is the value log's live segment view.
type Set struct {
	mu      sync.RWMutex
	readers map[uint64]*segment.Reader
	entries map[uint64]manifest.Entry
}

// New creates an empty Set.
func New() *Set {
	return &Set{
		readers: make(map[uint64]*segment.Reader),
		entries: make(map[uint64]manifest.Entry),
	}
}

// Open builds a Set by opening a segment.Reader for every entry currently
// registered in m, rooted at dir. Used on startup, after manifest.Recover
// has already reconciled the manifest against the segments directory.
func Open(dir string, m *manifest.Manifest) (*Set, error) {
	s := New()
	for _, e := range m.List() {
		path := manifest.SegmentPath(dir, e.ID)
		r, err := segment.OpenReader(path, e.ID)
		if err != nil {
			s.CloseAll()
			return nil, fmt.Errorf("%w: open segment %d: %v", verrors.ErrIo, e.ID, err)
		}
		s.readers[e.ID] = r
		s.entries[e.ID] = e
	}
	return s, nil
}

// Add registers a newly-finished segment's reader and manifest entry,
// making it visible to subsequent Get/List calls.
func (s *Set) Add(r *segment.Reader, e manifest.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readers[e.ID] = r
	s.entries[e.ID] = e
}

// Remove drops segments from the view and closes their readers. Callers
// are responsible for having already unregistered them from the
// manifest and for deleting their files (spec.md §4.9 step 6); Remove
// does not touch the files on disk.
func (s *Set) Remove(ids ...uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if r, ok := s.readers[id]; ok {
			r.Close()
			delete(s.readers, id)
		}
		delete(s.entries, id)
	}
}

// Get returns the reader for a live segment id.
func (s *Set) Get(id uint64) (*segment.Reader, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readers[id]
	return r, ok
}

// Entry returns the manifest entry for a live segment id.
func (s *Set) Entry(id uint64) (manifest.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Snapshot returns a stable, point-in-time list of live segment ids and
// their entries, safe to iterate without holding the Set's lock — GC
// scans take this snapshot once per cycle rather than holding a lock for
// the whole sweep.
func (s *Set) Snapshot() []manifest.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]manifest.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	return out
}

// Len returns the number of live segments.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readers)
}

// CloseAll closes every open reader. Used on shutdown and on Open's
// error path to avoid leaking file descriptors from partially-opened
// sets.
func (s *Set) CloseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.readers {
		r.Close()
		delete(s.readers, id)
	}
}
