// Package index defines the narrow contract a value log needs from the
// external key index that owns actual keys and value-handle pointers.
// The value log never looks a key up by itself; it only asks the index
// to resolve one, and asks it to atomically swap stale handles for fresh
// ones during GC. The shape mirrors the Indexer interface other example
// repos build for the same kind of blob store (see
// other_examples/miretskiy-blobcache__index.go's Put/Get/Delete), narrowed
// to the lookup + compare-and-swap contract spec.md §6.1 actually needs —
// GC here is segment-driven, not key-driven, so no Scan is exposed.
package index

import (
	"context"
	"sync"

	"github.com/jeremytregunna/vlog/pkg/segment"
)

// Index resolves a key to its current value handle. Implementations are
// owned by the caller embedding this value log (typically an LSM-tree or
// similar structure storing handles as its values); the value log only
// consumes this interface.
type Index interface {
	Lookup(ctx context.Context, key []byte) (segment.Handle, bool, error)
}

// Update describes one key's handle being replaced, e.g. because GC
// rewrote the blob into a new segment.
type Update struct {
	Key       []byte
	OldHandle segment.Handle
	NewHandle segment.Handle
}

// CompareAndSwapper atomically replaces a batch of handles, each
// conditioned on the index's current value still matching OldHandle.
// GC uses this to retarget an index entry only if nothing else (a
// concurrent write) has already superseded it — spec.md §4.9 step 5.
// The returned bool slice reports per-update success, in the same order
// as updates; a false entry means that key had already moved, and GC
// counts the rewritten blob as stale.
type CompareAndSwapper interface {
	CompareAndSwap(ctx context.Context, updates []Update) ([]bool, error)
}

// MockIndex is an in-memory Index/CompareAndSwapper used by tests in
// this module and by callers exercising the value log without a real
// external index. Grounded on original_source/src/mock.rs, which plays
// the same role for the Rust crate's own test suite.
type MockIndex struct {
	mu      sync.RWMutex
	entries map[string]segment.Handle
}

// NewMockIndex creates an empty MockIndex.
func NewMockIndex() *MockIndex {
	return &MockIndex{entries: make(map[string]segment.Handle)}
}

// Lookup implements Index.
func (m *MockIndex) Lookup(_ context.Context, key []byte) (segment.Handle, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.entries[string(key)]
	return h, ok, nil
}

// Set directly installs a handle for key, bypassing compare-and-swap.
// Used by tests to seed the index and to publish keys a Writer has just
// written.
func (m *MockIndex) Set(key []byte, h segment.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[string(key)] = h
}

// Delete removes a key from the index entirely.
func (m *MockIndex) Delete(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, string(key))
}

// CompareAndSwap implements CompareAndSwapper.
func (m *MockIndex) CompareAndSwap(_ context.Context, updates []Update) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]bool, len(updates))
	for i, u := range updates {
		current, ok := m.entries[string(u.Key)]
		if !ok || current != u.OldHandle {
			results[i] = false
			continue
		}
		m.entries[string(u.Key)] = u.NewHandle
		results[i] = true
	}
	return results, nil
}

// Len returns the number of keys currently indexed.
func (m *MockIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
