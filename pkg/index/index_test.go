package index

import (
	"context"
	"testing"

	"github.com/jeremytregunna/vlog/pkg/segment"
)

func TestMockIndexLookupMiss(t *testing.T) {
	idx := NewMockIndex()
	_, ok, err := idx.Lookup(context.Background(), []byte("missing"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestMockIndexSetAndLookup(t *testing.T) {
	idx := NewMockIndex()
	h := segment.Handle{SegmentID: 1, Offset: 10, Size: 20}
	idx.Set([]byte("k"), h)

	got, ok, err := idx.Lookup(context.Background(), []byte("k"))
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ok || got != h {
		t.Fatalf("Lookup = %+v, %v, want %+v, true", got, ok, h)
	}
}

func TestMockIndexCompareAndSwap(t *testing.T) {
	idx := NewMockIndex()
	old := segment.Handle{SegmentID: 1, Offset: 0, Size: 10}
	idx.Set([]byte("k"), old)

	newH := segment.Handle{SegmentID: 2, Offset: 0, Size: 10}
	results, err := idx.CompareAndSwap(context.Background(), []Update{
		{Key: []byte("k"), OldHandle: old, NewHandle: newH},
	})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if len(results) != 1 || !results[0] {
		t.Fatalf("results = %v, want [true]", results)
	}

	got, _, _ := idx.Lookup(context.Background(), []byte("k"))
	if got != newH {
		t.Errorf("handle after swap = %+v, want %+v", got, newH)
	}
}

func TestMockIndexCompareAndSwapFailsOnStaleHandle(t *testing.T) {
	idx := NewMockIndex()
	current := segment.Handle{SegmentID: 1, Offset: 0, Size: 10}
	idx.Set([]byte("k"), current)

	stale := segment.Handle{SegmentID: 99, Offset: 0, Size: 10}
	newH := segment.Handle{SegmentID: 2, Offset: 0, Size: 10}
	results, err := idx.CompareAndSwap(context.Background(), []Update{
		{Key: []byte("k"), OldHandle: stale, NewHandle: newH},
	})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if results[0] {
		t.Fatal("expected CAS to fail against a stale OldHandle")
	}

	got, _, _ := idx.Lookup(context.Background(), []byte("k"))
	if got != current {
		t.Error("handle must be unchanged after a failed CAS")
	}
}

func TestMockIndexCompareAndSwapFailsOnMissingKey(t *testing.T) {
	idx := NewMockIndex()
	results, err := idx.CompareAndSwap(context.Background(), []Update{
		{Key: []byte("ghost"), OldHandle: segment.Handle{}, NewHandle: segment.Handle{SegmentID: 1}},
	})
	if err != nil {
		t.Fatalf("CompareAndSwap: %v", err)
	}
	if results[0] {
		t.Fatal("expected CAS to fail for a key never set")
	}
}

func TestMockIndexDelete(t *testing.T) {
	idx := NewMockIndex()
	idx.Set([]byte("k"), segment.Handle{SegmentID: 1})
	idx.Delete([]byte("k"))

	if _, ok, _ := idx.Lookup(context.Background(), []byte("k")); ok {
		t.Fatal("expected key absent after Delete")
	}
}
