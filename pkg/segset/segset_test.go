package segset

import (
	"path/filepath"
	"testing"

	"github.com/jeremytregunna/vlog/pkg/compression"
	"github.com/jeremytregunna/vlog/pkg/manifest"
	"github.com/jeremytregunna/vlog/pkg/segment"
)

func buildSegment(t *testing.T, dir string, id uint64) manifest.Entry {
	t.Helper()
	comp, err := compression.NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer comp.Close()

	path := manifest.SegmentPath(dir, id)
	b, err := segment.NewBuilder(path, id, compression.None, comp, 4096)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if _, err := b.Append([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	meta, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	return manifest.Entry{
		ID:          id,
		Items:       meta.Items,
		TotalRaw:    meta.TotalRaw,
		TotalDisk:   meta.TotalDisk,
		MinKey:      meta.MinKey,
		MaxKey:      meta.MaxKey,
		Compression: meta.Compression,
	}
}

func TestOpenAndGet(t *testing.T) {
	dir := t.TempDir()

	m, err := manifest.New(dir)
	if err != nil {
		t.Fatalf("manifest.New: %v", err)
	}
	e := buildSegment(t, dir, 1)
	if err := m.Register(e); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s, err := Open(dir, m)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.CloseAll()

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
	if _, ok := s.Get(1); !ok {
		t.Fatal("expected segment 1 present")
	}
}

func TestAddAndRemove(t *testing.T) {
	dir := t.TempDir()
	s := New()

	comp, err := compression.NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer comp.Close()

	path := filepath.Join(dir, "seg")
	b, err := segment.NewBuilder(path, 7, compression.None, comp, 4096)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if _, err := b.Append([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := b.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	r, err := segment.OpenReader(path, 7)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	s.Add(r, manifest.Entry{ID: 7})

	if _, ok := s.Get(7); !ok {
		t.Fatal("expected segment 7 present after Add")
	}

	s.Remove(7)
	if _, ok := s.Get(7); ok {
		t.Fatal("expected segment 7 absent after Remove")
	}
}

func TestSnapshotIsStable(t *testing.T) {
	s := New()
	dir := t.TempDir()

	if _, err := manifest.New(dir); err != nil {
		t.Fatalf("manifest.New: %v", err)
	}

	comp, err := compression.NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer comp.Close()

	for id := uint64(1); id <= 3; id++ {
		path := manifest.SegmentPath(dir, id)
		b, err := segment.NewBuilder(path, id, compression.None, comp, 4096)
		if err != nil {
			t.Fatalf("NewBuilder: %v", err)
		}
		if _, err := b.Append([]byte("k"), []byte("v")); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if _, err := b.Finish(); err != nil {
			t.Fatalf("Finish: %v", err)
		}
		r, err := segment.OpenReader(path, id)
		if err != nil {
			t.Fatalf("OpenReader: %v", err)
		}
		s.Add(r, manifest.Entry{ID: id})
	}

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d, want 3", len(snap))
	}

	s.Remove(1)
	if len(snap) != 3 {
		t.Fatal("prior snapshot must not be affected by later Remove")
	}
}
