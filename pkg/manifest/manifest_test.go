package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/jeremytregunna/vlog/pkg/compression"
	verrors "github.com/jeremytregunna/vlog/pkg/errors"
)

// touchSegmentFile creates a placeholder file at the path a segment with
// this id would live at. Recover's fatal missing-file check is a bare
// os.Stat, not a content validation, so placeholder bytes are enough to
// stand in for a real segment.
func touchSegmentFile(t *testing.T, dir string, id uint64) {
	t.Helper()
	path := SegmentPath(dir, id)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte("placeholder"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func testEntry(id uint64) Entry {
	return Entry{
		ID:          id,
		Items:       10,
		TotalRaw:    100,
		TotalDisk:   120,
		MinKey:      []byte("a"),
		MaxKey:      []byte("z"),
		Compression: compression.None,
	}
}

func TestNewCreatesEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := m.List(); len(got) != 0 {
		t.Fatalf("List = %v, want empty", got)
	}
	if _, err := os.Stat(filepath.Join(dir, FileName)); err != nil {
		t.Fatalf("manifest file not written: %v", err)
	}
}

func TestRegisterAndRecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	touchSegmentFile(t, dir, 1)
	touchSegmentFile(t, dir, 2)
	if err := m.Register(testEntry(1)); err != nil {
		t.Fatalf("Register(1): %v", err)
	}
	if err := m.Register(testEntry(2)); err != nil {
		t.Fatalf("Register(2): %v", err)
	}

	recovered, err := Recover(dir)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got := recovered.List()
	if len(got) != 2 {
		t.Fatalf("Recover produced %d entries, want 2", len(got))
	}
	for _, id := range []uint64{1, 2} {
		e, ok := recovered.Get(id)
		if !ok {
			t.Fatalf("Get(%d) not found after recover", id)
		}
		if e.Items != 10 || e.TotalRaw != 100 || e.TotalDisk != 120 {
			t.Errorf("entry %d = %+v, want matching testEntry", id, e)
		}
		if string(e.MinKey) != "a" || string(e.MaxKey) != "z" {
			t.Errorf("entry %d keys = %q/%q, want a/z", id, e.MinKey, e.MaxKey)
		}
	}
}

func TestRecoverFailsWhenSegmentFileMissing(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Register an entry whose backing file is never created.
	if err := m.Register(testEntry(9)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = Recover(dir)
	if err == nil {
		t.Fatal("expected Recover to fail when a registered segment file is missing")
	}
	if !errors.Is(err, verrors.ErrCorruptManifest) {
		t.Errorf("Recover error = %v, want wrapping ErrCorruptManifest", err)
	}
}

func TestRecoverSweepsOrphanSegmentFile(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	touchSegmentFile(t, dir, 1)
	if err := m.Register(testEntry(1)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// A segment file on disk with no manifest entry at all: an orphan left
	// behind by, e.g., a writer that finalized but crashed before its
	// Register call ever reached the manifest.
	orphanPath := SegmentPath(dir, 2)
	if err := os.WriteFile(orphanPath, []byte("orphan"), 0644); err != nil {
		t.Fatalf("WriteFile orphan: %v", err)
	}

	if _, err := Recover(dir); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if _, err := os.Stat(orphanPath); !os.IsNotExist(err) {
		t.Errorf("orphan segment file still present after Recover, stat err = %v", err)
	}
	if _, err := os.Stat(SegmentPath(dir, 1)); err != nil {
		t.Errorf("registered segment file was removed by orphan sweep: %v", err)
	}
}

func TestRecoverSweepsAbandonedTempFiles(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	touchSegmentFile(t, dir, 1)
	if err := m.Register(testEntry(1)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// An abandoned writer temp file, left by a crash between NewBuilder
	// opening it and Finish/Abort ever running.
	segTmp := filepath.Join(dir, SegmentsDir, ".0000000000000002.vseg.tmp")
	if err := os.WriteFile(segTmp, []byte("partial"), 0644); err != nil {
		t.Fatalf("WriteFile segment temp: %v", err)
	}

	// An abandoned manifest save temp file, left by a crash between
	// save()'s os.Create and its rename into place.
	manifestTmp := filepath.Join(dir, FileName+".tmp")
	if err := os.WriteFile(manifestTmp, []byte("partial-manifest"), 0644); err != nil {
		t.Fatalf("WriteFile manifest temp: %v", err)
	}

	recovered, err := Recover(dir)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if _, err := os.Stat(segTmp); !os.IsNotExist(err) {
		t.Errorf("abandoned segment temp file still present, stat err = %v", err)
	}
	if _, err := os.Stat(manifestTmp); !os.IsNotExist(err) {
		t.Errorf("abandoned manifest temp file still present, stat err = %v", err)
	}
	if _, ok := recovered.Get(1); !ok {
		t.Error("legitimate entry lost during temp-file sweep")
	}
}

func TestUnregisterIsNoopForUnknownID(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	touchSegmentFile(t, dir, 1)
	if err := m.Register(testEntry(1)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := m.Unregister(404); err != nil {
		t.Fatalf("Unregister(unknown): %v", err)
	}
	if _, ok := m.Get(1); !ok {
		t.Error("Unregister of an unknown id removed an unrelated entry")
	}

	if err := m.Unregister(1); err != nil {
		t.Fatalf("Unregister(1): %v", err)
	}
	if _, ok := m.Get(1); ok {
		t.Error("entry 1 still present after Unregister")
	}
}
