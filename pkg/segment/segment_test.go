package segment

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/jeremytregunna/vlog/pkg/compression"
)

func newTestCompressor(t *testing.T) *compression.Manager {
	t.Helper()
	m, err := compression.NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestBuilderReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000001.vseg")

	comp := newTestCompressor(t)
	builder, err := NewBuilder(path, 1, compression.None, comp, 4096)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	entries := map[string]string{
		"alpha": "one",
		"beta":  "two",
		"gamma": "",
	}
	handles := make(map[string]Handle)
	for k, v := range entries {
		h, err := builder.Append([]byte(k), []byte(v))
		if err != nil {
			t.Fatalf("Append(%q): %v", k, err)
		}
		handles[k] = h
	}

	meta, err := builder.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if meta.Items != uint64(len(entries)) {
		t.Errorf("Items = %d, want %d", meta.Items, len(entries))
	}

	reader, err := OpenReader(path, 1)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer reader.Close()

	for k, v := range entries {
		_, value, err := reader.ReadAt(handles[k], comp)
		if err != nil {
			t.Fatalf("ReadAt(%q): %v", k, err)
		}
		if !bytes.Equal(value, []byte(v)) {
			t.Errorf("value for %q = %q, want %q", k, value, v)
		}
	}
}

func TestBuilderRejectsAppendAfterFinish(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000002.vseg")

	comp := newTestCompressor(t)
	builder, err := NewBuilder(path, 2, compression.None, comp, 4096)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if _, err := builder.Append([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := builder.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := builder.Append([]byte("k2"), []byte("v2")); err == nil {
		t.Fatal("expected error appending after Finish")
	}
}

func TestSegmentSurvivesCompression(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000003.vseg")

	comp := newTestCompressor(t)
	builder, err := NewBuilder(path, 3, compression.Zstd, comp, 4096)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	value := bytes.Repeat([]byte("compress-me "), 100)
	h, err := builder.Append([]byte("k"), value)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := builder.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	reader, err := OpenReader(path, 3)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer reader.Close()

	_, got, err := reader.ReadAt(h, comp)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Error("decompressed value does not match original")
	}
}

func TestScanVisitsEveryBlob(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000004.vseg")

	comp := newTestCompressor(t)
	builder, err := NewBuilder(path, 4, compression.None, comp, 4096)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	for _, k := range keys {
		if _, err := builder.Append(k, []byte("v")); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if _, err := builder.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	reader, err := OpenReader(path, 4)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer reader.Close()

	var seen [][]byte
	err = reader.Scan(func(h Handle, key, diskValue []byte, rawLen uint32, compressionTag uint8) error {
		seen = append(seen, append([]byte(nil), key...))
		return nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != len(keys) {
		t.Fatalf("Scan visited %d blobs, want %d", len(seen), len(keys))
	}
}

// TestFinishAbortsAndRemovesTempFileOnFailure covers the crash-mid-finish
// scenario: an I/O failure partway through Finish must not leave the
// writer's ".vseg.tmp" file behind. A pre-existing directory at the
// segment's final path makes the rename step of finalize fail reliably
// (renaming a file onto an existing directory always errors), standing in
// for the effect a crash mid-finalize would have.
func TestFinishAbortsAndRemovesTempFileOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000006.vseg")
	if err := os.Mkdir(path, 0755); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	comp := newTestCompressor(t)
	builder, err := NewBuilder(path, 6, compression.None, comp, 4096)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	if _, err := builder.Append([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	tmpPath := filepath.Join(dir, ".000006.vseg.tmp")
	if _, err := os.Stat(tmpPath); err != nil {
		t.Fatalf("expected temp file to exist before Finish: %v", err)
	}

	if _, err := builder.Finish(); err == nil {
		t.Fatal("expected Finish to fail when the destination is a directory")
	}

	if _, err := os.Stat(tmpPath); !os.IsNotExist(err) {
		t.Errorf("temp file still present after failed Finish, stat err = %v", err)
	}

	// A builder left in this state is closed; Abort is a no-op, not a
	// second failure.
	if err := builder.Abort(); err != nil {
		t.Errorf("Abort after failed Finish: %v", err)
	}
}

func TestAppendRejectsKeyLongerThanMaxKeyLen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000007.vseg")

	comp := newTestCompressor(t)
	builder, err := NewBuilder(path, 7, compression.None, comp, 4096)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	defer builder.Abort()

	oversized := make([]byte, 65536)
	if _, err := builder.Append(oversized, []byte("v")); err == nil {
		t.Fatal("expected error appending a key longer than MaxKeyLen")
	}
}

// TestBuilderReaderRoundTripLargeValue covers the "Max-size blobs"
// concrete scenario with a representative large value rather than the
// literal 2^32-1 byte extreme: an 8 MiB blob must still round-trip
// correctly through Append/Finish/ReadAt.
func TestBuilderReaderRoundTripLargeValue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000008.vseg")

	comp := newTestCompressor(t)
	builder, err := NewBuilder(path, 8, compression.None, comp, 4096)
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}

	value := make([]byte, 8<<20)
	for i := range value {
		value[i] = byte(i)
	}

	h, err := builder.Append([]byte("big"), value)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := builder.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	reader, err := OpenReader(path, 8)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer reader.Close()

	_, got, err := reader.ReadAt(h, comp)
	if err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Error("large value did not round-trip correctly")
	}
}

func TestOpenRejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "000005.vseg")
	if err := os.WriteFile(path, []byte("short"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := OpenReader(path, 5); err == nil {
		t.Fatal("expected error opening truncated segment")
	}
}
