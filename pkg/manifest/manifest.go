// Package manifest implements the value log's durable, crash-safe segment
// registry. Updates are atomic (temp file, fsync, rename), the same
// pattern kevo's pkg/config.Manifest uses for its own (JSON) manifest —
// but the on-disk format here is self-checksummed binary, closer to the
// shape of kevo's sstable/footer.Footer, because spec.md §4.5 requires a
// self-checksummed format rather than bare JSON.
package manifest

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/jeremytregunna/vlog/pkg/compression"
	verrors "github.com/jeremytregunna/vlog/pkg/errors"
)

const (
	// FileName is the manifest's filename within the value log's root
	// directory.
	FileName = "manifest"
	// SegmentsDir is the subdirectory holding segment files.
	SegmentsDir = "segments"

	magic          = uint64(0x564C4F474D414E31) // "VLOGMAN1"
	currentVersion = uint32(1)
)

// Entry is one live segment's manifest record: enough to locate and trust
// the file after a restart, per spec.md §3.
type Entry struct {
	ID          uint64
	Items       uint64
	TotalRaw    uint64
	TotalDisk   uint64
	MinKey      []byte
	MaxKey      []byte
	Compression compression.Codec
}

// Manifest is the in-memory view of the durable registry, guarded by a
// single mutator lock; readers take a snapshot copy.
type Manifest struct {
	dir string

	mu      sync.RWMutex
	entries map[uint64]Entry
}

// SegmentPath returns the canonical path for segment id under dir.
func SegmentPath(dir string, id uint64) string {
	return filepath.Join(dir, SegmentsDir, fmt.Sprintf("%016x.vseg", id))
}

// New creates an empty manifest rooted at dir. Callers creating a brand
// new value log use this; callers reopening one use Recover.
func New(dir string) (*Manifest, error) {
	if err := os.MkdirAll(filepath.Join(dir, SegmentsDir), 0755); err != nil {
		return nil, fmt.Errorf("%w: create segments directory: %v", verrors.ErrIo, err)
	}
	m := &Manifest{dir: dir, entries: make(map[uint64]Entry)}
	if err := m.save(); err != nil {
		return nil, err
	}
	return m, nil
}

// Recover loads the manifest file, then reconciles it against the
// segments directory: files present on disk but absent from the manifest
// are orphans and are deleted (spec.md §4.5, testable property 3); a
// manifest entry whose file is missing is a fatal recovery error (an
// unrecoverable inconsistency, not a transient one — see
// original_source/src/manifest.rs::recover, which returns
// Error::Unrecoverable in exactly this case). A crash between a writer
// creating its ".vseg.tmp" file and either Finish renaming it into place
// or Abort removing it leaves that temp file behind with no manifest
// entry ever referencing it; sweepOrphans removes those unconditionally
// too, and Recover first removes a stray manifest ".tmp" from an
// interrupted save.
func Recover(dir string) (*Manifest, error) {
	if err := removeStaleTemp(filepath.Join(dir, FileName+".tmp")); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(dir)
		}
		return nil, fmt.Errorf("%w: read manifest: %v", verrors.ErrIo, err)
	}

	entries, err := decode(data)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(dir, SegmentsDir), 0755); err != nil {
		return nil, fmt.Errorf("%w: create segments directory: %v", verrors.ErrIo, err)
	}

	for id := range entries {
		if _, err := os.Stat(SegmentPath(dir, id)); err != nil {
			return nil, fmt.Errorf("%w: segment %d registered in manifest but missing on disk", verrors.ErrCorruptManifest, id)
		}
	}

	if err := sweepOrphans(dir, entries); err != nil {
		return nil, err
	}

	return &Manifest{dir: dir, entries: entries}, nil
}

func sweepOrphans(dir string, entries map[uint64]Entry) error {
	segDir := filepath.Join(dir, SegmentsDir)
	files, err := os.ReadDir(segDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: read segments directory: %v", verrors.ErrIo, err)
	}

	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name := f.Name()

		// A ".{id}.vseg.tmp" is always an abandoned writer-temp file: by
		// the time a segment is ever registered, it has already been
		// renamed away from this name. Remove it unconditionally.
		if strings.HasSuffix(name, ".vseg.tmp") {
			if err := os.Remove(filepath.Join(segDir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: remove abandoned segment temp file %s: %v", verrors.ErrIo, name, err)
			}
			continue
		}

		if !strings.HasSuffix(name, ".vseg") {
			continue
		}
		var id uint64
		if _, err := fmt.Sscanf(name, "%016x.vseg", &id); err != nil {
			continue
		}
		if _, ok := entries[id]; !ok {
			if err := os.Remove(filepath.Join(segDir, name)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("%w: remove orphan segment %s: %v", verrors.ErrIo, name, err)
			}
		}
	}
	return nil
}

// removeStaleTemp removes the leftover temp file of an interrupted
// manifest save, if one exists. Segment temp files are removed by
// sweepOrphans instead.
func removeStaleTemp(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove stale temp file %s: %v", verrors.ErrIo, path, err)
	}
	return nil
}

// Register atomically adds a segment entry and persists the manifest.
func (m *Manifest) Register(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = e
	return m.save()
}

// Unregister atomically removes segment entries and persists the manifest.
// Unregistering an id that isn't present is a no-op, matching the
// staleness map's tolerance of already-retired segments (spec.md §4.7).
func (m *Manifest) Unregister(ids ...uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.entries, id)
	}
	return m.save()
}

// List returns a snapshot copy of all registered entries.
func (m *Manifest) List() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// Get returns the entry for id, if registered.
func (m *Manifest) Get(id uint64) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// save writes the manifest to a temp file, fsyncs it, and renames it into
// place — the same write-temp/fsync/rename sequence as kevo's
// config.Manifest.Save, just over a binary self-checksummed payload
// instead of JSON.
func (m *Manifest) save() error {
	data := encode(m.entries)

	path := filepath.Join(m.dir, FileName)
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("%w: create temp manifest: %v", verrors.ErrIo, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("%w: write temp manifest: %v", verrors.ErrIo, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: sync temp manifest: %v", verrors.ErrIo, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close temp manifest: %v", verrors.ErrIo, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename manifest into place: %v", verrors.ErrIo, err)
	}

	dir, err := os.Open(m.dir)
	if err != nil {
		return fmt.Errorf("%w: open manifest directory: %v", verrors.ErrIo, err)
	}
	defer dir.Close()
	return dir.Sync()
}

func encode(entries map[uint64]Entry) []byte {
	var body []byte
	body = appendUint32(body, uint32(len(entries)))
	for _, e := range entries {
		body = appendUint64(body, e.ID)
		body = appendUint64(body, e.Items)
		body = appendUint64(body, e.TotalRaw)
		body = appendUint64(body, e.TotalDisk)
		body = appendUint16(body, uint16(len(e.MinKey)))
		body = append(body, e.MinKey...)
		body = appendUint16(body, uint16(len(e.MaxKey)))
		body = append(body, e.MaxKey...)
		body = append(body, uint8(e.Compression))
	}

	header := make([]byte, 16)
	binary.LittleEndian.PutUint64(header[0:8], magic)
	binary.LittleEndian.PutUint32(header[8:12], currentVersion)
	binary.LittleEndian.PutUint32(header[12:16], 0) // reserved

	payload := append(header, body...)
	checksum := xxhash.Sum64(payload)

	out := make([]byte, len(payload)+8)
	copy(out, payload)
	binary.LittleEndian.PutUint64(out[len(payload):], checksum)
	return out
}

func decode(data []byte) (map[uint64]Entry, error) {
	if len(data) < 16+8 {
		return nil, fmt.Errorf("%w: manifest too short", verrors.ErrCorruptManifest)
	}

	payload := data[:len(data)-8]
	storedChecksum := binary.LittleEndian.Uint64(data[len(data)-8:])
	if xxhash.Sum64(payload) != storedChecksum {
		return nil, fmt.Errorf("%w: checksum mismatch", verrors.ErrCorruptManifest)
	}

	gotMagic := binary.LittleEndian.Uint64(payload[0:8])
	if gotMagic != magic {
		return nil, fmt.Errorf("%w: bad magic", verrors.ErrCorruptManifest)
	}

	body := payload[16:]
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: manifest missing entry count", verrors.ErrCorruptManifest)
	}
	count := binary.LittleEndian.Uint32(body[0:4])
	body = body[4:]

	entries := make(map[uint64]Entry, count)
	for i := uint32(0); i < count; i++ {
		e, rest, err := decodeEntry(body)
		if err != nil {
			return nil, err
		}
		entries[e.ID] = e
		body = rest
	}

	return entries, nil
}

func decodeEntry(body []byte) (Entry, []byte, error) {
	const fixed = 8 + 8 + 8 + 8 + 2
	if len(body) < fixed {
		return Entry{}, nil, fmt.Errorf("%w: truncated entry", verrors.ErrCorruptManifest)
	}
	id := binary.LittleEndian.Uint64(body[0:8])
	items := binary.LittleEndian.Uint64(body[8:16])
	totalRaw := binary.LittleEndian.Uint64(body[16:24])
	totalDisk := binary.LittleEndian.Uint64(body[24:32])
	minLen := int(binary.LittleEndian.Uint16(body[32:34]))
	body = body[34:]

	if len(body) < minLen+2 {
		return Entry{}, nil, fmt.Errorf("%w: truncated min key", verrors.ErrCorruptManifest)
	}
	minKey := append([]byte(nil), body[:minLen]...)
	body = body[minLen:]

	maxLen := int(binary.LittleEndian.Uint16(body[:2]))
	body = body[2:]
	if len(body) < maxLen+1 {
		return Entry{}, nil, fmt.Errorf("%w: truncated max key", verrors.ErrCorruptManifest)
	}
	maxKey := append([]byte(nil), body[:maxLen]...)
	body = body[maxLen:]

	comp := compression.Codec(body[0])
	body = body[1:]

	return Entry{
		ID:          id,
		Items:       items,
		TotalRaw:    totalRaw,
		TotalDisk:   totalDisk,
		MinKey:      minKey,
		MaxKey:      maxKey,
		Compression: comp,
	}, body, nil
}

func appendUint64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendUint16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}
