package segment

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jeremytregunna/vlog/pkg/blob"
	"github.com/jeremytregunna/vlog/pkg/compression"
	verrors "github.com/jeremytregunna/vlog/pkg/errors"
)

// Handle is the opaque pointer the external index stores for a live key:
// which segment, at what offset, and how many on-disk bytes.
type Handle struct {
	SegmentID uint64
	Offset    uint64
	Size      uint32
}

// Metadata is a segment's in-memory, footer-derived summary.
type Metadata struct {
	ID          uint64
	Path        string
	Items       uint64
	TotalRaw    uint64
	TotalDisk   uint64
	MinKey      []byte
	MaxKey      []byte
	Compression compression.Codec
}

// fileWriter handles the create-temp / write / sync / rename-into-place
// dance, the same pattern as kevo's sstable.FileManager.
type fileWriter struct {
	path    string
	tmpPath string
	file    *os.File
	buf     *bufio.Writer
}

func newFileWriter(path string, bufSize int) (*fileWriter, error) {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.tmp", filepath.Base(path)))

	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("%w: create temp segment file: %v", verrors.ErrIo, err)
	}

	return &fileWriter{
		path:    path,
		tmpPath: tmpPath,
		file:    file,
		buf:     bufio.NewWriterSize(file, bufSize),
	}, nil
}

func (fw *fileWriter) Write(p []byte) (int, error) { return fw.buf.Write(p) }

func (fw *fileWriter) finalize() error {
	if err := fw.buf.Flush(); err != nil {
		return fmt.Errorf("%w: flush segment buffer: %v", verrors.ErrIo, err)
	}
	if err := fw.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync segment file: %v", verrors.ErrIo, err)
	}
	if err := fw.file.Close(); err != nil {
		return fmt.Errorf("%w: close segment file: %v", verrors.ErrIo, err)
	}
	if err := os.Rename(fw.tmpPath, fw.path); err != nil {
		return fmt.Errorf("%w: rename segment into place: %v", verrors.ErrIo, err)
	}
	// Sync the containing directory so the rename itself is durable on
	// filesystems where that matters (ext4, xfs) — spec.md §4.2 requires
	// this explicitly; kevo's own FileManager does not do it because
	// SSTable renames aren't on the crash-safety-critical path the way a
	// value-log segment registration is.
	dir, err := os.Open(filepath.Dir(fw.path))
	if err != nil {
		return fmt.Errorf("%w: open segment directory: %v", verrors.ErrIo, err)
	}
	defer dir.Close()
	if err := dir.Sync(); err != nil {
		return fmt.Errorf("%w: sync segment directory: %v", verrors.ErrIo, err)
	}
	return nil
}

func (fw *fileWriter) abort() error {
	fw.file.Close()
	return os.Remove(fw.tmpPath)
}

// Builder streams blob records into a new, immutable segment file.
type Builder struct {
	id          uint64
	path        string
	compression compression.Codec
	compressor  *compression.Manager

	fw     *fileWriter
	offset uint64

	items     uint64
	totalRaw  uint64
	totalDisk uint64
	minKey    []byte
	maxKey    []byte

	closed bool
}

// NewBuilder creates a new Builder writing to path, identified by id,
// compressing values with the given codec.
func NewBuilder(path string, id uint64, codec compression.Codec, compressor *compression.Manager, writeBufferSize int) (*Builder, error) {
	fw, err := newFileWriter(path, writeBufferSize)
	if err != nil {
		return nil, err
	}
	return &Builder{
		id:          id,
		path:        path,
		compression: codec,
		compressor:  compressor,
		fw:          fw,
	}, nil
}

// Append writes one blob record and returns the handle to retrieve it
// later. Keys must be non-empty and within blob.MaxKeyLen; values must be
// within blob.MaxValueLen. Empty values are permitted.
func (b *Builder) Append(key, value []byte) (Handle, error) {
	if b.closed {
		return Handle{}, fmt.Errorf("%w", verrors.ErrBuilderClosed)
	}

	onDisk := value
	if b.compression != compression.None {
		compressed, err := b.compressor.Compress(b.compression, value)
		if err != nil {
			return Handle{}, fmt.Errorf("%w: compress value: %v", verrors.ErrIo, err)
		}
		onDisk = compressed
	}

	encoded, err := blob.Encode(key, onDisk, uint32(len(value)), uint8(b.compression))
	if err != nil {
		return Handle{}, err
	}

	handle := Handle{SegmentID: b.id, Offset: b.offset, Size: uint32(len(encoded))}

	n, err := b.fw.Write(encoded)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: write blob record: %v", verrors.ErrIo, err)
	}
	if n != len(encoded) {
		return Handle{}, fmt.Errorf("%w: short write of blob record", verrors.ErrIo)
	}

	b.offset += uint64(len(encoded))
	b.items++
	b.totalRaw += uint64(len(value))
	b.totalDisk += uint64(len(encoded))

	if b.minKey == nil || bytes.Compare(key, b.minKey) < 0 {
		b.minKey = append([]byte(nil), key...)
	}
	if b.maxKey == nil || bytes.Compare(key, b.maxKey) > 0 {
		b.maxKey = append([]byte(nil), key...)
	}

	return handle, nil
}

// AppendRaw writes an already-encoded on-disk value (possibly compressed)
// verbatim, without compressing it again. GC's rewrite protocol (spec.md
// §4.9 step 3) uses this to carry a live blob from an old segment into a
// new one byte-for-byte, preserving whatever compression it already has.
func (b *Builder) AppendRaw(key, onDiskValue []byte, rawLen uint32, compressionTag uint8) (Handle, error) {
	if b.closed {
		return Handle{}, fmt.Errorf("%w", verrors.ErrBuilderClosed)
	}

	encoded, err := blob.Encode(key, onDiskValue, rawLen, compressionTag)
	if err != nil {
		return Handle{}, err
	}

	handle := Handle{SegmentID: b.id, Offset: b.offset, Size: uint32(len(encoded))}

	n, err := b.fw.Write(encoded)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: write blob record: %v", verrors.ErrIo, err)
	}
	if n != len(encoded) {
		return Handle{}, fmt.Errorf("%w: short write of blob record", verrors.ErrIo)
	}

	b.offset += uint64(len(encoded))
	b.items++
	b.totalRaw += uint64(rawLen)
	b.totalDisk += uint64(len(encoded))

	if b.minKey == nil || bytes.Compare(key, b.minKey) < 0 {
		b.minKey = append([]byte(nil), key...)
	}
	if b.maxKey == nil || bytes.Compare(key, b.maxKey) > 0 {
		b.maxKey = append([]byte(nil), key...)
	}

	return handle, nil
}

// Offset reports the current write offset, i.e. where the next Append
// would land. Used by the GC coordinator (and by callers of a value-log
// Writer) to decide when to roll over to a new segment.
func (b *Builder) Offset() uint64 { return b.offset }

// Items reports how many blobs have been appended so far.
func (b *Builder) Items() uint64 { return b.items }

// Finish writes the footer and trailer, durably syncs, and renames the
// segment into place. It returns the segment's metadata for registration
// in the manifest.
func (b *Builder) Finish() (*Metadata, error) {
	if b.closed {
		return nil, fmt.Errorf("%w", verrors.ErrBuilderClosed)
	}

	footer := &Footer{
		Items:       b.items,
		TotalRaw:    b.totalRaw,
		TotalDisk:   b.totalDisk,
		MinKey:      b.minKey,
		MaxKey:      b.maxKey,
		Compression: b.compression,
	}
	footerBytes := footer.Encode()
	footerOffset := b.offset

	if _, err := b.fw.Write(footerBytes); err != nil {
		b.closed = true
		b.fw.abort()
		return nil, fmt.Errorf("%w: write footer: %v", verrors.ErrIo, err)
	}

	trailer := EncodeTrailer(footerOffset, uint32(len(footerBytes)))
	if _, err := b.fw.Write(trailer); err != nil {
		b.closed = true
		b.fw.abort()
		return nil, fmt.Errorf("%w: write trailer: %v", verrors.ErrIo, err)
	}

	// Only mark the builder closed once the outcome is settled: the file is
	// durably in place, or fw.abort() has removed the .tmp file. Marking it
	// closed any earlier would make a later Abort a silent no-op (see
	// below), leaking the .tmp file on a finalize failure.
	if err := b.fw.finalize(); err != nil {
		b.closed = true
		b.fw.abort()
		return nil, err
	}
	b.closed = true

	return &Metadata{
		ID:          b.id,
		Path:        b.path,
		Items:       b.items,
		TotalRaw:    b.totalRaw,
		TotalDisk:   b.totalDisk,
		MinKey:      b.minKey,
		MaxKey:      b.maxKey,
		Compression: b.compression,
	}, nil
}

// Abort discards a partially-written segment, removing its temp file.
// After Abort or Finish, the builder is closed.
func (b *Builder) Abort() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.fw.abort()
}

// ID returns the segment id this builder was opened with.
func (b *Builder) ID() uint64 { return b.id }
