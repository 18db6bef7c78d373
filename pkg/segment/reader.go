package segment

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/jeremytregunna/vlog/pkg/blob"
	"github.com/jeremytregunna/vlog/pkg/compression"
	verrors "github.com/jeremytregunna/vlog/pkg/errors"
)

// Reader is a random-access, concurrently-shareable reader for one
// immutable segment file, grounded on kevo's sstable IOManager split: the
// *os.File is wrapped for ReadAt, and the footer is parsed once at Open
// and cached rather than re-read per lookup.
type Reader struct {
	id   uint64
	path string

	mu       sync.RWMutex
	file     *os.File
	fileSize int64
	footer   *Footer

	// poisoned is set on the first checksum/structural failure so
	// subsequent reads short-circuit instead of re-reading known-bad
	// data, per spec.md §4.3.
	poisoned atomic.Bool
}

// OpenReader opens a segment file for reading, validating its trailer,
// footer, and loading metadata.
func OpenReader(path string, id uint64) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open segment %s: %v", verrors.ErrIo, path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: stat segment %s: %v", verrors.ErrIo, path, err)
	}
	fileSize := stat.Size()

	if fileSize < int64(TrailerSize) {
		file.Close()
		return nil, fmt.Errorf("%w: segment too small for trailer", verrors.ErrCorruptSegment)
	}

	trailerBuf := make([]byte, TrailerSize)
	if _, err := file.ReadAt(trailerBuf, fileSize-int64(TrailerSize)); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: read trailer: %v", verrors.ErrIo, err)
	}

	footerOffset, footerLen, err := DecodeTrailer(trailerBuf)
	if err != nil {
		file.Close()
		return nil, err
	}

	footerBuf := make([]byte, footerLen)
	if _, err := file.ReadAt(footerBuf, int64(footerOffset)); err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: read footer: %v", verrors.ErrIo, err)
	}

	footer, err := DecodeFooter(footerBuf)
	if err != nil {
		file.Close()
		return nil, err
	}

	return &Reader{
		id:       id,
		path:     path,
		file:     file,
		fileSize: fileSize,
		footer:   footer,
	}, nil
}

// Footer returns the segment's parsed footer metadata.
func (r *Reader) Footer() *Footer { return r.footer }

// ID returns the segment id.
func (r *Reader) ID() uint64 { return r.id }

// Path returns the segment's file path.
func (r *Reader) Path() string { return r.path }

// Poisoned reports whether a prior read found the segment corrupt.
func (r *Reader) Poisoned() bool { return r.poisoned.Load() }

// ReadAt returns the decoded key and value at the given handle. Compressed
// values are decompressed using compressor before being returned.
func (r *Reader) ReadAt(h Handle, compressor *compression.Manager) (key, value []byte, err error) {
	if r.poisoned.Load() {
		return nil, nil, fmt.Errorf("%w: reader poisoned by earlier corruption", verrors.ErrCorruptSegment)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	buf := make([]byte, h.Size)
	n, err := r.file.ReadAt(buf, int64(h.Offset))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read blob record: %v", verrors.ErrIo, err)
	}
	if n != int(h.Size) {
		r.poisoned.Store(true)
		return nil, nil, fmt.Errorf("%w: short read of blob record", verrors.ErrCorruptBlob)
	}

	k, diskValue, _, compressionTag, err := blob.Decode(buf)
	if err != nil {
		r.poisoned.Store(true)
		return nil, nil, err
	}

	codec := compression.Codec(compressionTag)
	if codec == compression.None {
		return append([]byte(nil), k...), append([]byte(nil), diskValue...), nil
	}

	decompressed, err := compressor.Decompress(codec, diskValue)
	if err != nil {
		r.poisoned.Store(true)
		return nil, nil, fmt.Errorf("%w: decompress value: %v", verrors.ErrCorruptBlob, err)
	}

	return append([]byte(nil), k...), decompressed, nil
}

// ScanFunc is called once per blob that decodes cleanly during a
// sequential scan, in the order blobs were appended; corrupt blobs are
// skipped and liveness is left to the caller. rawLen is the pre-compression value length,
// needed by GC to carry a footer's totals forward when rewriting blobs
// into a new segment without re-compressing them. Returning an error
// stops the scan.
type ScanFunc func(h Handle, key, diskValue []byte, rawLen uint32, compressionTag uint8) error

// Scan walks every blob record in the segment sequentially, the way GC's
// rewrite protocol (spec.md §4.9 step 2) iterates a candidate segment to
// decide per-blob liveness. It stops at the footer.
func (r *Reader) Scan(fn ScanFunc) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dataEnd := r.footer.TotalDisk
	var offset uint64
	for offset < dataEnd {
		// Read the fixed-size blob header first so we know the full
		// record length without guessing.
		hdr := make([]byte, blob.HeaderSize)
		if _, err := r.file.ReadAt(hdr, int64(offset)); err != nil {
			r.poisoned.Store(true)
			return fmt.Errorf("%w: read blob header during scan: %v", verrors.ErrIo, err)
		}

		keyLen := int(hdr[6]) | int(hdr[7])<<8
		diskLen := int(hdr[12]) | int(hdr[13])<<8 | int(hdr[14])<<16 | int(hdr[15])<<24
		recordLen := blob.RecordLen(keyLen, diskLen)

		full := make([]byte, recordLen)
		if _, err := r.file.ReadAt(full, int64(offset)); err != nil {
			r.poisoned.Store(true)
			return fmt.Errorf("%w: read blob record during scan: %v", verrors.ErrIo, err)
		}

		key, diskValue, rawLen, compressionTag, err := blob.Decode(full)
		if err != nil {
			// A single corrupt blob does not stop the scan: GC treats it
			// as stale and continues (spec.md §7).
			offset += uint64(recordLen)
			continue
		}

		if err := fn(Handle{SegmentID: r.id, Offset: offset, Size: uint32(recordLen)}, key, diskValue, rawLen, compressionTag); err != nil {
			return err
		}

		offset += uint64(recordLen)
	}

	return nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.file.Close()
}
