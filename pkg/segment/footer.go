// Package segment implements the value log's segment file format: the
// variable-length footer that closes out a segment (item counts, byte
// totals, key range, compression tag, self-checksum), the streaming
// builder/writer that produces one, and the random-access reader that
// opens one back up. It is grounded on kevo's sstable package — the same
// split between a fixed binary footer (kevo's sstable/footer.Footer) and
// an IOManager/BlockFetcher-style reader (kevo's sstable.Reader) — adapted
// from SSTable block indexing to value-log blob offsets.
package segment

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/jeremytregunna/vlog/pkg/compression"
	verrors "github.com/jeremytregunna/vlog/pkg/errors"
)

// footerMagic is the one-byte tag closing the variable-length footer
// described in spec.md §6.4 ("footer_magic:8").
const footerMagic = 0xFE

// TrailerMagic is the fixed 8-byte marker at the absolute end of every
// segment file. Because the footer itself is variable-length (it embeds
// the segment's min/max keys), a reader can't find it by seeking back a
// fixed number of bytes from EOF; instead a small fixed-size trailer,
// modeled on the original value-log crate's SegmentFileTrailer split
// between a fixed trailer and a variable metadata block, points at where
// the footer begins.
var TrailerMagic = [8]byte{'V', 'L', 'O', 'G', 'T', 'R', 'L', '1'}

// TrailerSize is the fixed size, in bytes, of the trailer at EOF.
const TrailerSize = 8 /*offset*/ + 4 /*len*/ + 4 /*reserved*/ + 8 /*magic*/

// Footer describes one segment's metadata as specified in spec.md §6.4.
type Footer struct {
	Items       uint64
	TotalRaw    uint64
	TotalDisk   uint64
	MinKey      []byte
	MaxKey      []byte
	Compression compression.Codec
}

// Encode serializes the footer body (without the trailing fixed trailer).
func (f *Footer) Encode() []byte {
	size := 8 + 8 + 8 + 2 + len(f.MinKey) + 2 + len(f.MaxKey) + 1 + 4 + 1
	buf := make([]byte, size)

	off := 0
	binary.LittleEndian.PutUint64(buf[off:], f.Items)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], f.TotalRaw)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], f.TotalDisk)
	off += 8
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(f.MinKey)))
	off += 2
	copy(buf[off:], f.MinKey)
	off += len(f.MinKey)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(f.MaxKey)))
	off += 2
	copy(buf[off:], f.MaxKey)
	off += len(f.MaxKey)
	buf[off] = uint8(f.Compression)
	off++

	crc := uint32(xxhash.Sum64(buf[:off]))
	binary.LittleEndian.PutUint32(buf[off:], crc)
	off += 4
	buf[off] = footerMagic

	return buf
}

// DecodeFooter parses a footer body previously produced by Encode.
func DecodeFooter(data []byte) (*Footer, error) {
	if len(data) < 8+8+8+2 {
		return nil, fmt.Errorf("%w: footer too short", verrors.ErrCorruptSegment)
	}

	off := 0
	items := binary.LittleEndian.Uint64(data[off:])
	off += 8
	totalRaw := binary.LittleEndian.Uint64(data[off:])
	off += 8
	totalDisk := binary.LittleEndian.Uint64(data[off:])
	off += 8

	minLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if off+minLen+2 > len(data) {
		return nil, fmt.Errorf("%w: footer truncated at min key", verrors.ErrCorruptSegment)
	}
	minKey := data[off : off+minLen]
	off += minLen

	maxLen := int(binary.LittleEndian.Uint16(data[off:]))
	off += 2
	if off+maxLen+1+4+1 > len(data) {
		return nil, fmt.Errorf("%w: footer truncated at max key", verrors.ErrCorruptSegment)
	}
	maxKey := data[off : off+maxLen]
	off += maxLen

	comp := data[off]
	off++

	crcWant := binary.LittleEndian.Uint32(data[off:])
	crcGot := uint32(xxhash.Sum64(data[:off]))
	off += 4

	if data[off] != footerMagic {
		return nil, fmt.Errorf("%w: bad footer magic", verrors.ErrCorruptSegment)
	}
	if crcGot != crcWant {
		return nil, fmt.Errorf("%w: footer checksum mismatch", verrors.ErrCorruptSegment)
	}

	return &Footer{
		Items:       items,
		TotalRaw:    totalRaw,
		TotalDisk:   totalDisk,
		MinKey:      append([]byte(nil), minKey...),
		MaxKey:      append([]byte(nil), maxKey...),
		Compression: compression.Codec(comp),
	}, nil
}

// EncodeTrailer builds the fixed-size trailer pointing at a footer that
// starts at footerOffset and spans footerLen bytes.
func EncodeTrailer(footerOffset uint64, footerLen uint32) []byte {
	buf := make([]byte, TrailerSize)
	binary.LittleEndian.PutUint64(buf[0:8], footerOffset)
	binary.LittleEndian.PutUint32(buf[8:12], footerLen)
	copy(buf[16:], TrailerMagic[:])
	return buf
}

// DecodeTrailer parses the fixed trailer at EOF.
func DecodeTrailer(data []byte) (footerOffset uint64, footerLen uint32, err error) {
	if len(data) != TrailerSize {
		return 0, 0, fmt.Errorf("%w: trailer has wrong size", verrors.ErrCorruptSegment)
	}
	var magic [8]byte
	copy(magic[:], data[16:])
	if magic != TrailerMagic {
		return 0, 0, fmt.Errorf("%w: bad trailer magic", verrors.ErrCorruptSegment)
	}
	footerOffset = binary.LittleEndian.Uint64(data[0:8])
	footerLen = binary.LittleEndian.Uint32(data[8:12])
	return footerOffset, footerLen, nil
}
