// Package compression wires the value log's per-blob compression codecs.
// Compression is applied to the value only; keys are always stored plain
// so GC can repopulate the external index without decompressing.
package compression

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
)

// Codec identifies a compression algorithm. It is serialized as a single
// byte in both the blob header and the segment footer.
type Codec uint8

const (
	// None stores the value as-is.
	None Codec = iota
	// Snappy compresses the value with snappy.
	Snappy
	// Zstd compresses the value with zstd.
	Zstd
)

// String returns a human-readable codec name, mostly for logging.
func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// ErrUnknownCodec is returned when an unsupported codec byte is encountered.
var ErrUnknownCodec = fmt.Errorf("vlog: unknown compression codec")

// Manager compresses and decompresses values for a given codec. It owns a
// reusable zstd encoder/decoder pair the way kevo's replication package
// keeps one CompressionManager per stream instead of allocating per call.
type Manager struct {
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// NewManager creates a Manager with initialized zstd codecs.
func NewManager() (*Manager, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("vlog: create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("vlog: create zstd decoder: %w", err)
	}
	return &Manager{zstdEncoder: enc, zstdDecoder: dec}, nil
}

// Compress compresses data with the given codec.
func (m *Manager) Compress(codec Codec, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch codec {
	case None:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case Zstd:
		return m.zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

// Decompress decompresses data that was compressed with the given codec.
func (m *Manager) Decompress(codec Codec, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return data, nil
	}
	switch codec {
	case None:
		return data, nil
	case Snappy:
		return snappy.Decode(nil, data)
	case Zstd:
		return m.zstdDecoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownCodec, codec)
	}
}

// Close releases the zstd encoder/decoder.
func (m *Manager) Close() error {
	if m.zstdEncoder != nil {
		m.zstdEncoder.Close()
		m.zstdEncoder = nil
	}
	if m.zstdDecoder != nil {
		m.zstdDecoder.Close()
		m.zstdDecoder = nil
	}
	return nil
}

