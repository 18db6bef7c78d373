// Package vlog wires the blob codec, segment writer/reader, manifest,
// segment set, staleness tracker, cache, and GC coordinator into the
// value log's public surface: a handful of operations an embedding
// key-value-separated store calls directly (spec.md §4.8). It plays the
// same role kevo's top-level engine package plays for the LSM tree: a
// thin coordinator over already-independent packages, guarding
// manifest/segment-set mutation with a single writer lock while reads
// take no global lock at all.
package vlog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jeremytregunna/vlog/pkg/cache"
	"github.com/jeremytregunna/vlog/pkg/compression"
	"github.com/jeremytregunna/vlog/pkg/config"
	verrors "github.com/jeremytregunna/vlog/pkg/errors"
	"github.com/jeremytregunna/vlog/pkg/gc"
	"github.com/jeremytregunna/vlog/pkg/log"
	"github.com/jeremytregunna/vlog/pkg/manifest"
	"github.com/jeremytregunna/vlog/pkg/segment"
	"github.com/jeremytregunna/vlog/pkg/segset"
	"github.com/jeremytregunna/vlog/pkg/staleness"
)

// ValueLog is the opened, running value log.
type ValueLog struct {
	cfg *config.Config
	log log.Logger

	manifest   *manifest.Manifest
	segset     *segset.Set
	staleness  *staleness.Tracker
	cache      *cache.Cache
	compressor *compression.Manager
	gc         *gc.Coordinator

	nextSegmentID atomic.Uint64

	mu sync.Mutex // guards manifest/segment-set mutation: writer finish, GC
}

// Option configures Open.
type Option func(*ValueLog)

// WithLogger injects a Logger; the default is log.Noop().
func WithLogger(l log.Logger) Option {
	return func(v *ValueLog) { v.log = l }
}

// Open opens (or creates) a value log rooted at cfg.Dir, recovering its
// manifest and segment set if one already exists there.
func Open(cfg *config.Config, idx gc.Index, opts ...Option) (*ValueLog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m, err := manifest.Recover(cfg.Dir)
	if err != nil {
		return nil, err
	}

	ss, err := segset.Open(cfg.Dir, m)
	if err != nil {
		return nil, err
	}

	compressor, err := compression.NewManager()
	if err != nil {
		ss.CloseAll()
		return nil, err
	}

	st := staleness.New()
	for _, e := range m.List() {
		st.Register(e.ID, e.Items, e.TotalDisk)
	}

	c := cache.NewCache(cfg.CacheCapacityBytes)

	v := &ValueLog{
		cfg:        cfg,
		log:        log.Noop(),
		manifest:   m,
		segset:     ss,
		staleness:  st,
		cache:      c,
		compressor: compressor,
	}
	for _, o := range opts {
		o(v)
	}

	var maxID uint64
	for _, e := range m.List() {
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	v.nextSegmentID.Store(maxID + 1)

	v.gc = gc.New(gc.Options{
		Dir:               cfg.Dir,
		Manifest:          m,
		SegmentSet:        ss,
		Staleness:         st,
		Cache:             c,
		Index:             idx,
		Compressor:        compressor,
		NextSegmentID:     v.allocateSegmentID,
		SegmentTargetSize: int64(cfg.SegmentTargetSize),
		WriteBufferSize:   cfg.WriteBufferSize,
	})

	v.log.Info("value log opened dir=%s segments=%d", cfg.Dir, ss.Len())
	return v, nil
}

func (v *ValueLog) allocateSegmentID() uint64 {
	return v.nextSegmentID.Add(1) - 1
}

// Get resolves a handle to its value, using the cache first and falling
// back to the segment reader on a miss. tenant scopes the cache entry,
// letting multiple value logs share one Cache instance. key is only
// populated on a cache miss, where the segment reader decodes it anyway;
// callers already know the key they looked up to get h, so this is a
// convenience, not the primary return.
func (v *ValueLog) Get(tenant uint64, h segment.Handle) (key, value []byte, err error) {
	cacheKey := cache.Key{Tenant: tenant, SegmentID: h.SegmentID, Offset: h.Offset}
	if cached, ok := v.cache.Get(cacheKey); ok {
		return nil, cached, nil
	}

	reader, ok := v.segset.Get(h.SegmentID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: segment %d not live", verrors.ErrNotFound, h.SegmentID)
	}

	key, value, err = reader.ReadAt(h, v.compressor)
	if err != nil {
		return nil, nil, err
	}

	v.cache.Insert(cacheKey, value)
	return key, value, nil
}

// Writer is a handle for appending blobs into a single new segment.
// Multiple Writers may be open concurrently, each producing a distinct
// segment (spec.md §5): there is no shared mutable write buffer between
// them.
type Writer struct {
	v       *ValueLog
	builder *segment.Builder
	id      uint64
}

// RegisterWriter opens a new segment builder, ready to accept appends.
func (v *ValueLog) RegisterWriter() (*Writer, error) {
	id := v.allocateSegmentID()
	path := manifest.SegmentPath(v.cfg.Dir, id)
	b, err := segment.NewBuilder(path, id, v.cfg.DefaultCompression, v.compressor, v.cfg.WriteBufferSize)
	if err != nil {
		return nil, err
	}
	return &Writer{v: v, builder: b, id: id}, nil
}

// Append writes one blob and returns its handle. Within a single Writer,
// appended blobs appear in the resulting segment in call order.
func (w *Writer) Append(key, value []byte) (segment.Handle, error) {
	return w.builder.Append(key, value)
}

// Finish durably finalizes the writer's segment and registers it in the
// manifest and live segment set. A Get for any handle this Writer
// returned is only guaranteed to succeed after Finish returns —
// publishing those handles into the caller's index is the caller's
// responsibility, and must happen only after Finish, per spec.md §5's
// happens-before ordering between segment registration and index
// publication.
func (w *Writer) Finish() (*segment.Metadata, error) {
	meta, err := w.builder.Finish()
	if err != nil {
		return nil, err
	}

	entry := manifest.Entry{
		ID:          meta.ID,
		Items:       meta.Items,
		TotalRaw:    meta.TotalRaw,
		TotalDisk:   meta.TotalDisk,
		MinKey:      meta.MinKey,
		MaxKey:      meta.MaxKey,
		Compression: meta.Compression,
	}

	w.v.mu.Lock()
	defer w.v.mu.Unlock()

	if err := w.v.manifest.Register(entry); err != nil {
		return nil, err
	}
	reader, err := segment.OpenReader(meta.Path, meta.ID)
	if err != nil {
		return nil, err
	}
	w.v.segset.Add(reader, entry)
	w.v.staleness.Register(meta.ID, meta.Items, meta.TotalDisk)

	return meta, nil
}

// Abort discards a partially-written segment.
func (w *Writer) Abort() error {
	return w.builder.Abort()
}

// MarkStale records that the blob at h has become stale (superseded or
// deleted). The stale byte count recorded is h.Size, the handle's on-disk
// record size.
func (v *ValueLog) MarkStale(h segment.Handle) {
	v.staleness.MarkStale(h.SegmentID, uint64(h.Size))
}

// GC runs one garbage-collection cycle using strategy, under the
// coordinator's single writer lock — two GC passes never run
// concurrently (spec.md §4.9's concurrency requirement). A second
// concurrent call waits for that lock and runs after the first returns;
// it does not receive ErrBusy, which only gc.Coordinator.Run returns
// when it is called directly while a cycle is in flight.
func (v *ValueLog) GC(ctx context.Context, strategy gc.Strategy) (*gc.Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gc.Run(ctx, strategy)
}

// GCDefault runs one GC cycle using the strategy named by the value log's
// own Config (GCStrategy/GCTargetRatio/GCStaleThreshold), for embedders
// that would rather tune GC through Config than construct a gc.Strategy
// value themselves.
func (v *ValueLog) GCDefault(ctx context.Context) (*gc.Report, error) {
	return v.GC(ctx, v.cfg.BuildStrategy())
}

// SpaceAmp reports the value log's current overall space amplification.
func (v *ValueLog) SpaceAmp() float64 {
	return v.staleness.SpaceAmp()
}

// Stats is a snapshot of the value log's current state, derived from the
// segment set and staleness map rather than a separate counter service —
// spec.md §4.8 defines space_amp()/stats() as derived views, not
// independently-tracked metrics.
type Stats struct {
	LiveSegments int
	SpaceAmp     float64
	CacheBytes   int64
	CacheEntries int
}

// Stats returns a point-in-time snapshot.
func (v *ValueLog) Stats() Stats {
	return Stats{
		LiveSegments: v.segset.Len(),
		SpaceAmp:     v.staleness.SpaceAmp(),
		CacheBytes:   v.cache.Size(),
		CacheEntries: v.cache.Len(),
	}
}

// Close releases all open segment readers and the compression manager.
func (v *ValueLog) Close() error {
	v.segset.CloseAll()
	return v.compressor.Close()
}
