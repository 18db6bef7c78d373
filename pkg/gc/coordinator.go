package gc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/jeremytregunna/vlog/pkg/cache"
	"github.com/jeremytregunna/vlog/pkg/compression"
	verrors "github.com/jeremytregunna/vlog/pkg/errors"
	"github.com/jeremytregunna/vlog/pkg/index"
	"github.com/jeremytregunna/vlog/pkg/manifest"
	"github.com/jeremytregunna/vlog/pkg/segment"
	"github.com/jeremytregunna/vlog/pkg/segset"
	"github.com/jeremytregunna/vlog/pkg/staleness"
)

// Index is the combined capability GC needs from the external index:
// resolving a key's current handle (to test liveness) and atomically
// retargeting handles after a rewrite.
type Index interface {
	index.Index
	index.CompareAndSwapper
}

// Coordinator runs the rewrite protocol (spec.md §4.9) against the live
// segment set, serializing GC cycles the same way
// compaction.DefaultCompactionCoordinator serializes compaction cycles —
// a mutex-guarded running flag that rejects a second cycle while one is in
// flight, with TriggerCompaction's analogue here being Run.
type Coordinator struct {
	dir        string
	manifest   *manifest.Manifest
	segset     *segset.Set
	staleness  *staleness.Tracker
	cache      *cache.Cache
	idx        Index
	compressor *compression.Manager
	nextID     func() uint64

	segmentTargetSize int64
	writeBufferSize   int

	mu      sync.Mutex
	running bool
}

// Options configures a Coordinator.
type Options struct {
	Dir               string
	Manifest          *manifest.Manifest
	SegmentSet        *segset.Set
	Staleness         *staleness.Tracker
	Cache             *cache.Cache
	Index             Index
	Compressor        *compression.Manager
	NextSegmentID     func() uint64
	SegmentTargetSize int64
	WriteBufferSize   int
}

// New creates a Coordinator from Options.
func New(opts Options) *Coordinator {
	return &Coordinator{
		dir:               opts.Dir,
		manifest:          opts.Manifest,
		segset:            opts.SegmentSet,
		staleness:         opts.Staleness,
		cache:             opts.Cache,
		idx:               opts.Index,
		compressor:        opts.Compressor,
		nextID:            opts.NextSegmentID,
		segmentTargetSize: opts.SegmentTargetSize,
		writeBufferSize:   opts.WriteBufferSize,
	}
}

// Report summarizes one GC cycle.
type Report struct {
	CandidatesConsidered int
	BlobsRewritten       int
	BlobsSkippedStale    int
	SegmentsRetired      []uint64
	SegmentsCreated      []uint64
}

// Run executes one GC cycle using strategy to select candidates. A second
// concurrent call to Run while one is already in flight returns
// ErrBusy immediately (spec.md §7), rather than queuing.
func (c *Coordinator) Run(ctx context.Context, strategy Strategy) (*Report, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: GC already running", verrors.ErrBusy)
	}
	c.running = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	// Step 1: stable snapshot of candidates and the segment-set view.
	entries := c.segset.Snapshot()
	candidates := strategy.Select(entries, c.staleness)

	report := &Report{CandidatesConsidered: len(candidates)}
	if len(candidates) == 0 {
		return report, nil
	}

	type rewritten struct {
		key       []byte
		oldHandle segment.Handle
		newHandle segment.Handle
	}
	var moves []rewritten
	var retiredIDs []uint64
	var createdMeta []*segment.Metadata

	builder, err := c.newSegmentBuilder()
	if err != nil {
		return report, err
	}
	defer func() {
		if builder != nil {
			builder.Abort()
		}
	}()

	finishCurrent := func() error {
		if builder == nil {
			return nil
		}
		if builder.Items() == 0 {
			err := builder.Abort()
			builder = nil
			return err
		}
		meta, err := builder.Finish()
		if err != nil {
			builder = nil
			return err
		}
		builder = nil
		createdMeta = append(createdMeta, meta)
		return nil
	}

	var runErr error

	for _, cand := range candidates {
		select {
		case <-ctx.Done():
			runErr = errors.Join(runErr, ctx.Err())
			goto finalize
		default:
		}

		reader, ok := c.segset.Get(cand.Entry.ID)
		if !ok {
			continue // already retired by a concurrent path; nothing to do
		}

		retiredThisSegment := true
		scanErr := reader.Scan(func(h segment.Handle, key, diskValue []byte, rawLen uint32, compressionTag uint8) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			handle, live, err := c.isLive(ctx, key, h)
			if err != nil {
				return err
			}
			if !live {
				report.BlobsSkippedStale++
				return nil
			}

			if int64(builder.Offset()) >= c.segmentTargetSize {
				if err := finishCurrent(); err != nil {
					return err
				}
				builder, err = c.newSegmentBuilder()
				if err != nil {
					return err
				}
			}

			newHandle, err := builder.AppendRaw(key, diskValue, rawLen, compressionTag)
			if err != nil {
				return err
			}
			report.BlobsRewritten++
			moves = append(moves, rewritten{key: append([]byte(nil), key...), oldHandle: handle, newHandle: newHandle})
			return nil
		})
		if scanErr != nil {
			retiredThisSegment = false
			runErr = errors.Join(runErr, fmt.Errorf("segment %d: %w", cand.Entry.ID, scanErr))
			if errors.Is(scanErr, context.Canceled) || errors.Is(scanErr, context.DeadlineExceeded) {
				goto finalize
			}
		}
		if retiredThisSegment {
			retiredIDs = append(retiredIDs, cand.Entry.ID)
		}
	}

finalize:
	if err := finishCurrent(); err != nil {
		return report, errors.Join(runErr, err)
	}

	// Step 4: durably register new segments before retiring old ones.
	for _, meta := range createdMeta {
		entry := manifest.Entry{
			ID:          meta.ID,
			Items:       meta.Items,
			TotalRaw:    meta.TotalRaw,
			TotalDisk:   meta.TotalDisk,
			MinKey:      meta.MinKey,
			MaxKey:      meta.MaxKey,
			Compression: meta.Compression,
		}
		if err := c.manifest.Register(entry); err != nil {
			return report, errors.Join(runErr, err)
		}
		r, err := segment.OpenReader(meta.Path, meta.ID)
		if err != nil {
			return report, errors.Join(runErr, err)
		}
		c.segset.Add(r, entry)
		c.staleness.Register(meta.ID, meta.Items, meta.TotalDisk)
		report.SegmentsCreated = append(report.SegmentsCreated, meta.ID)
	}

	// Step 5: conditional swap in the external index.
	if len(moves) > 0 {
		updates := make([]index.Update, len(moves))
		for i, m := range moves {
			updates[i] = index.Update{Key: m.key, OldHandle: m.oldHandle, NewHandle: m.newHandle}
		}
		applied, err := c.idx.CompareAndSwap(ctx, updates)
		if err != nil {
			return report, errors.Join(runErr, err)
		}
		// A failed swap means a newer write superseded the key while GC ran,
		// so the rewritten copy is stale from the moment it exists.
		for i, ok := range applied {
			if !ok && i < len(moves) {
				c.staleness.MarkStale(moves[i].newHandle.SegmentID, uint64(moves[i].newHandle.Size))
			}
		}
	}

	// Step 6: unregister retired segments, purge cache, drop staleness
	// counters, and delete their files.
	if len(retiredIDs) > 0 {
		if err := c.manifest.Unregister(retiredIDs...); err != nil {
			return report, errors.Join(runErr, err)
		}
		c.segset.Remove(retiredIDs...)
		for _, id := range retiredIDs {
			c.cache.PurgeSegment(id)
			c.staleness.Forget(id)
			if err := os.Remove(manifest.SegmentPath(c.dir, id)); err != nil && !os.IsNotExist(err) {
				runErr = errors.Join(runErr, fmt.Errorf("%w: remove retired segment %d: %v", verrors.ErrIo, id, err))
			}
		}
		report.SegmentsRetired = retiredIDs
	}

	return report, runErr
}

// isLive asks the external index whether key still resolves to h.
func (c *Coordinator) isLive(ctx context.Context, key []byte, h segment.Handle) (segment.Handle, bool, error) {
	current, found, err := c.idx.Lookup(ctx, key)
	if err != nil {
		return h, false, err
	}
	if !found || current != h {
		return h, false, nil
	}
	return h, true, nil
}

func (c *Coordinator) newSegmentBuilder() (*segment.Builder, error) {
	id := c.nextID()
	path := manifest.SegmentPath(c.dir, id)
	return segment.NewBuilder(path, id, compression.None, c.compressor, c.writeBufferSize)
}
