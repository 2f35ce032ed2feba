// Package cache implements the blob chunk cache and backend-fetch engine.
//
// A Blob serves byte-range reads over one content-addressed blob. Reads
// resolve to chunks through a metadata Index; missing chunks are fetched
// from a pluggable backend, digest-verified, decompressed, and written to
// a local write-once store so later reads are served locally. Chunk
// readiness is tracked in a per-chunk state table with single-flight fetch
// deduplication and persisted to a bitmap that survives restarts.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/meigma/lazyblob/backend"
)

// Info identifies the blob a cache manager serves.
type Info struct {
	// ID is the blob's content digest.
	ID digest.Digest

	// ChunkCount is the number of chunks in the blob.
	ChunkCount uint32

	// CompressedSize is the size of the blob's stored form.
	CompressedSize uint64

	// UncompressedSize is the size of the blob's uncompressed view, and
	// of its local store file.
	UncompressedSize uint64
}

// Repeated digest mismatches on one chunk will not self-heal through
// retries; past this count they escalate from warnings to an alarm.
const digestMismatchAlarm = 3

// Blob orchestrates chunk-granular caching for one blob.
//
// Read and Prefetch share one path: resolve the range to chunks, make each
// chunk ready, copy from the local store. Each chunk's fetch is strictly
// serialized across concurrent callers; distinct chunks proceed
// independently.
type Blob struct {
	info    Info
	index   Index
	backend backend.Backend
	store   *Store
	bitmap  *Bitmap
	table   *StateTable

	logger          *slog.Logger
	metrics         *Metrics
	prefetchWorkers int

	mu         sync.Mutex
	mismatches map[uint32]int
	closed     bool
}

// Option configures a Blob.
type Option func(*Blob)

// WithLogger sets the logger for fetch failures and integrity alarms.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Blob) {
		b.logger = logger
	}
}

// WithMetrics attaches engine metrics.
func WithMetrics(m *Metrics) Option {
	return func(b *Blob) {
		b.metrics = m
	}
}

// WithPrefetchConcurrency sets the worker count used by Prefetch. Values
// < 1 force serial execution.
func WithPrefetchConcurrency(workers int) Option {
	return func(b *Blob) {
		if workers < 1 {
			workers = 1
		}
		b.prefetchWorkers = workers
	}
}

// New opens the cache for a blob under dir, restoring persisted chunk
// state. The backend is only consulted for chunks not already recorded
// ready. The backend handle stays owned by the caller.
func New(info Info, index Index, be backend.Backend, dir string, opts ...Option) (*Blob, error) {
	if err := info.ID.Validate(); err != nil {
		return nil, fmt.Errorf("cache: invalid blob id: %w", err)
	}
	if info.ChunkCount == 0 {
		return nil, fmt.Errorf("cache: blob %s has no chunks", info.ID.Encoded())
	}

	dataPath := filepath.Join(dir, info.ID.Encoded())
	store, err := OpenStore(dataPath, info.UncompressedSize)
	if err != nil {
		return nil, err
	}
	bitmap, err := LoadBitmap(dataPath+".chunkmap", info.ID, info.ChunkCount)
	if err != nil {
		store.Close()
		return nil, err
	}

	table := NewStateTable(info.ChunkCount)
	table.Restore(bitmap)

	b := &Blob{
		info:            info,
		index:           index,
		backend:         be,
		store:           store,
		bitmap:          bitmap,
		table:           table,
		prefetchWorkers: 4,
		mismatches:      make(map[uint32]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Blob) log() *slog.Logger {
	if b.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.logger
}

// ID returns the blob's content digest.
func (b *Blob) ID() digest.Digest {
	return b.info.ID
}

// Size returns the blob's uncompressed size.
func (b *Blob) Size() uint64 {
	return b.info.UncompressedSize
}

// ChunkCount returns the blob's chunk count.
func (b *Blob) ChunkCount() uint32 {
	return b.info.ChunkCount
}

// IsReady reports whether a chunk's verified bytes are in the local store.
func (b *Blob) IsReady(index uint32) bool {
	return b.table.IsReady(index)
}

// ReadyCount returns the number of locally cached chunks.
func (b *Blob) ReadyCount() uint32 {
	return b.table.ReadyCount()
}

// IsAllReady reports whether the whole blob is locally cached.
func (b *Blob) IsAllReady() bool {
	return b.table.AllReady()
}

// Read returns length bytes of the blob's uncompressed view starting at
// offset.
//
// Missing chunks are fetched concurrently, with each chunk's fetch
// deduplicated across all concurrent readers. One chunk's failure aborts
// the read with that chunk's error; sibling chunks that completed stay
// cached and valid.
func (b *Blob) Read(ctx context.Context, offset, length uint64) ([]byte, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if length == 0 {
		return nil, nil
	}

	ranges, err := b.index.Resolve(b.info.ID, offset, length)
	if err != nil {
		return nil, err
	}

	out := make([]byte, length)
	// Sibling fetches are independent: the group carries no shared
	// context, so one chunk's failure cannot cancel another mid-write.
	var g errgroup.Group
	pos := 0
	for _, r := range ranges {
		dst := out[pos : pos+r.Len()]
		pos += r.Len()
		g.Go(func() error {
			return b.readChunk(ctx, r, dst)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Prefetch warms the chunks overlapping [offset, offset+length).
// Best-effort: fetch failures are logged, not returned, and already-ready
// chunks are skipped. Only a canceled context stops the pass early.
func (b *Blob) Prefetch(ctx context.Context, offset, length uint64) error {
	if b.isClosed() {
		return ErrClosed
	}
	ranges, err := b.index.Resolve(b.info.ID, offset, length)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(b.prefetchWorkers)
	for _, r := range ranges {
		if r.Desc.Hole || b.table.IsReady(r.Desc.Index) {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := b.ensure(ctx, &r.Desc); err != nil {
				b.log().Warn("prefetch chunk failed",
					"blob", b.info.ID.Encoded(), "chunk", r.Desc.Index, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// readChunk fills dst with the chunk's [Start, End) window.
func (b *Blob) readChunk(ctx context.Context, r ChunkRange, dst []byte) error {
	if r.Desc.Hole {
		// Holes have no stored form; dst is already zeroed.
		return nil
	}
	if err := b.ensure(ctx, &r.Desc); err != nil {
		return err
	}
	return b.store.ReadAt(dst, r.Desc.UncompressedOffset+uint64(r.Start))
}

// ensure makes a chunk ready: the ticket owner runs the fetch, everyone
// else waits on the same in-flight operation and observes its outcome.
func (b *Blob) ensure(ctx context.Context, desc *ChunkDescriptor) error {
	ticket, state := b.table.BeginFetch(desc.Index)
	switch state {
	case FetchReady:
		b.metrics.observeHit()
		return nil
	case FetchShared:
		// Abandoning the wait detaches this caller only; the owner runs
		// to completion for whoever still waits.
		return b.table.Wait(ctx, ticket)
	default:
		err := b.fetch(ctx, desc)
		b.table.Complete(ticket, err)
		return err
	}
}

// fetch runs the full path for one chunk: backend fetch, decompression and
// verification, local store write, persisted-state update.
func (b *Blob) fetch(ctx context.Context, desc *ChunkDescriptor) error {
	raw, err := b.backend.Fetch(ctx, desc.BlobID, desc.CompressedOffset, desc.CompressedSize)
	if err != nil {
		b.metrics.observeFetchError()
		return fmt.Errorf("fetch chunk %d of %s: %w", desc.Index, b.info.ID.Encoded(), err)
	}
	b.metrics.observeFetch(desc.CompressedSize)

	data, err := Process(raw, desc)
	if err != nil {
		if errors.Is(err, ErrDigestMismatch) {
			b.recordMismatch(desc.Index)
		}
		return err
	}
	b.clearMismatch(desc.Index)

	if err := b.store.WriteChunk(desc, data); err != nil {
		return err
	}

	// Persist before publishing readiness so a recorded-ready chunk
	// always has its bytes in the store. A failed flush only costs a
	// re-fetch after restart.
	b.bitmap.Set(desc.Index)
	if err := b.bitmap.Flush(); err != nil {
		b.log().Warn("chunk state flush failed",
			"blob", b.info.ID.Encoded(), "chunk", desc.Index, "error", err)
	}
	return nil
}

// recordMismatch escalates repeated integrity failures on one chunk.
// Unlike transient backend faults these do not self-heal with retries.
func (b *Blob) recordMismatch(index uint32) {
	b.metrics.observeDigestMismatch()

	b.mu.Lock()
	b.mismatches[index]++
	n := b.mismatches[index]
	b.mu.Unlock()

	logger := b.log().With("blob", b.info.ID.Encoded(), "chunk", index, "count", n)
	if n >= digestMismatchAlarm {
		logger.Error("repeated digest mismatch, possible backend corruption or tampering")
	} else {
		logger.Warn("chunk digest mismatch")
	}
}

func (b *Blob) clearMismatch(index uint32) {
	b.mu.Lock()
	delete(b.mismatches, index)
	b.mu.Unlock()
}

func (b *Blob) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close flushes persisted chunk state and closes the local store. The
// backend handle belongs to the caller and is left open.
func (b *Blob) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if err := b.bitmap.Flush(); err != nil {
		b.log().Warn("chunk state flush failed on close", "blob", b.info.ID.Encoded(), "error", err)
	}
	return b.store.Close()
}
