package lazyblob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	digest "github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/meigma/lazyblob/backend"
	"github.com/meigma/lazyblob/cache"
)

// Device-level errors.
var (
	// ErrClosed is returned when operating on a closed device.
	ErrClosed = errors.New("lazyblob: device closed")

	// ErrNotMounted is returned when operating on a blob the device has
	// not mounted.
	ErrNotMounted = errors.New("lazyblob: blob not mounted")
)

// BlobInfo describes a blob to mount: its identity, chunk layout, and the
// backend that serves its bytes.
type BlobInfo struct {
	// ID is the blob's content digest.
	ID digest.Digest

	// CompressedSize is the size of the blob's stored form. Optional.
	CompressedSize uint64

	// UncompressedSize is the size of the blob's uncompressed view.
	// When zero it is derived from the chunk table.
	UncompressedSize uint64

	// Chunks is the blob's complete chunk table, ordered by index, tiling
	// the uncompressed view contiguously from offset zero.
	Chunks []ChunkDescriptor

	// Backend configures the transport serving the blob's stored form.
	// Mounts with identical backend configurations share one instance.
	Backend backend.Config
}

// PrefetchRequest names a range of one mounted blob to warm ahead of
// demand.
type PrefetchRequest struct {
	BlobID digest.Digest
	Offset uint64
	Length uint64
}

// Device is the mount point for a set of lazily loaded blobs.
//
// Mounting the same blob again shares the existing mount; each Mount must
// be paired with an Unmount. Backends are pooled across mounts by
// configuration, so blobs served from the same endpoint share connections
// and rate limits.
type Device struct {
	cacheDir string
	pool     *backend.Pool
	logger   *slog.Logger
	metrics  *cache.Metrics

	mu     sync.Mutex
	mounts map[digest.Digest]*mount
	closed bool
}

type mount struct {
	blob   *cache.Blob
	handle *backend.Handle
	refs   int
}

// DeviceOption configures a Device.
type DeviceOption func(*Device)

// WithLogger sets the device's logger. Subcomponents inherit it.
func WithLogger(logger *slog.Logger) DeviceOption {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithMetricsRegistry registers the engine's Prometheus collectors with
// reg and attaches them to every mount.
func WithMetricsRegistry(reg prometheus.Registerer) DeviceOption {
	return func(d *Device) {
		d.metrics = cache.NewMetrics(reg)
	}
}

// NewDevice creates a device caching blob content under cacheDir.
func NewDevice(cacheDir string, opts ...DeviceOption) *Device {
	d := &Device{
		cacheDir: cacheDir,
		mounts:   make(map[digest.Digest]*mount),
	}
	for _, opt := range opts {
		opt(d)
	}
	poolOpts := []backend.PoolOption{}
	if d.logger != nil {
		poolOpts = append(poolOpts, backend.WithPoolLogger(d.logger))
	}
	d.pool = backend.NewPool(NewBackend, poolOpts...)
	return d
}

// Mount makes a blob readable through the device. Mounting an
// already-mounted blob shares the existing mount and its cached state;
// every Mount call must be balanced by an Unmount.
func (d *Device) Mount(ctx context.Context, info BlobInfo) error {
	if err := info.ID.Validate(); err != nil {
		return fmt.Errorf("lazyblob: invalid blob id: %w", err)
	}
	if len(info.Chunks) == 0 {
		return fmt.Errorf("lazyblob: blob %s has no chunks", info.ID.Encoded())
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if m, ok := d.mounts[info.ID]; ok {
		m.refs++
		return nil
	}

	idx, err := cache.NewStaticIndex(info.ID, info.Chunks)
	if err != nil {
		return err
	}
	size := info.UncompressedSize
	if size == 0 {
		last := info.Chunks[len(info.Chunks)-1]
		size = last.UncompressedOffset + uint64(last.UncompressedSize)
	}

	if err := os.MkdirAll(d.cacheDir, 0o700); err != nil {
		return fmt.Errorf("lazyblob: cache dir: %w", err)
	}
	handle, err := d.pool.Get(ctx, info.Backend)
	if err != nil {
		return err
	}

	blobOpts := []cache.Option{cache.WithMetrics(d.metrics)}
	if d.logger != nil {
		blobOpts = append(blobOpts, cache.WithLogger(d.logger))
	}
	b, err := cache.New(cache.Info{
		ID:               info.ID,
		ChunkCount:       uint32(len(info.Chunks)),
		CompressedSize:   info.CompressedSize,
		UncompressedSize: size,
	}, idx, handle, d.cacheDir, blobOpts...)
	if err != nil {
		handle.Close()
		return err
	}

	d.mounts[info.ID] = &mount{blob: b, handle: handle, refs: 1}
	return nil
}

// Unmount releases one Mount reference. The last release closes the
// mount's local store and returns its backend to the pool; cached chunk
// state stays on disk for the next Mount.
func (d *Device) Unmount(blobID digest.Digest) error {
	d.mu.Lock()
	m, ok := d.mounts[blobID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotMounted, blobID.Encoded())
	}
	m.refs--
	if m.refs > 0 {
		d.mu.Unlock()
		return nil
	}
	delete(d.mounts, blobID)
	d.mu.Unlock()

	return d.closeMount(m)
}

func (d *Device) closeMount(m *mount) error {
	err := m.blob.Close()
	if cerr := m.handle.Close(); err == nil {
		err = cerr
	}
	return err
}

func (d *Device) lookup(blobID digest.Digest) (*mount, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	m, ok := d.mounts[blobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMounted, blobID.Encoded())
	}
	return m, nil
}

// Read returns length bytes of a mounted blob's uncompressed view
// starting at offset, fetching any chunks not yet cached locally.
func (d *Device) Read(ctx context.Context, blobID digest.Digest, offset, length uint64) ([]byte, error) {
	m, err := d.lookup(blobID)
	if err != nil {
		return nil, err
	}
	return m.blob.Read(ctx, offset, length)
}

// Prefetch warms the requested ranges. Best-effort: fetch failures are
// logged and the remaining requests still run; requests for unmounted
// blobs are skipped with a warning.
func (d *Device) Prefetch(ctx context.Context, reqs []PrefetchRequest) error {
	for _, req := range reqs {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := d.lookup(req.BlobID)
		if err != nil {
			d.log().Warn("prefetch skipped", "blob", req.BlobID.Encoded(), "error", err)
			continue
		}
		if err := m.blob.Prefetch(ctx, req.Offset, req.Length); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			d.log().Warn("prefetch range failed",
				"blob", req.BlobID.Encoded(), "offset", req.Offset, "length", req.Length, "error", err)
		}
	}
	return nil
}

// IsAllReady reports whether a mounted blob is fully cached locally.
func (d *Device) IsAllReady(blobID digest.Digest) (bool, error) {
	m, err := d.lookup(blobID)
	if err != nil {
		return false, err
	}
	return m.blob.IsAllReady(), nil
}

// ReadyCount returns how many of a mounted blob's chunks are cached.
func (d *Device) ReadyCount(blobID digest.Digest) (uint32, uint32, error) {
	m, err := d.lookup(blobID)
	if err != nil {
		return 0, 0, err
	}
	return m.blob.ReadyCount(), m.blob.ChunkCount(), nil
}

func (d *Device) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

// Close unmounts everything and shuts down the backend pool. Cached chunk
// data and state stay on disk.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	mounts := d.mounts
	d.mounts = nil
	d.mu.Unlock()

	var err error
	for _, m := range mounts {
		if cerr := d.closeMount(m); err == nil {
			err = cerr
		}
	}
	if cerr := d.pool.Close(); err == nil {
		err = cerr
	}
	return err
}
