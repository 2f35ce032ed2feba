package lazyblob_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/lazyblob"
	"github.com/meigma/lazyblob/backend"
	"github.com/meigma/lazyblob/cache"
	"github.com/meigma/lazyblob/internal/testutil"
)

// localBlob materializes a synthetic blob and stages its stored form in a
// directory served by a localfs backend.
func localBlob(t *testing.T, seed int64, specs []testutil.TestChunk) (*testutil.TestBlob, lazyblob.BlobInfo) {
	t.Helper()
	tb := testutil.BuildBlob(t, seed, specs)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, tb.ID.Encoded()), tb.Stored, 0o644))
	return tb, lazyblob.BlobInfo{
		ID:               tb.ID,
		UncompressedSize: uint64(len(tb.Plain)),
		Chunks:           tb.Chunks,
		Backend:          backend.Config{Kind: backend.KindLocalFS, Dir: dir},
	}
}

func zstdChunks(n int, size uint32) []testutil.TestChunk {
	specs := make([]testutil.TestChunk, n)
	for i := range specs {
		specs[i] = testutil.TestChunk{Size: size, Compression: cache.CompressionZstd}
	}
	return specs
}

func TestDeviceMountReadUnmount(t *testing.T) {
	t.Parallel()

	tb, info := localBlob(t, 1, zstdChunks(4, 8192))
	dev := lazyblob.NewDevice(t.TempDir())
	defer dev.Close()

	require.NoError(t, dev.Mount(context.Background(), info))

	got, err := dev.Read(context.Background(), tb.ID, 4000, 12000)
	require.NoError(t, err)
	assert.Equal(t, tb.Plain[4000:16000], got)

	ready, total, err := dev.ReadyCount(tb.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ready)
	assert.Equal(t, uint32(4), total)

	require.NoError(t, dev.Unmount(tb.ID))
	_, err = dev.Read(context.Background(), tb.ID, 0, 1)
	assert.True(t, errors.Is(err, lazyblob.ErrNotMounted))
}

func TestDeviceSharedMount(t *testing.T) {
	t.Parallel()

	tb, info := localBlob(t, 2, zstdChunks(2, 4096))
	dev := lazyblob.NewDevice(t.TempDir())
	defer dev.Close()

	// Two mounts of the same blob share one mount; the blob stays
	// readable until both are released.
	require.NoError(t, dev.Mount(context.Background(), info))
	require.NoError(t, dev.Mount(context.Background(), info))

	require.NoError(t, dev.Unmount(tb.ID))
	_, err := dev.Read(context.Background(), tb.ID, 0, 4096)
	require.NoError(t, err)

	require.NoError(t, dev.Unmount(tb.ID))
	_, err = dev.Read(context.Background(), tb.ID, 0, 4096)
	assert.True(t, errors.Is(err, lazyblob.ErrNotMounted))
}

func TestDevicePrefetch(t *testing.T) {
	t.Parallel()

	tb, info := localBlob(t, 3, zstdChunks(6, 4096))
	dev := lazyblob.NewDevice(t.TempDir())
	defer dev.Close()
	require.NoError(t, dev.Mount(context.Background(), info))

	require.NoError(t, dev.Prefetch(context.Background(), []lazyblob.PrefetchRequest{
		{BlobID: tb.ID, Offset: 0, Length: uint64(len(tb.Plain))},
	}))

	ok, err := dev.IsAllReady(tb.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDevicePrefetchSkipsUnmounted(t *testing.T) {
	t.Parallel()

	tb, info := localBlob(t, 4, zstdChunks(2, 4096))
	dev := lazyblob.NewDevice(t.TempDir())
	defer dev.Close()
	require.NoError(t, dev.Mount(context.Background(), info))

	// Requests against unmounted blobs are skipped, the rest still run.
	require.NoError(t, dev.Prefetch(context.Background(), []lazyblob.PrefetchRequest{
		{BlobID: digest.FromString("unmounted"), Offset: 0, Length: 100},
		{BlobID: tb.ID, Offset: 0, Length: 4096},
	}))

	ready, _, err := dev.ReadyCount(tb.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), ready)
}

func TestDeviceCacheSurvivesRemount(t *testing.T) {
	t.Parallel()

	tb, info := localBlob(t, 5, zstdChunks(3, 4096))
	cacheDir := t.TempDir()

	dev := lazyblob.NewDevice(cacheDir)
	require.NoError(t, dev.Mount(context.Background(), info))
	_, err := dev.Read(context.Background(), tb.ID, 0, uint64(len(tb.Plain)))
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	dev = lazyblob.NewDevice(cacheDir)
	defer dev.Close()
	require.NoError(t, dev.Mount(context.Background(), info))
	ok, err := dev.IsAllReady(tb.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeviceMountRejectsInvalidInfo(t *testing.T) {
	t.Parallel()

	dev := lazyblob.NewDevice(t.TempDir())
	defer dev.Close()

	err := dev.Mount(context.Background(), lazyblob.BlobInfo{})
	assert.Error(t, err)

	_, info := localBlob(t, 6, zstdChunks(1, 1024))
	info.Chunks = nil
	assert.Error(t, dev.Mount(context.Background(), info))
}

func TestDeviceClosed(t *testing.T) {
	t.Parallel()

	tb, info := localBlob(t, 7, zstdChunks(1, 1024))
	dev := lazyblob.NewDevice(t.TempDir())
	require.NoError(t, dev.Mount(context.Background(), info))
	require.NoError(t, dev.Close())

	assert.True(t, errors.Is(dev.Mount(context.Background(), info), lazyblob.ErrClosed))
	_, err := dev.Read(context.Background(), tb.ID, 0, 1)
	assert.True(t, errors.Is(err, lazyblob.ErrClosed))
}

func TestNewBackendUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := lazyblob.NewBackend(backend.Config{Kind: "ftp"})
	assert.Error(t, err)
}
