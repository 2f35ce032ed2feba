package config

import (
	"os"
	"path/filepath"
	"testing"

	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/lazyblob"
	"github.com/meigma/lazyblob/backend"
)

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lazyblob.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validManifest = `
cache_dir: /var/cache/lazyblob
blobs:
  - id: sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae
    uncompressed_size: 131072
    backend:
      kind: registry
      endpoint: ghcr.io
      repository: org/image
      rate_limit:
        requests_per_sec: 50
        bytes_per_sec: 10485760
    chunks:
      - digest: sha256:fcde2b2edba56bf408601fb721fe9b5c338d10ee429ea04fae5511b68fbf8fb9
        compressed_offset: 0
        compressed_size: 30000
        uncompressed_offset: 0
        uncompressed_size: 65536
        compression: zstd
      - compressed_offset: 0
        compressed_size: 0
        uncompressed_offset: 65536
        uncompressed_size: 65536
        hole: true
    prefetch:
      - offset: 0
        length: 65536
`

func TestLoad(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeManifest(t, validManifest))
	require.NoError(t, err)

	assert.Equal(t, "/var/cache/lazyblob", cfg.CacheDir)
	require.Len(t, cfg.Blobs, 1)

	info, err := cfg.Blobs[0].Info()
	require.NoError(t, err)
	assert.Equal(t, digest.Digest("sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae"), info.ID)
	assert.Equal(t, uint64(131072), info.UncompressedSize)
	assert.Equal(t, backend.KindRegistry, info.Backend.Kind)
	assert.Equal(t, 50.0, info.Backend.RateLimit.RequestsPerSec)

	require.Len(t, info.Chunks, 2)
	c0 := info.Chunks[0]
	assert.Equal(t, info.ID, c0.BlobID)
	assert.Equal(t, uint32(0), c0.Index)
	assert.Equal(t, lazyblob.CompressionZstd, c0.Compression)
	assert.True(t, c0.Compressed)
	assert.Equal(t, uint32(30000), c0.CompressedSize)

	c1 := info.Chunks[1]
	assert.True(t, c1.Hole)
	assert.Equal(t, uint64(65536), c1.UncompressedOffset)

	require.Len(t, cfg.Blobs[0].Prefetch, 1)
	assert.Equal(t, uint64(65536), cfg.Blobs[0].Prefetch[0].Length)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := Load(writeManifest(t, "cache_dir: [unterminated"))
	assert.Error(t, err)
}

func TestLoadRejectsMissingCacheDir(t *testing.T) {
	t.Parallel()

	_, err := Load(writeManifest(t, `
blobs:
  - id: sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae
    backend: {kind: localfs, dir: /data}
    chunks:
      - digest: sha256:fcde2b2edba56bf408601fb721fe9b5c338d10ee429ea04fae5511b68fbf8fb9
        compressed_size: 16
        uncompressed_size: 16
`))
	assert.Error(t, err)
}

func TestLoadRejectsBadBlobID(t *testing.T) {
	t.Parallel()

	_, err := Load(writeManifest(t, `
cache_dir: /tmp/cache
blobs:
  - id: not-a-digest
    backend: {kind: localfs, dir: /data}
    chunks:
      - digest: sha256:fcde2b2edba56bf408601fb721fe9b5c338d10ee429ea04fae5511b68fbf8fb9
        compressed_size: 16
        uncompressed_size: 16
`))
	assert.Error(t, err)
}

func TestLoadRejectsBadCompression(t *testing.T) {
	t.Parallel()

	_, err := Load(writeManifest(t, `
cache_dir: /tmp/cache
blobs:
  - id: sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae
    backend: {kind: localfs, dir: /data}
    chunks:
      - digest: sha256:fcde2b2edba56bf408601fb721fe9b5c338d10ee429ea04fae5511b68fbf8fb9
        compressed_size: 16
        uncompressed_size: 16
        compression: gzip
`))
	assert.Error(t, err)
}

func TestLoadRejectsNoChunks(t *testing.T) {
	t.Parallel()

	_, err := Load(writeManifest(t, `
cache_dir: /tmp/cache
blobs:
  - id: sha256:2c26b46b68ffc68ff99b453c1d30413413422d706483bfa0f98a5e886266e7ae
    backend: {kind: localfs, dir: /data}
    chunks: []
`))
	assert.Error(t, err)
}
