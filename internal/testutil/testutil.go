// Package testutil provides synthetic blobs and in-memory backends for
// tests.
package testutil

import (
	"context"
	"fmt"
	"math/rand" //nolint:gosec // deterministic content for reproducible tests
	"sync"
	"testing"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/lazyblob/backend"
	"github.com/meigma/lazyblob/cache"
)

// TestChunk describes one chunk of a synthetic blob.
type TestChunk struct {
	// Size is the chunk's uncompressed size.
	Size uint32

	// Compression selects the stored form's algorithm.
	Compression cache.Compression

	// Hole marks an all-zero chunk with no stored form.
	Hole bool
}

// TestBlob is a fully materialized synthetic blob: its plain view, its
// stored (compressed) form, and the matching chunk table.
type TestBlob struct {
	ID     digest.Digest
	Plain  []byte
	Stored []byte
	Chunks []cache.ChunkDescriptor
}

// BuildBlob materializes a blob from chunk specs. Content is
// deterministic per seed and compressible (a repeated seeded pattern, so
// lz4 block compression never rejects it), chunks are laid out
// contiguously, and every descriptor carries the digest of its
// uncompressed bytes.
func BuildBlob(tb testing.TB, seed int64, specs []TestChunk) *TestBlob {
	tb.Helper()

	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // reproducibility over randomness quality
	b := &TestBlob{}
	var plainOff, storedOff uint64
	for i, spec := range specs {
		plain := make([]byte, spec.Size)
		if !spec.Hole {
			pattern := make([]byte, 64)
			rng.Read(pattern)
			for off := 0; off < len(plain); off += copy(plain[off:], pattern) {
			}
		}

		desc := cache.ChunkDescriptor{
			Index:              uint32(i), //nolint:gosec // test tables fit uint32
			UncompressedOffset: plainOff,
			UncompressedSize:   spec.Size,
			Hole:               spec.Hole,
		}
		if !spec.Hole {
			stored, err := cache.Compress(plain, spec.Compression)
			if err != nil {
				tb.Fatalf("compress chunk %d: %v", i, err)
			}
			desc.Digest = digest.FromBytes(plain)
			desc.CompressedOffset = storedOff
			desc.CompressedSize = uint32(len(stored)) //nolint:gosec // test chunks fit uint32
			desc.Compression = spec.Compression
			desc.Compressed = spec.Compression != cache.CompressionNone
			b.Stored = append(b.Stored, stored...)
			storedOff += uint64(len(stored))
		}

		b.Plain = append(b.Plain, plain...)
		b.Chunks = append(b.Chunks, desc)
		plainOff += uint64(spec.Size)
	}

	b.ID = digest.FromBytes(b.Plain)
	for i := range b.Chunks {
		b.Chunks[i].BlobID = b.ID
	}
	return b
}

// Backend is an in-memory backend serving stored blob bytes. It counts
// fetches and can inject per-call faults.
type Backend struct {
	mu      sync.Mutex
	blobs   map[digest.Digest][]byte
	fetches int

	// FetchHook, when set, runs before each fetch; a non-nil return is
	// handed to the caller instead of data.
	FetchHook func(blobID digest.Digest, offset uint64, size uint32) error

	closed bool
}

// NewBackend returns an empty in-memory backend.
func NewBackend() *Backend {
	return &Backend{blobs: make(map[digest.Digest][]byte)}
}

// Add registers a blob's stored form.
func (b *Backend) Add(blobID digest.Digest, stored []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[blobID] = stored
}

// AddBlob registers a synthetic blob.
func (b *Backend) AddBlob(tb *TestBlob) {
	b.Add(tb.ID, tb.Stored)
}

// Fetches returns the number of Fetch calls that reached the data.
func (b *Backend) Fetches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fetches
}

// Fetch implements backend.Backend.
func (b *Backend) Fetch(_ context.Context, blobID digest.Digest, offset uint64, size uint32) ([]byte, error) {
	b.mu.Lock()
	hook := b.FetchHook
	data, ok := b.blobs[blobID]
	closed := b.closed
	b.mu.Unlock()

	if closed {
		return nil, backend.ErrClosed
	}
	if hook != nil {
		if err := hook(blobID, offset, size); err != nil {
			return nil, err
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, blobID.Encoded())
	}
	end := offset + uint64(size)
	if end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", backend.ErrTruncated, offset, end, len(data))
	}

	b.mu.Lock()
	b.fetches++
	b.mu.Unlock()
	return append([]byte(nil), data[offset:end]...), nil
}

// Check implements backend.Backend.
func (b *Backend) Check(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return backend.ErrClosed
	}
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
