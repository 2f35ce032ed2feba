package lazyblob

import (
	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/lazyblob/cache"
)

// Types re-exported from cache so common use needs only this package.
type (
	// ChunkDescriptor is the complete metadata record for one chunk.
	ChunkDescriptor = cache.ChunkDescriptor

	// ChunkRange is a chunk plus the window of it a read needs.
	ChunkRange = cache.ChunkRange

	// Compression identifies a chunk compression algorithm.
	Compression = cache.Compression

	// Index maps blob byte ranges to the chunks that cover them.
	Index = cache.Index

	// StaticIndex is an Index over a fixed, contiguous chunk table.
	StaticIndex = cache.StaticIndex
)

// Compression algorithms.
const (
	CompressionNone = cache.CompressionNone
	CompressionLZ4  = cache.CompressionLZ4
	CompressionZstd = cache.CompressionZstd
)

// ParseCompression parses a compression algorithm from its configuration
// name ("none", "lz4", "zstd").
func ParseCompression(name string) (Compression, error) {
	return cache.ParseCompression(name)
}

// NewStaticIndex builds an index over a blob's chunk table. The chunks
// must tile the blob's uncompressed view contiguously from offset zero.
func NewStaticIndex(blobID digest.Digest, chunks []ChunkDescriptor) (*StaticIndex, error) {
	return cache.NewStaticIndex(blobID, chunks)
}
