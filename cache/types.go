package cache

import (
	"fmt"

	digest "github.com/opencontainers/go-digest"
)

// Compression identifies the algorithm used for a chunk's stored form.
type Compression uint8

// Supported chunk compression algorithms.
const (
	CompressionNone Compression = iota
	CompressionLZ4
	CompressionZstd
)

// String returns the configuration name of the algorithm.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCompression parses a compression algorithm from its configuration
// name.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression algorithm: %q", name)
	}
}

// ChunkDescriptor describes one chunk's identity, location and size.
//
// Descriptors are immutable once constructed and owned by the metadata
// index; the cache engine references chunks by (blob id, chunk index).
type ChunkDescriptor struct {
	// BlobID is the content digest of the owning blob.
	BlobID digest.Digest

	// Index is the chunk's position within the blob.
	Index uint32

	// Digest is the content digest of the chunk's uncompressed bytes.
	Digest digest.Digest

	// CompressedOffset and CompressedSize locate the chunk's stored
	// form within the blob's compressed data.
	CompressedOffset uint64
	CompressedSize   uint32

	// UncompressedOffset and UncompressedSize locate the chunk within
	// the blob's uncompressed view, which is also its position in the
	// local store.
	UncompressedOffset uint64
	UncompressedSize   uint32

	// Compression is the algorithm used for the stored form. Ignored
	// unless Compressed is set.
	Compression Compression

	// Compressed reports whether the stored form is compressed. Chunks
	// that grow under compression are stored plain.
	Compressed bool

	// Hole marks an all-zero chunk with no stored form. Holes are
	// served as zeros without touching any backend.
	Hole bool
}

// Validate checks the descriptor's internal consistency.
func (d *ChunkDescriptor) Validate() error {
	if d.Hole {
		if d.UncompressedSize == 0 {
			return fmt.Errorf("chunk %d: hole with zero size", d.Index)
		}
		return nil
	}
	if err := d.BlobID.Validate(); err != nil {
		return fmt.Errorf("chunk %d: invalid blob id: %w", d.Index, err)
	}
	if err := d.Digest.Validate(); err != nil {
		return fmt.Errorf("chunk %d: invalid chunk digest: %w", d.Index, err)
	}
	if d.UncompressedSize == 0 || d.CompressedSize == 0 {
		return fmt.Errorf("chunk %d: zero size", d.Index)
	}
	if !d.Compressed && d.CompressedSize != d.UncompressedSize {
		return fmt.Errorf("chunk %d: uncompressed chunk with mismatched sizes", d.Index)
	}
	return nil
}
