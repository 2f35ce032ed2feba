package cache

import (
	"fmt"
	"sort"

	digest "github.com/opencontainers/go-digest"
)

// ChunkRange is one chunk's contribution to a byte-range read: the chunk
// plus the intra-chunk window [Start, End) of its uncompressed bytes.
type ChunkRange struct {
	Desc  ChunkDescriptor
	Start uint32
	End   uint32
}

// Len returns the number of bytes the range contributes.
func (r ChunkRange) Len() int {
	return int(r.End - r.Start)
}

// Index maps byte ranges of a blob's uncompressed view onto chunks.
//
// Implementations must be read-only, side-effect-free, and stable for the
// life of the mount. The engine consumes the index; it never owns or
// mutates chunk metadata.
type Index interface {
	// Resolve returns the ordered chunks overlapping
	// [offset, offset+length), with intra-chunk windows trimmed to the
	// requested range.
	Resolve(blobID digest.Digest, offset, length uint64) ([]ChunkRange, error)
}

// StaticIndex is an in-memory Index over a fixed, ordered chunk table.
// It serves tests, the warming CLI, and embedders whose chunk metadata is
// already materialized.
type StaticIndex struct {
	blobID digest.Digest
	chunks []ChunkDescriptor
	size   uint64
}

// NewStaticIndex builds an index from chunks ordered by uncompressed
// offset. Chunks must tile the blob contiguously from offset zero.
func NewStaticIndex(blobID digest.Digest, chunks []ChunkDescriptor) (*StaticIndex, error) {
	if len(chunks) == 0 {
		return nil, fmt.Errorf("index: no chunks")
	}
	var next uint64
	for i := range chunks {
		d := &chunks[i]
		if d.Index != uint32(i) {
			return nil, fmt.Errorf("index: chunk %d carries index %d", i, d.Index)
		}
		if d.UncompressedOffset != next {
			return nil, fmt.Errorf("index: chunk %d starts at %d, want %d", i, d.UncompressedOffset, next)
		}
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("index: %w", err)
		}
		next += uint64(d.UncompressedSize)
	}
	return &StaticIndex{
		blobID: blobID,
		chunks: append([]ChunkDescriptor(nil), chunks...),
		size:   next,
	}, nil
}

// Size returns the blob's uncompressed size.
func (x *StaticIndex) Size() uint64 {
	return x.size
}

// Chunks returns the full descriptor table.
func (x *StaticIndex) Chunks() []ChunkDescriptor {
	return x.chunks
}

// Resolve implements Index.
func (x *StaticIndex) Resolve(blobID digest.Digest, offset, length uint64) ([]ChunkRange, error) {
	if blobID != x.blobID {
		return nil, fmt.Errorf("index: unknown blob %s", blobID)
	}
	if length == 0 {
		return nil, nil
	}
	end := offset + length
	if end < offset || end > x.size {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, offset, end, x.size)
	}

	// First chunk whose end is past the requested offset.
	first := sort.Search(len(x.chunks), func(i int) bool {
		d := &x.chunks[i]
		return d.UncompressedOffset+uint64(d.UncompressedSize) > offset
	})

	var ranges []ChunkRange
	for i := first; i < len(x.chunks); i++ {
		d := &x.chunks[i]
		if d.UncompressedOffset >= end {
			break
		}
		r := ChunkRange{Desc: *d}
		if offset > d.UncompressedOffset {
			r.Start = uint32(offset - d.UncompressedOffset)
		}
		r.End = d.UncompressedSize
		if chunkEnd := d.UncompressedOffset + uint64(d.UncompressedSize); end < chunkEnd {
			r.End = uint32(end - d.UncompressedOffset)
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}
