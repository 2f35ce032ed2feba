package cache

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Store holds one blob's verified, decompressed chunks in a sparse file at
// their uncompressed offsets.
//
// The store is write-once, read-many: a chunk's region is written exactly
// once, by the holder of its fetch ticket, after the chunk is marked
// pending — so no two writers ever target the same region. Readers may
// touch any region already marked ready.
type Store struct {
	path string

	mu     sync.Mutex
	f      *os.File
	closed bool
}

// OpenStore opens or creates the local store file for a blob and sizes it
// to the blob's uncompressed length.
func OpenStore(path string, size uint64) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600) //nolint:gosec // path is derived from the blob digest
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("store: stat %s: %w", path, err)
	}
	if uint64(info.Size()) != size {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("store: size %s: %w", path, err)
		}
	}
	return &Store{path: path, f: f}, nil
}

// WriteChunk stores a chunk's verified bytes at its uncompressed offset.
func (s *Store) WriteChunk(desc *ChunkDescriptor, data []byte) error {
	if uint32(len(data)) != desc.UncompressedSize {
		return fmt.Errorf("store: chunk %d: %d bytes, want %d", desc.Index, len(data), desc.UncompressedSize)
	}
	s.mu.Lock()
	f, closed := s.f, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	// WriteAt is a positioned write; distinct chunks never overlap, so
	// concurrent chunk writes need no further serialization.
	if _, err := f.WriteAt(data, int64(desc.UncompressedOffset)); err != nil {
		return fmt.Errorf("store: write chunk %d: %w", desc.Index, err)
	}
	return nil
}

// ReadAt fills p from the blob's uncompressed view starting at off. Only
// regions belonging to ready chunks hold meaningful data; the caller is
// responsible for checking readiness first.
func (s *Store) ReadAt(p []byte, off uint64) error {
	s.mu.Lock()
	f, closed := s.f, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if _, err := f.ReadAt(p, int64(off)); err != nil && err != io.EOF {
		return fmt.Errorf("store: read at %d: %w", off, err)
	}
	return nil
}

// Close closes the store file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}
