// Package localfs provides a backend reading blobs from a local directory.
//
// Blobs are stored as plain files named by their digest's encoded portion,
// e.g. <dir>/4355a46b19d3... for sha256 blobs. Files are opened once on
// first use and shared across fetches.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/lazyblob/backend"
)

// Backend serves blob ranges from files under a directory.
type Backend struct {
	dir string

	mu     sync.Mutex
	files  map[digest.Digest]*os.File
	closed bool
}

// New creates a local-file backend rooted at cfg.Dir.
func New(cfg backend.Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, errors.New("localfs: dir is empty")
	}
	return &Backend{
		dir:   cfg.Dir,
		files: make(map[digest.Digest]*os.File),
	}, nil
}

// Fetch implements backend.Backend.
func (b *Backend) Fetch(_ context.Context, blobID digest.Digest, offset uint64, size uint32) ([]byte, error) {
	if err := blobID.Validate(); err != nil {
		return nil, fmt.Errorf("localfs: invalid blob id: %w", err)
	}

	f, err := b.open(blobID)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	n, err := f.ReadAt(buf, int64(offset))
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("localfs: read %s at %d: %w", blobID.Encoded(), offset, err)
	}
	if uint32(n) < size {
		return nil, fmt.Errorf("%w: %s: %d of %d bytes at offset %d",
			backend.ErrTruncated, blobID.Encoded(), n, size, offset)
	}
	return buf, nil
}

// Check implements backend.Backend by verifying the blob directory exists.
func (b *Backend) Check(_ context.Context) error {
	info, err := os.Stat(b.dir)
	if err != nil {
		return fmt.Errorf("localfs: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("localfs: %s is not a directory", b.dir)
	}
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	for _, f := range b.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.files = nil
	return firstErr
}

func (b *Backend) open(blobID digest.Digest) (*os.File, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, backend.ErrClosed
	}
	if f, ok := b.files[blobID]; ok {
		return f, nil
	}

	path := filepath.Join(b.dir, blobID.Encoded())
	f, err := os.Open(path) //nolint:gosec // path is derived from a validated digest
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, blobID.Encoded())
		}
		return nil, fmt.Errorf("localfs: open %s: %w", path, err)
	}
	b.files[blobID] = f
	return f, nil
}
