package cache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	digest "github.com/opencontainers/go-digest"
)

// Persisted chunk-state file layout: a fixed header followed by one bit
// per chunk (1 = verified-ready). The file sits beside the blob's local
// store and is rewritten atomically so a crash never leaves a partial
// bitmap.
const (
	bitmapMagic   uint32 = 0x4c5a_4253 // "LZBS"
	bitmapVersion uint32 = 1
)

// Bitmap is the persisted ready-state of one blob's chunks.
//
// Set bits are trusted on load without re-hashing: the local store is
// write-once and chunks are only recorded after digest verification.
type Bitmap struct {
	path       string
	blobID     digest.Digest
	chunkCount uint32

	mu   sync.Mutex
	bits []byte
}

// LoadBitmap opens the persisted bitmap at path, creating an empty one in
// memory when the file is missing. A file whose header does not match the
// blob is ignored (all chunks treated not-ready) rather than trusted.
func LoadBitmap(path string, blobID digest.Digest, chunkCount uint32) (*Bitmap, error) {
	bm := &Bitmap{
		path:       path,
		blobID:     blobID,
		chunkCount: chunkCount,
		bits:       make([]byte, (int(chunkCount)+7)/8),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is derived from the blob digest
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return bm, nil
		}
		return nil, fmt.Errorf("bitmap: read %s: %w", path, err)
	}
	if err := bm.decode(data); err != nil {
		// Stale or corrupt state costs a re-fetch, never corruption.
		return &Bitmap{
			path:       path,
			blobID:     blobID,
			chunkCount: chunkCount,
			bits:       make([]byte, (int(chunkCount)+7)/8),
		}, nil
	}
	return bm, nil
}

func (b *Bitmap) decode(data []byte) error {
	r := bytes.NewReader(data)
	var magic, version, count, idLen uint32
	for _, v := range []*uint32{&magic, &version, &count, &idLen} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	if magic != bitmapMagic || version != bitmapVersion {
		return fmt.Errorf("bitmap: bad header")
	}
	if count != b.chunkCount {
		return fmt.Errorf("bitmap: chunk count %d, want %d", count, b.chunkCount)
	}
	id := make([]byte, idLen)
	if _, err := r.Read(id); err != nil {
		return err
	}
	if string(id) != b.blobID.String() {
		return fmt.Errorf("bitmap: blob id mismatch")
	}
	bits := make([]byte, len(b.bits))
	if n, _ := r.Read(bits); n != len(bits) {
		return fmt.Errorf("bitmap: short bit array")
	}
	b.bits = bits
	return nil
}

// IsSet reports whether a chunk is recorded ready.
func (b *Bitmap) IsSet(index uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bits[index/8]&(1<<(index%8)) != 0
}

// Set records a chunk as ready in memory. Flush persists it.
func (b *Bitmap) Set(index uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bits[index/8] |= 1 << (index % 8)
}

// Count returns the number of recorded-ready chunks.
func (b *Bitmap) Count() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var n uint32
	for _, by := range b.bits {
		for ; by != 0; by &= by - 1 {
			n++
		}
	}
	return n
}

// Flush writes the bitmap to disk atomically (write-to-temp + rename).
func (b *Bitmap) Flush() error {
	b.mu.Lock()
	var buf bytes.Buffer
	id := []byte(b.blobID.String())
	for _, v := range []uint32{bitmapMagic, bitmapVersion, b.chunkCount, uint32(len(id))} {
		_ = binary.Write(&buf, binary.LittleEndian, v) //nolint:errcheck // bytes.Buffer cannot fail
	}
	buf.Write(id)
	buf.Write(b.bits)
	b.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(b.path), "chunkmap-*")
	if err != nil {
		return fmt.Errorf("bitmap: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("bitmap: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("bitmap: %w", err)
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("bitmap: %w", err)
	}
	return nil
}
