// Package config loads device mount manifests from YAML.
//
// A manifest names the local cache directory and the blobs to mount: each
// blob carries its chunk table, its backend configuration, and optional
// ranges to prefetch after mounting.
package config

import (
	"fmt"
	"os"

	digest "github.com/opencontainers/go-digest"
	"gopkg.in/yaml.v3"

	"github.com/meigma/lazyblob"
	"github.com/meigma/lazyblob/backend"
)

// Config is a complete device mount manifest.
type Config struct {
	// CacheDir is the directory holding per-blob stores and chunk state.
	CacheDir string `yaml:"cache_dir"`

	// Blobs lists the blobs to mount.
	Blobs []Blob `yaml:"blobs"`
}

// Blob is one blob's manifest entry.
type Blob struct {
	ID               string         `yaml:"id"`
	CompressedSize   uint64         `yaml:"compressed_size,omitempty"`
	UncompressedSize uint64         `yaml:"uncompressed_size,omitempty"`
	Backend          backend.Config `yaml:"backend"`
	Chunks           []Chunk        `yaml:"chunks"`
	Prefetch         []Range        `yaml:"prefetch,omitempty"`
}

// Chunk is one chunk table row. Compression names the algorithm applied
// to the chunk's stored form; "none" means the stored form is the
// uncompressed bytes.
type Chunk struct {
	Digest             string `yaml:"digest"`
	CompressedOffset   uint64 `yaml:"compressed_offset"`
	CompressedSize     uint32 `yaml:"compressed_size"`
	UncompressedOffset uint64 `yaml:"uncompressed_offset"`
	UncompressedSize   uint32 `yaml:"uncompressed_size"`
	Compression        string `yaml:"compression,omitempty"`
	Hole               bool   `yaml:"hole,omitempty"`
}

// Range is a half-open byte range of a blob's uncompressed view.
type Range struct {
	Offset uint64 `yaml:"offset"`
	Length uint64 `yaml:"length"`
}

// Load reads and validates a manifest.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the manifest for structural errors.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("config: cache_dir is required")
	}
	if len(c.Blobs) == 0 {
		return fmt.Errorf("config: no blobs")
	}
	for i := range c.Blobs {
		if _, err := c.Blobs[i].Info(); err != nil {
			return err
		}
	}
	return nil
}

// Info converts a manifest entry into the device's mount description.
func (b *Blob) Info() (lazyblob.BlobInfo, error) {
	id, err := digest.Parse(b.ID)
	if err != nil {
		return lazyblob.BlobInfo{}, fmt.Errorf("config: blob id %q: %w", b.ID, err)
	}
	if len(b.Chunks) == 0 {
		return lazyblob.BlobInfo{}, fmt.Errorf("config: blob %s: no chunks", id.Encoded())
	}

	chunks := make([]lazyblob.ChunkDescriptor, len(b.Chunks))
	for i, ch := range b.Chunks {
		desc, err := ch.descriptor(id, uint32(i)) //nolint:gosec // chunk tables fit uint32
		if err != nil {
			return lazyblob.BlobInfo{}, err
		}
		chunks[i] = desc
	}
	return lazyblob.BlobInfo{
		ID:               id,
		CompressedSize:   b.CompressedSize,
		UncompressedSize: b.UncompressedSize,
		Chunks:           chunks,
		Backend:          b.Backend,
	}, nil
}

func (ch *Chunk) descriptor(blobID digest.Digest, index uint32) (lazyblob.ChunkDescriptor, error) {
	algoName := ch.Compression
	if algoName == "" {
		algoName = "none"
	}
	algo, err := lazyblob.ParseCompression(algoName)
	if err != nil {
		return lazyblob.ChunkDescriptor{}, fmt.Errorf("config: blob %s chunk %d: %w", blobID.Encoded(), index, err)
	}

	desc := lazyblob.ChunkDescriptor{
		BlobID:             blobID,
		Index:              index,
		CompressedOffset:   ch.CompressedOffset,
		CompressedSize:     ch.CompressedSize,
		UncompressedOffset: ch.UncompressedOffset,
		UncompressedSize:   ch.UncompressedSize,
		Compression:        algo,
		Compressed:         algo != lazyblob.CompressionNone,
		Hole:               ch.Hole,
	}
	if !ch.Hole {
		d, err := digest.Parse(ch.Digest)
		if err != nil {
			return lazyblob.ChunkDescriptor{}, fmt.Errorf("config: blob %s chunk %d digest: %w", blobID.Encoded(), index, err)
		}
		desc.Digest = d
	}
	if err := desc.Validate(); err != nil {
		return lazyblob.ChunkDescriptor{}, err
	}
	return desc, nil
}
