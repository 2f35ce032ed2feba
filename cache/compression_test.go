package cache

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compressibleData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i / 64)
	}
	return data
}

func TestCompressRoundTrip(t *testing.T) {
	t.Parallel()

	data := compressibleData(8192)
	for _, algo := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(algo.String(), func(t *testing.T) {
			t.Parallel()

			stored, err := Compress(data, algo)
			require.NoError(t, err)
			if algo != CompressionNone {
				assert.Less(t, len(stored), len(data))
			}

			out, err := decompress(stored, algo, uint32(len(data)))
			require.NoError(t, err)
			assert.True(t, bytes.Equal(data, out))
		})
	}
}

func TestDecompressCorruptInput(t *testing.T) {
	t.Parallel()

	data := compressibleData(4096)
	for _, algo := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(algo.String(), func(t *testing.T) {
			t.Parallel()

			stored, err := Compress(data, algo)
			require.NoError(t, err)
			for i := range stored {
				stored[i] ^= 0xff
			}

			_, err = decompress(stored, algo, uint32(len(data)))
			assert.True(t, errors.Is(err, ErrDecode), "got %v", err)
		})
	}
}

func TestDecompressSizeDrift(t *testing.T) {
	t.Parallel()

	data := compressibleData(4096)
	stored, err := Compress(data, CompressionZstd)
	require.NoError(t, err)

	// Declared size disagrees with what the stream inflates to.
	_, err = decompress(stored, CompressionZstd, 4095)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestDecompressPlainSizeMismatch(t *testing.T) {
	t.Parallel()

	_, err := decompress([]byte("abc"), CompressionNone, 4)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestParseCompression(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]Compression{
		"none": CompressionNone,
		"":     CompressionNone,
		"lz4":  CompressionLZ4,
		"zstd": CompressionZstd,
	} {
		got, err := ParseCompression(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseCompression("gzip")
	assert.Error(t, err)
}
