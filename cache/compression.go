package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Shared codec state. Both are safe for concurrent use; reusing them
// avoids per-chunk initialization overhead.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("cache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("cache: zstd decoder initialization failed: " + err.Error())
	}
}

// Compress compresses chunk data with the given algorithm. Used by image
// conversion tooling and tests; the read path only decompresses. For
// CompressionNone the input is returned unchanged.
func Compress(data []byte, algo Compression) ([]byte, error) {
	switch algo {
	case CompressionNone:
		return data, nil
	case CompressionLZ4:
		bound := lz4.CompressBlockBound(len(data))
		dst := make([]byte, bound)
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 {
			// Incompressible input; callers store such chunks plain.
			return nil, fmt.Errorf("lz4 compress: incompressible input")
		}
		return dst[:n], nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %d", algo)
	}
}

// decompress inflates a chunk's stored form. The output length must match
// uncompressedSize exactly; any corruption or size drift maps to ErrDecode.
func decompress(data []byte, algo Compression, uncompressedSize uint32) ([]byte, error) {
	switch algo {
	case CompressionNone:
		if uint32(len(data)) != uncompressedSize {
			return nil, fmt.Errorf("%w: plain chunk is %d bytes, want %d", ErrDecode, len(data), uncompressedSize)
		}
		return data, nil
	case CompressionLZ4:
		dst := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrDecode, err)
		}
		if uint32(n) != uncompressedSize {
			return nil, fmt.Errorf("%w: lz4 produced %d bytes, want %d", ErrDecode, n, uncompressedSize)
		}
		return dst, nil
	case CompressionZstd:
		dst, err := zstdDecoder.DecodeAll(data, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrDecode, err)
		}
		if uint32(len(dst)) != uncompressedSize {
			return nil, fmt.Errorf("%w: zstd produced %d bytes, want %d", ErrDecode, len(dst), uncompressedSize)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", ErrDecode, algo)
	}
}
