package cache

import "errors"

// Sentinel errors for cache operations.
var (
	// ErrDecode is returned when a chunk's compressed stream is corrupt
	// or decompresses to an unexpected size. Not retried automatically;
	// the chunk is left not-ready.
	ErrDecode = errors.New("cache: decode failed")

	// ErrDigestMismatch is returned when a chunk's decompressed bytes do
	// not hash to the expected digest. The chunk is left not-ready so a
	// later read re-fetches instead of serving corrupt data.
	ErrDigestMismatch = errors.New("cache: digest mismatch")

	// ErrTimeout is returned when a caller's deadline elapses while
	// waiting on another caller's in-flight fetch. The shared fetch
	// itself is unaffected.
	ErrTimeout = errors.New("cache: timeout waiting for chunk")

	// ErrOutOfRange is returned when a read extends past the blob's
	// uncompressed size.
	ErrOutOfRange = errors.New("cache: read out of range")

	// ErrClosed is returned when reading through a closed blob.
	ErrClosed = errors.New("cache: closed")
)
