package lazyblob

import (
	"github.com/meigma/lazyblob/backend"
	"github.com/meigma/lazyblob/cache"
)

// Errors re-exported from backend.
var (
	// ErrNotFound is returned when a blob does not exist at the backend.
	ErrNotFound = backend.ErrNotFound

	// ErrUnauthorized is returned when the backend rejects the
	// configured credentials.
	ErrUnauthorized = backend.ErrUnauthorized

	// ErrUnavailable is returned when the backend fails transiently
	// after retries are exhausted.
	ErrUnavailable = backend.ErrUnavailable

	// ErrRateLimitTimeout is returned when a fetch gives up waiting for
	// rate limiter capacity.
	ErrRateLimitTimeout = backend.ErrRateLimitTimeout

	// ErrTruncated is returned when a backend delivers fewer bytes than
	// requested.
	ErrTruncated = backend.ErrTruncated
)

// Errors re-exported from cache.
var (
	// ErrDigestMismatch is returned when fetched chunk content fails
	// digest verification.
	ErrDigestMismatch = cache.ErrDigestMismatch

	// ErrDecode is returned when chunk decompression fails or produces
	// the wrong size.
	ErrDecode = cache.ErrDecode

	// ErrTimeout is returned when a read gives up waiting for a chunk
	// fetched by another caller.
	ErrTimeout = cache.ErrTimeout

	// ErrOutOfRange is returned when a read extends past the blob.
	ErrOutOfRange = cache.ErrOutOfRange
)
