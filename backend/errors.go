package backend

import "errors"

// Sentinel errors for backend operations.
var (
	// ErrNotFound is returned when a blob does not exist at the backend.
	// Not retried.
	ErrNotFound = errors.New("backend: not found")

	// ErrUnauthorized is returned when the backend rejects the configured
	// credentials. Not retried.
	ErrUnauthorized = errors.New("backend: unauthorized")

	// ErrUnavailable is returned for transient network or server faults.
	// Fetches failing with ErrUnavailable are retried with exponential
	// backoff before the error is surfaced.
	ErrUnavailable = errors.New("backend: unavailable")

	// ErrRateLimitTimeout is returned when rate-limiter capacity could not
	// be acquired before the caller's deadline.
	ErrRateLimitTimeout = errors.New("backend: rate limit timeout")

	// ErrTruncated is returned when a backend returns fewer bytes than the
	// requested range.
	ErrTruncated = errors.New("backend: truncated read")

	// ErrClosed is returned when fetching through a backend that has been
	// closed.
	ErrClosed = errors.New("backend: closed")
)

// Retryable reports whether a fetch error is transient and worth retrying.
// Only ErrUnavailable qualifies: missing blobs and rejected credentials do
// not heal on retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
