package backend

import (
	"context"
	"errors"
	"fmt"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/time/rate"
)

// Limiter enforces request and byte throughput ceilings with token buckets.
// Acquisition blocks cooperatively until capacity is available or the
// caller's context expires.
type Limiter struct {
	requests *rate.Limiter
	bytes    *rate.Limiter
}

// NewLimiter builds a Limiter from a RateLimit. Zero ceilings are
// unlimited.
func NewLimiter(cfg RateLimit) *Limiter {
	l := &Limiter{}
	if cfg.RequestsPerSec > 0 {
		l.requests = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)
	}
	if cfg.BytesPerSec > 0 {
		// Burst of one second's worth of bytes. Larger fetches acquire
		// capacity in burst-sized installments.
		burst := int(cfg.BytesPerSec)
		if burst < 1 {
			burst = 1
		}
		l.bytes = rate.NewLimiter(rate.Limit(cfg.BytesPerSec), burst)
	}
	return l
}

// Acquire blocks until one request token and n byte tokens are available.
// Returns ErrRateLimitTimeout when the context expires (or would expire)
// before capacity is granted.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	if l.requests != nil {
		if err := l.requests.Wait(ctx); err != nil {
			return mapWaitError(err)
		}
	}
	if l.bytes != nil && n > 0 {
		burst := l.bytes.Burst()
		for n > 0 {
			take := n
			if take > burst {
				take = burst
			}
			if err := l.bytes.WaitN(ctx, take); err != nil {
				return mapWaitError(err)
			}
			n -= take
		}
	}
	return nil
}

// mapWaitError converts rate.Limiter wait failures into the package error
// taxonomy. The rate package reports both an expired context and a wait
// that would exceed the deadline as errors; either way the caller ran out
// of time waiting for capacity.
func mapWaitError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrRateLimitTimeout, err)
}

// Limited wraps a Backend so every fetch first acquires rate-limiter
// capacity for one request and the fetch's byte count.
type Limited struct {
	inner   Backend
	limiter *Limiter
}

// NewLimited wraps backend with limiter. A nil limiter imposes no limits.
func NewLimited(inner Backend, limiter *Limiter) *Limited {
	return &Limited{inner: inner, limiter: limiter}
}

// Fetch implements Backend.
func (l *Limited) Fetch(ctx context.Context, blobID digest.Digest, offset uint64, size uint32) ([]byte, error) {
	if err := l.limiter.Acquire(ctx, int(size)); err != nil {
		return nil, err
	}
	return l.inner.Fetch(ctx, blobID, offset, size)
}

// Check implements Backend.
func (l *Limited) Check(ctx context.Context) error { return l.inner.Check(ctx) }

// Close implements Backend.
func (l *Limited) Close() error { return l.inner.Close() }
