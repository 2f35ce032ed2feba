package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	digest "github.com/opencontainers/go-digest"
	"golang.org/x/sync/singleflight"
)

// Factory constructs a concrete backend for a configuration. The root
// lazyblob package supplies a factory covering the built-in kinds; tests
// substitute their own.
type Factory func(cfg Config) (Backend, error)

// Pool shares backend instances across blobs.
//
// Backends are constructed lazily on first reference, connection-checked
// once, and reference-counted. Blobs with identical configurations receive
// the same instance and rate limiter, so throughput ceilings apply per
// logical endpoint. The pool is an explicit object owned by the mount
// context, not process-global state, which keeps independent mounts
// testable in isolation.
type Pool struct {
	factory Factory
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*poolEntry
	group   singleflight.Group
}

type poolEntry struct {
	key     string
	backend Backend
	limited *Limited
	refs    int
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the logger used for backend lifecycle events.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a backend pool using factory to construct instances.
func NewPool(factory Factory, opts ...PoolOption) *Pool {
	p := &Pool{
		factory: factory,
		entries: make(map[string]*poolEntry),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(p)
	}
	return p
}

func (p *Pool) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

// Get returns a handle on the shared backend for cfg, constructing and
// connection-checking it on first reference. Concurrent first references
// for the same configuration share a single construction.
func (p *Pool) Get(ctx context.Context, cfg Config) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	key := cfg.Key()

	for {
		p.mu.Lock()
		if e, ok := p.entries[key]; ok {
			e.refs++
			p.mu.Unlock()
			return &Handle{pool: p, entry: e}, nil
		}
		p.mu.Unlock()

		v, err, _ := p.group.Do(key, func() (any, error) {
			p.mu.Lock()
			if e, ok := p.entries[key]; ok {
				p.mu.Unlock()
				return e, nil
			}
			p.mu.Unlock()

			be, err := p.factory(cfg)
			if err != nil {
				return nil, err
			}
			if err := be.Check(ctx); err != nil {
				_ = be.Close()
				return nil, fmt.Errorf("backend check %s: %w", cfg.Kind, err)
			}

			e := &poolEntry{
				key:     key,
				backend: be,
				limited: NewLimited(be, NewLimiter(cfg.RateLimit)),
			}
			p.mu.Lock()
			p.entries[key] = e
			p.mu.Unlock()
			p.log().Debug("backend created", "kind", string(cfg.Kind), "key", key)
			return e, nil
		})
		if err != nil {
			return nil, err
		}
		e := v.(*poolEntry)

		// The entry may have been released to zero and closed between
		// construction and this acquisition; retry if so.
		p.mu.Lock()
		if cur, ok := p.entries[key]; ok && cur == e {
			e.refs++
			p.mu.Unlock()
			return &Handle{pool: p, entry: e}, nil
		}
		p.mu.Unlock()
	}
}

// Close releases every pooled backend regardless of reference counts.
// Intended for teardown of the owning mount context.
func (p *Pool) Close() error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.mu.Unlock()

	var firstErr error
	for _, e := range entries {
		if err := e.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Handle is a reference-counted view of a pooled backend. Fetches pass
// through the entry's shared rate limiter.
type Handle struct {
	pool  *Pool
	entry *poolEntry

	releaseOnce sync.Once
}

// Fetch implements Backend.
func (h *Handle) Fetch(ctx context.Context, blobID digest.Digest, offset uint64, size uint32) ([]byte, error) {
	return h.entry.limited.Fetch(ctx, blobID, offset, size)
}

// Check implements Backend.
func (h *Handle) Check(ctx context.Context) error {
	return h.entry.backend.Check(ctx)
}

// Close implements Backend by releasing this handle's reference. The
// underlying backend is closed when the last reference is released.
func (h *Handle) Close() error {
	h.Release()
	return nil
}

// Release drops this handle's reference. Safe to call more than once.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		p, e := h.pool, h.entry
		p.mu.Lock()
		e.refs--
		last := e.refs == 0
		if last {
			delete(p.entries, e.key)
		}
		p.mu.Unlock()
		if last {
			if err := e.backend.Close(); err != nil {
				p.log().Warn("backend close failed", "key", e.key, "error", err)
			} else {
				p.log().Debug("backend closed", "key", e.key)
			}
		}
	})
}
