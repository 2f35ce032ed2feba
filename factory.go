package lazyblob

import (
	"fmt"

	"github.com/meigma/lazyblob/backend"
	"github.com/meigma/lazyblob/backend/localfs"
	"github.com/meigma/lazyblob/backend/oss"
	"github.com/meigma/lazyblob/backend/registry"
)

// NewBackend constructs a backend from its configuration. It is the
// default factory a [Device] pools backends through; implementations for
// all built-in kinds live in the backend subpackages.
func NewBackend(cfg backend.Config) (backend.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case backend.KindLocalFS:
		return localfs.New(cfg)
	case backend.KindOSS:
		return oss.New(cfg)
	case backend.KindRegistry:
		return registry.New(cfg)
	default:
		return nil, fmt.Errorf("lazyblob: unknown backend kind %q", cfg.Kind)
	}
}
