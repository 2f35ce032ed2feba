// Package backend provides pluggable data sources for blob chunk fetches.
//
// A Backend returns byte ranges of a remote or local blob identified by its
// content digest. The package also provides the shared machinery every
// backend variant uses: token-bucket rate limiting, bounded retry with
// exponential backoff, and a reference-counted Pool that shares one backend
// instance (and its rate limiter) per logical endpoint.
package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	digest "github.com/opencontainers/go-digest"
)

// Backend fetches byte ranges of blobs from a single data source.
//
// Implementations must be safe for concurrent use. Fetch returns exactly
// size bytes on success; short reads are reported as ErrTruncated.
type Backend interface {
	// Fetch reads size bytes starting at offset from the blob's
	// compressed data.
	Fetch(ctx context.Context, blobID digest.Digest, offset uint64, size uint32) ([]byte, error)

	// Check verifies the backend is reachable with the configured
	// parameters. Called once when the backend is first constructed.
	Check(ctx context.Context) error

	// Close releases connections held by the backend.
	Close() error
}

// Kind selects a backend variant.
type Kind string

// Supported backend kinds.
const (
	KindLocalFS  Kind = "localfs"
	KindOSS      Kind = "oss"
	KindRegistry Kind = "registry"
)

// RateLimit caps the request and byte throughput of a backend. Zero values
// disable the corresponding ceiling.
type RateLimit struct {
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	BytesPerSec    float64 `yaml:"bytes_per_sec"`
}

// Config declares how to reach one backend endpoint.
//
// Blobs carrying identical configurations share a single backend instance
// and rate limiter through a Pool, so limits apply per logical endpoint
// rather than per blob.
type Config struct {
	Kind Kind `yaml:"kind"`

	// Dir is the blob directory for localfs backends.
	Dir string `yaml:"dir,omitempty"`

	// Endpoint is the base URL for HTTP backends (object-store endpoint
	// or registry host).
	Endpoint string `yaml:"endpoint,omitempty"`

	// Object-store parameters.
	Bucket          string `yaml:"bucket,omitempty"`
	ObjectPrefix    string `yaml:"object_prefix,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	AccessKeySecret string `yaml:"access_key_secret,omitempty"`

	// Registry parameters.
	Repository string `yaml:"repository,omitempty"`
	Username   string `yaml:"username,omitempty"`
	Password   string `yaml:"password,omitempty"`
	PlainHTTP  bool   `yaml:"plain_http,omitempty"`

	// Timeout bounds a single fetch attempt. Zero means no per-attempt
	// bound beyond the caller's context.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	RateLimit RateLimit `yaml:"rate_limit,omitempty"`
}

// Validate checks that the configuration names a known kind and carries the
// parameters that kind requires.
func (c *Config) Validate() error {
	switch c.Kind {
	case KindLocalFS:
		if c.Dir == "" {
			return fmt.Errorf("backend: localfs config missing dir")
		}
	case KindOSS:
		if c.Endpoint == "" || c.Bucket == "" {
			return fmt.Errorf("backend: oss config missing endpoint or bucket")
		}
	case KindRegistry:
		if c.Endpoint == "" || c.Repository == "" {
			return fmt.Errorf("backend: registry config missing endpoint or repository")
		}
	default:
		return fmt.Errorf("backend: unknown kind %q", c.Kind)
	}
	return nil
}

// Key returns a stable identity for pool sharing. Configurations with the
// same key are served by the same backend instance and rate limiter.
func (c *Config) Key() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%s\n%s\n%s\n%s\n%s\n%s\n%t\n%v\n%v\n",
		c.Kind, c.Dir, c.Endpoint, c.Bucket, c.ObjectPrefix,
		c.Repository, c.Username, c.PlainHTTP, c.Timeout, c.RateLimit)
	return string(c.Kind) + ":" + hex.EncodeToString(h.Sum(nil))[:16]
}
