// Package oss provides an object-store backend issuing signed HTTP range
// requests.
//
// Objects are addressed path-style as <endpoint>/<bucket>/<prefix><blob>
// and every request carries an HMAC signature over the canonicalized
// request plus timestamp. Transient server faults are retried with bounded
// exponential backoff; authentication and not-found failures surface
// immediately.
package oss

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	digest "github.com/opencontainers/go-digest"

	"github.com/meigma/lazyblob/backend"
)

// Backend fetches blob ranges from an OSS-style object store.
type Backend struct {
	endpoint  *url.URL
	bucket    string
	prefix    string
	keyID     string
	keySecret string
	timeout   time.Duration

	client *http.Client
	retry  backend.RetryPolicy
	now    func() time.Time
}

// Option configures a Backend.
type Option func(*Backend)

// WithClient sets the HTTP client used for requests.
func WithClient(client *http.Client) Option {
	return func(b *Backend) {
		b.client = client
	}
}

// WithRetryPolicy overrides the retry policy for transient failures.
func WithRetryPolicy(policy backend.RetryPolicy) Option {
	return func(b *Backend) {
		b.retry = policy
	}
}

// WithNow overrides the clock used for request signing timestamps.
func WithNow(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// New creates an object-store backend from cfg.
func New(cfg backend.Config, opts ...Option) (*Backend, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("oss: parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("oss: endpoint %q missing scheme or host", cfg.Endpoint)
	}

	b := &Backend{
		endpoint:  u,
		bucket:    cfg.Bucket,
		prefix:    cfg.ObjectPrefix,
		keyID:     cfg.AccessKeyID,
		keySecret: cfg.AccessKeySecret,
		timeout:   cfg.Timeout,
		client:    http.DefaultClient,
		retry:     backend.DefaultRetryPolicy(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(b)
	}
	return b, nil
}

// Fetch implements backend.Backend.
func (b *Backend) Fetch(ctx context.Context, blobID digest.Digest, offset uint64, size uint32) ([]byte, error) {
	if err := blobID.Validate(); err != nil {
		return nil, fmt.Errorf("oss: invalid blob id: %w", err)
	}
	if size == 0 {
		return nil, nil
	}

	object := b.prefix + blobID.Encoded()
	var data []byte
	err := b.retry.Do(ctx, func() error {
		var attemptErr error
		data, attemptErr = b.fetchOnce(ctx, object, offset, size)
		return attemptErr
	})
	return data, err
}

func (b *Backend) fetchOnce(ctx context.Context, object string, offset uint64, size uint32) ([]byte, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.objectURL(object), nil)
	if err != nil {
		return nil, fmt.Errorf("oss: build request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(size)-1))
	req.Header.Set("Accept-Encoding", "identity")
	signRequest(req, b.keyID, b.keySecret, b.bucket, object, b.now())

	resp, err := b.client.Do(req)
	if err != nil {
		// Network faults and per-attempt timeouts are transient unless
		// the caller's own context ended.
		if ctx.Err() != nil && context.Cause(ctx) == context.Canceled {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// ok
	case resp.StatusCode == http.StatusOK:
		return nil, fmt.Errorf("oss: server ignored range request for %s", object)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, object)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s", backend.ErrUnauthorized, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s", backend.ErrUnavailable, resp.Status)
	default:
		return nil, fmt.Errorf("oss: range request failed: %s", resp.Status)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", backend.ErrTruncated, object, err)
	}
	return buf, nil
}

// Check implements backend.Backend by probing the bucket endpoint.
// Reachability is all that is verified: auth and missing-object responses
// prove the endpoint answers.
func (b *Backend) Check(ctx context.Context) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, b.objectURL(""), nil)
	if err != nil {
		return err
	}
	signRequest(req, b.keyID, b.keySecret, b.bucket, "", b.now())

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s", backend.ErrUnavailable, resp.Status)
	}
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.client.CloseIdleConnections()
	return nil
}

func (b *Backend) objectURL(object string) string {
	u := *b.endpoint
	u.Path, _ = url.JoinPath(u.Path, b.bucket, object) //nolint:errcheck // inputs already validated
	return u.String()
}
