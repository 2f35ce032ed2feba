// Package registry provides a backend fetching blobs through the OCI
// registry blob API.
//
// Fetches go to /v2/<repository>/blobs/<digest> with a Range header. Token
// authentication (including the token exchange dance) is handled by an
// oras-go auth client scoped to pull access. Registries that redirect blob
// downloads to an object store are followed for exactly one hop; the
// resolved URL is cached only for the duration of a single fetch and
// re-resolved on the next miss.
package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	digest "github.com/opencontainers/go-digest"
	orasregistry "oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/lazyblob/backend"
)

// Backend fetches blob ranges via the registry blob-download protocol.
type Backend struct {
	ref     orasregistry.Reference
	scheme  string
	timeout time.Duration

	// authClient performs registry API requests with token auth and
	// redirects disabled so the single allowed hop stays visible.
	authClient *auth.Client
	// plainClient fetches from pre-signed redirect targets, which carry
	// their own authorization in the URL.
	plainClient *http.Client

	retryPolicy backend.RetryPolicy
}

// Option configures a Backend.
type Option func(*Backend)

// WithRetryPolicy overrides the retry policy for transient failures.
func WithRetryPolicy(policy backend.RetryPolicy) Option {
	return func(b *Backend) {
		b.retryPolicy = policy
	}
}

// WithPlainClient sets the HTTP client used for redirect-target fetches.
func WithPlainClient(client *http.Client) Option {
	return func(b *Backend) {
		b.plainClient = client
	}
}

// New creates a registry backend from cfg. cfg.Endpoint is the registry
// host (a bare host or a URL whose scheme overrides cfg.PlainHTTP).
func New(cfg backend.Config, opts ...Option) (*Backend, error) {
	host, scheme, err := splitEndpoint(cfg.Endpoint, cfg.PlainHTTP)
	if err != nil {
		return nil, err
	}

	ref := orasregistry.Reference{Registry: host, Repository: cfg.Repository}
	if err := ref.Validate(); err != nil {
		return nil, fmt.Errorf("registry: invalid reference: %w", err)
	}

	b := &Backend{
		ref:     ref,
		scheme:  scheme,
		timeout: cfg.Timeout,
		authClient: &auth.Client{
			// Token exchange goes through the oras retry transport; our
			// own policy governs the data requests.
			Client: &http.Client{
				Transport:     retry.NewTransport(http.DefaultTransport),
				CheckRedirect: holdRedirect,
			},
			Cache: auth.NewCache(),
			Credential: auth.StaticCredential(host, auth.Credential{
				Username: cfg.Username,
				Password: cfg.Password,
			}),
		},
		plainClient: &http.Client{CheckRedirect: holdRedirect},
		retryPolicy: backend.DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(b)
	}
	return b, nil
}

func holdRedirect(_ *http.Request, _ []*http.Request) error {
	return http.ErrUseLastResponse
}

func splitEndpoint(endpoint string, plainHTTP bool) (host, scheme string, err error) {
	scheme = "https"
	if plainHTTP {
		scheme = "http"
	}
	host = endpoint
	if strings.Contains(endpoint, "://") {
		u, err := url.Parse(endpoint)
		if err != nil {
			return "", "", fmt.Errorf("registry: parse endpoint: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", "", fmt.Errorf("registry: unsupported scheme %q", u.Scheme)
		}
		scheme = u.Scheme
		host = u.Host
	}
	if host == "" {
		return "", "", fmt.Errorf("registry: endpoint %q missing host", endpoint)
	}
	return host, scheme, nil
}

// Fetch implements backend.Backend.
func (b *Backend) Fetch(ctx context.Context, blobID digest.Digest, offset uint64, size uint32) ([]byte, error) {
	if err := blobID.Validate(); err != nil {
		return nil, fmt.Errorf("registry: invalid blob id: %w", err)
	}
	if size == 0 {
		return nil, nil
	}

	// The resolved redirect target lives exactly as long as this fetch:
	// retries reuse it, the next fetch re-resolves.
	var resolved string
	var data []byte
	err := b.retryPolicy.Do(ctx, func() error {
		var attemptErr error
		data, attemptErr = b.fetchOnce(ctx, blobID, offset, size, &resolved)
		return attemptErr
	})
	return data, err
}

func (b *Backend) fetchOnce(ctx context.Context, blobID digest.Digest, offset uint64, size uint32, resolved *string) ([]byte, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	if *resolved != "" {
		resp, err := b.rangeGet(ctx, b.plainClient, *resolved, offset, size, false)
		if err != nil {
			*resolved = ""
			return nil, err
		}
		return readRangeBody(resp, blobID, size)
	}

	resp, err := b.rangeGet(ctx, b.authClient, b.blobURL(blobID), offset, size, true)
	if err != nil {
		return nil, err
	}

	if isRedirect(resp.StatusCode) {
		loc, err := resp.Location()
		drainBody(resp)
		if err != nil {
			return nil, fmt.Errorf("registry: redirect without location: %w", err)
		}
		*resolved = loc.String()

		resp, err = b.rangeGet(ctx, b.plainClient, *resolved, offset, size, false)
		if err != nil {
			*resolved = ""
			return nil, err
		}
		if isRedirect(resp.StatusCode) {
			drainBody(resp)
			*resolved = ""
			return nil, fmt.Errorf("registry: more than one redirect hop for %s", blobID)
		}
	}

	return readRangeBody(resp, blobID, size)
}

// httpDoer is satisfied by *http.Client and *auth.Client.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// rangeGet issues a ranged GET and maps failure statuses into the backend
// error taxonomy. Redirect responses are returned to the caller unread.
func (b *Backend) rangeGet(ctx context.Context, client httpDoer, rawURL string, offset uint64, size uint32, scoped bool) (*http.Response, error) {
	if scoped {
		ctx = auth.AppendRepositoryScope(ctx, b.ref, auth.ActionPull)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("registry: build request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(size)-1))
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil && context.Cause(ctx) == context.Canceled {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusPartialContent, isRedirect(resp.StatusCode):
		return resp, nil
	case resp.StatusCode == http.StatusOK:
		drainBody(resp)
		return nil, fmt.Errorf("registry: %s ignored range request", b.ref.Registry)
	case resp.StatusCode == http.StatusNotFound:
		drainBody(resp)
		return nil, fmt.Errorf("%w: %s", backend.ErrNotFound, rawURL)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		drainBody(resp)
		return nil, fmt.Errorf("%w: %s", backend.ErrUnauthorized, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		drainBody(resp)
		return nil, fmt.Errorf("%w: %s", backend.ErrUnavailable, resp.Status)
	default:
		drainBody(resp)
		return nil, fmt.Errorf("registry: range request failed: %s", resp.Status)
	}
}

func readRangeBody(resp *http.Response, blobID digest.Digest, size uint32) ([]byte, error) {
	defer drainBody(resp)
	buf := make([]byte, size)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", backend.ErrTruncated, blobID.Encoded(), err)
	}
	return buf, nil
}

func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// Check implements backend.Backend by probing the registry API root.
// Any response below 500 proves the registry answers; auth challenges are
// resolved lazily on the first blob fetch.
func (b *Backend) Check(ctx context.Context) error {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.scheme+"://"+b.ref.Registry+"/v2/", nil)
	if err != nil {
		return err
	}
	resp, err := b.plainClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrUnavailable, err)
	}
	drainBody(resp)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: %s", backend.ErrUnavailable, resp.Status)
	}
	return nil
}

// Close implements backend.Backend.
func (b *Backend) Close() error {
	b.plainClient.CloseIdleConnections()
	if b.authClient.Client != nil {
		b.authClient.Client.CloseIdleConnections()
	}
	return nil
}

func (b *Backend) blobURL(blobID digest.Digest) string {
	return fmt.Sprintf("%s://%s/v2/%s/blobs/%s", b.scheme, b.ref.Registry, b.ref.Repository, blobID)
}
