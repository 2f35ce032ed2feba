package oss

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	digest "github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/lazyblob/backend"
)

func fastRetry() backend.RetryPolicy {
	return backend.RetryPolicy{
		MaxAttempts: 3,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(time.Millisecond)
		},
	}
}

// objectServer serves one blob under path-style addressing with range
// support and records requests.
func objectServer(t *testing.T, bucket, object string, content []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.URL.Path != "/"+bucket+"/"+object {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		rng := r.Header.Get("Range")
		if !strings.HasPrefix(rng, "bytes=") {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(content)
			return
		}
		var start, end int
		_, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
		require.NoError(t, err)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(content)))
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content[start : end+1])
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newBackend(t *testing.T, endpoint string, opts ...Option) *Backend {
	t.Helper()
	opts = append([]Option{WithRetryPolicy(fastRetry())}, opts...)
	b, err := New(backend.Config{
		Kind:            backend.KindOSS,
		Endpoint:        endpoint,
		Bucket:          "chunks",
		AccessKeyID:     "key",
		AccessKeySecret: "secret",
	}, opts...)
	require.NoError(t, err)
	return b
}

func TestFetchRange(t *testing.T) {
	t.Parallel()

	content := []byte("the quick brown fox jumps over the lazy dog")
	id := digest.FromBytes(content)
	srv, _ := objectServer(t, "chunks", id.Encoded(), content)

	b := newBackend(t, srv.URL)
	defer b.Close()

	got, err := b.Fetch(context.Background(), id, 4, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("quick"), got)
}

func TestFetchSignsRequests(t *testing.T) {
	t.Parallel()

	content := []byte("payload")
	id := digest.FromBytes(content)
	object := id.Encoded()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Recompute the expected signature from the request the server
		// actually saw.
		want := httptest.NewRequest(r.Method, r.URL.String(), nil)
		signRequest(want, "key", "secret", "chunks", object, now)
		assert.Equal(t, want.Header.Get("Authorization"), r.Header.Get("Authorization"))
		assert.Equal(t, want.Header.Get("Date"), r.Header.Get("Date"))

		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content)
	}))
	t.Cleanup(srv.Close)

	b := newBackend(t, srv.URL, WithNow(func() time.Time { return now }))
	defer b.Close()

	_, err := b.Fetch(context.Background(), id, 0, uint32(len(content)))
	require.NoError(t, err)
}

func TestFetchRetriesTransientFaults(t *testing.T) {
	t.Parallel()

	content := []byte("eventually available")
	id := digest.FromBytes(content)

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content)
	}))
	t.Cleanup(srv.Close)

	b := newBackend(t, srv.URL)
	defer b.Close()

	// 503, 503, then success: exactly three requests, data delivered.
	got, err := b.Fetch(context.Background(), id, 0, uint32(len(content)))
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, int32(3), requests.Load())
}

func TestFetchNotFoundNoRetry(t *testing.T) {
	t.Parallel()

	srv, requests := objectServer(t, "chunks", "something-else", []byte("x"))
	b := newBackend(t, srv.URL)
	defer b.Close()

	_, err := b.Fetch(context.Background(), digest.FromString("absent"), 0, 1)
	assert.True(t, errors.Is(err, backend.ErrNotFound))
	assert.Equal(t, int32(1), requests.Load())
}

func TestFetchUnauthorizedNoRetry(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	b := newBackend(t, srv.URL)
	defer b.Close()

	_, err := b.Fetch(context.Background(), digest.FromString("blob"), 0, 1)
	assert.True(t, errors.Is(err, backend.ErrUnauthorized))
	assert.Equal(t, int32(1), requests.Load())
}

func TestFetchRejectsIgnoredRange(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK) // full object instead of 206
		_, _ = w.Write([]byte("whole object"))
	}))
	t.Cleanup(srv.Close)

	b := newBackend(t, srv.URL)
	defer b.Close()

	_, err := b.Fetch(context.Background(), digest.FromString("blob"), 0, 4)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, backend.ErrUnavailable))
}

func TestFetchRetriesExhausted(t *testing.T) {
	t.Parallel()

	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	b := newBackend(t, srv.URL)
	defer b.Close()

	_, err := b.Fetch(context.Background(), digest.FromString("blob"), 0, 4)
	assert.True(t, errors.Is(err, backend.ErrUnavailable))
	assert.Equal(t, int32(3), requests.Load())
}

func TestCheck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusForbidden) // reachable is enough
	}))
	t.Cleanup(srv.Close)

	b := newBackend(t, srv.URL)
	defer b.Close()
	assert.NoError(t, b.Check(context.Background()))
}

func TestCheckServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	b := newBackend(t, srv.URL)
	defer b.Close()
	assert.True(t, errors.Is(b.Check(context.Background()), backend.ErrUnavailable))
}

func TestNewRejectsBadEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(backend.Config{Kind: backend.KindOSS, Endpoint: "not a url", Bucket: "b"})
	assert.Error(t, err)
}
