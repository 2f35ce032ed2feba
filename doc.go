// Package lazyblob provides chunk-granular lazy loading of content-addressed
// blobs from remote backends.
//
// A blob is divided into metadata-described chunks. Reads against a
// mounted blob fetch only the chunks the requested range overlaps, verify
// and decompress them, and cache them in a local per-blob store so each
// chunk crosses the network at most once. Cached chunk state persists
// across restarts.
//
// This package provides the unified high-level API through [Device]. For
// direct access to the cache engine or the backend transports, use the
// cache and backend subpackages.
//
// # Quick Start
//
// Mount a blob backed by a container registry and read from it:
//
//	dev := lazyblob.NewDevice("/var/cache/lazyblob")
//	defer dev.Close()
//
//	err := dev.Mount(ctx, lazyblob.BlobInfo{
//	    ID:               blobDigest,
//	    UncompressedSize: size,
//	    Chunks:           chunks,
//	    Backend: backend.Config{
//	        Kind:       backend.KindRegistry,
//	        Endpoint:   "ghcr.io",
//	        Repository: "myorg/myimage",
//	    },
//	})
//	if err != nil {
//	    return err
//	}
//	data, err := dev.Read(ctx, blobDigest, 100_000, 50_000)
//
// # Backends
//
// Three backend kinds are built in: local filesystem (backend/localfs),
// HMAC-signed object storage (backend/oss), and container registries with
// bearer-token auth (backend/registry). Mounts sharing an identical
// backend configuration share one backend instance and its rate limits.
//
// # Prefetching
//
// Prefetch warms ranges ahead of demand using the same verified fetch
// path as Read:
//
//	dev.Prefetch(ctx, []lazyblob.PrefetchRequest{
//	    {BlobID: blobDigest, Offset: 0, Length: 1 << 20},
//	})
package lazyblob
