package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records cache engine activity. A nil *Metrics disables
// collection; all observation methods are nil-safe.
type Metrics struct {
	fetches          prometheus.Counter
	fetchErrors      prometheus.Counter
	fetchedBytes     prometheus.Counter
	hits             prometheus.Counter
	digestMismatches prometheus.Counter
}

// NewMetrics registers the engine's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		fetches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lazyblob",
			Name:      "chunk_fetches_total",
			Help:      "Chunk fetches issued to backends.",
		}),
		fetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lazyblob",
			Name:      "chunk_fetch_errors_total",
			Help:      "Chunk fetches that failed after retries.",
		}),
		fetchedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lazyblob",
			Name:      "fetched_bytes_total",
			Help:      "Compressed bytes fetched from backends.",
		}),
		hits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lazyblob",
			Name:      "chunk_hits_total",
			Help:      "Chunk reads served from the local store.",
		}),
		digestMismatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lazyblob",
			Name:      "digest_mismatches_total",
			Help:      "Chunks whose bytes failed digest verification. Non-zero values indicate backend corruption or tampering.",
		}),
	}
}

func (m *Metrics) observeFetch(bytes uint32) {
	if m == nil {
		return
	}
	m.fetches.Inc()
	m.fetchedBytes.Add(float64(bytes))
}

func (m *Metrics) observeFetchError() {
	if m == nil {
		return
	}
	m.fetchErrors.Inc()
}

func (m *Metrics) observeHit() {
	if m == nil {
		return
	}
	m.hits.Inc()
}

func (m *Metrics) observeDigestMismatch() {
	if m == nil {
		return
	}
	m.digestMismatches.Inc()
}
