package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records cache store reads.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records cache store writes.
	CacheOperationStore CacheOperation = "store"
)

// CacheLookupOutcome captures the result of a cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup returned a valid entry.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no valid entry was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupStale indicates an entry existed but its fingerprint no longer matched.
	CacheLookupStale CacheLookupOutcome = "stale"
	// CacheLookupInvalid indicates a stored payload could not be decoded.
	CacheLookupInvalid CacheLookupOutcome = "invalid"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// CacheStoreOutcome captures the result of a cache store attempt.
type CacheStoreOutcome string

const (
	// CacheStoreStored indicates the entry was persisted.
	CacheStoreStored CacheStoreOutcome = "stored"
	// CacheStoreError indicates the store operation failed.
	CacheStoreError CacheStoreOutcome = "error"
)

// BreakerState mirrors the circuit breaker states as gauge values.
type BreakerState float64

const (
	BreakerClosed   BreakerState = 0
	BreakerHalfOpen BreakerState = 1
	BreakerOpen     BreakerState = 2
)

// Recorder publishes Prometheus metrics for fetch and cache activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetches       *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	coalesced     *prometheus.CounterVec
	purged        prometheus.Counter
	breakerStates *prometheus.GaugeVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "socialpulse",
		Name:      "fetch_total",
		Help:      "Metrics attempts by platform, fetch type and outcome.",
	}, []string{"platform", "fetch_type", "status"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "socialpulse",
		Name:      "fetch_duration_seconds",
		Help:      "Latency distribution for metrics attempts.",
		Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"platform", "fetch_type", "status"})

	coalesced := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "socialpulse",
		Name:      "fetch_coalesced_total",
		Help:      "Callers that shared an in-flight fetch instead of issuing their own.",
	}, []string{"platform"})

	purged := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "socialpulse",
		Name:      "cache_purged_total",
		Help:      "Expired cache entries removed by maintenance sweeps.",
	})

	breakerStates := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "socialpulse",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per upstream (0 closed, 1 half-open, 2 open).",
	}, []string{"name"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "socialpulse",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Cache store operations executed by the orchestrator.",
	}, []string{"platform", "operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "socialpulse",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for cache store operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"platform", "operation", "result"})

	reg.MustRegister(fetches, fetchLatency, coalesced, purged, breakerStates, cacheOperations, cacheLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:        reg,
		handler:         handler,
		fetches:         fetches,
		fetchLatency:    fetchLatency,
		coalesced:       coalesced,
		purged:          purged,
		breakerStates:   breakerStates,
		cacheOperations: cacheOperations,
		cacheLatency:    cacheLatency,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records one metrics attempt, cached or not.
func (r *Recorder) ObserveFetch(platform, fetchType, status string, duration time.Duration) {
	if r == nil {
		return
	}
	platformLabel := normalizeLabel(platform)
	typeLabel := normalizeLabel(fetchType)
	statusLabel := normalizeLabel(status)
	r.fetches.WithLabelValues(platformLabel, typeLabel, statusLabel).Inc()
	r.fetchLatency.WithLabelValues(platformLabel, typeLabel, statusLabel).Observe(duration.Seconds())
}

// ObserveCoalesced counts a caller that joined another caller's fetch.
func (r *Recorder) ObserveCoalesced(platform string) {
	if r == nil {
		return
	}
	r.coalesced.WithLabelValues(normalizeLabel(platform)).Inc()
}

// ObservePurge adds the number of entries removed by a sweep.
func (r *Recorder) ObservePurge(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.purged.Add(float64(count))
}

// SetBreakerState publishes the current state of a named circuit breaker.
func (r *Recorder) SetBreakerState(name string, state BreakerState) {
	if r == nil {
		return
	}
	r.breakerStates.WithLabelValues(normalizeLabel(name)).Set(float64(state))
}

// ObserveCacheLookup records the result of a cache lookup.
func (r *Recorder) ObserveCacheLookup(platform string, result CacheLookupOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.observeCache(normalizeLabel(platform), CacheOperationLookup, resultLabel, duration)
}

// ObserveCacheStore records the result of a cache store attempt.
func (r *Recorder) ObserveCacheStore(platform string, result CacheStoreOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheStoreError)
	}
	r.observeCache(normalizeLabel(platform), CacheOperationStore, resultLabel, duration)
}

func (r *Recorder) observeCache(platform string, operation CacheOperation, result string, duration time.Duration) {
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(result)
	r.cacheOperations.WithLabelValues(platform, opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(platform, opLabel, resLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
