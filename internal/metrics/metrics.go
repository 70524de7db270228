package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CacheOperation identifies the cache engine method being instrumented.
type CacheOperation string

const (
	// CacheOperationLookup records response cache lookup calls.
	CacheOperationLookup CacheOperation = "lookup"
	// CacheOperationStore records response cache store attempts.
	CacheOperationStore CacheOperation = "store"
	// CacheOperationInvalidate records tag-driven invalidation runs.
	CacheOperationInvalidate CacheOperation = "invalidate"
)

// CacheResult captures the outcome of a cache operation.
type CacheResult string

const (
	// CacheResultHit indicates the lookup reused a stored response.
	CacheResultHit CacheResult = "hit"
	// CacheResultMiss indicates no stored response was present.
	CacheResultMiss CacheResult = "miss"
	// CacheResultBypass indicates the request was ineligible for caching.
	CacheResultBypass CacheResult = "bypass"
	// CacheResultStored indicates the response was persisted.
	CacheResultStored CacheResult = "stored"
	// CacheResultFlushed indicates invalidation removed at least one entry.
	CacheResultFlushed CacheResult = "flushed"
	// CacheResultError indicates the operation failed against the store.
	CacheResultError CacheResult = "error"
)

// Recorder publishes Prometheus metrics for gateway activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec
	cacheLatency    *prometheus.HistogramVec

	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
	breakerOutcomes    *prometheus.CounterVec
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

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reqshield",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Total requests handled by the protection chain.",
	}, []string{"method", "cache_status", "status_code"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reqshield",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for completed requests.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"method", "cache_status"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reqshield",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Response cache operations executed against the store.",
	}, []string{"operation", "result"})

	cacheLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reqshield",
		Subsystem: "cache",
		Name:      "operation_duration_seconds",
		Help:      "Latency distribution for response cache operations.",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	}, []string{"operation", "result"})

	breakerTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reqshield",
		Subsystem: "breaker",
		Name:      "transitions_total",
		Help:      "Circuit state transitions per scope.",
	}, []string{"scope", "from", "to"})

	breakerRejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reqshield",
		Subsystem: "breaker",
		Name:      "rejections_total",
		Help:      "Requests rejected while a circuit was open.",
	}, []string{"scope"})

	breakerOutcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reqshield",
		Subsystem: "breaker",
		Name:      "outcomes_total",
		Help:      "Observed request outcomes per circuit scope.",
	}, []string{"scope", "outcome"})

	reg.MustRegister(requests, requestLatency, cacheOperations, cacheLatency,
		breakerTransitions, breakerRejections, breakerOutcomes)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		requests:           requests,
		requestLatency:     requestLatency,
		cacheOperations:    cacheOperations,
		cacheLatency:       cacheLatency,
		breakerTransitions: breakerTransitions,
		breakerRejections:  breakerRejections,
		breakerOutcomes:    breakerOutcomes,
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

// ObserveRequest records the terminal outcome and latency of a request that
// traversed the protection chain.
func (r *Recorder) ObserveRequest(method, cacheStatus string, statusCode int, duration time.Duration) {
	if r == nil {
		return
	}
	methodLabel := normalizeLabel(method)
	cacheLabel := normalizeLabel(cacheStatus)
	statusLabel := strconv.Itoa(statusCode)
	if statusCode <= 0 {
		statusLabel = "unknown"
	}
	r.requests.WithLabelValues(methodLabel, cacheLabel, statusLabel).Inc()
	r.requestLatency.WithLabelValues(methodLabel, cacheLabel).Observe(duration.Seconds())
}

// ObserveCache records the result of a cache engine operation.
func (r *Recorder) ObserveCache(operation CacheOperation, result CacheResult, duration time.Duration) {
	if r == nil {
		return
	}
	opLabel := string(operation)
	if opLabel == "" {
		opLabel = string(CacheOperationLookup)
	}
	resLabel := normalizeLabel(string(result))
	r.cacheOperations.WithLabelValues(opLabel, resLabel).Inc()
	r.cacheLatency.WithLabelValues(opLabel, resLabel).Observe(duration.Seconds())
}

// ObserveTransition records a circuit state change for a scope.
func (r *Recorder) ObserveTransition(scope, from, to string) {
	if r == nil {
		return
	}
	r.breakerTransitions.WithLabelValues(normalizeLabel(scope), normalizeLabel(from), normalizeLabel(to)).Inc()
}

// ObserveRejection records a request failed fast by an open circuit.
func (r *Recorder) ObserveRejection(scope string) {
	if r == nil {
		return
	}
	r.breakerRejections.WithLabelValues(normalizeLabel(scope)).Inc()
}

// ObserveOutcome records a classified request outcome for a circuit scope.
func (r *Recorder) ObserveOutcome(scope, outcome string) {
	if r == nil {
		return
	}
	r.breakerOutcomes.WithLabelValues(normalizeLabel(scope), normalizeLabel(outcome)).Inc()
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
