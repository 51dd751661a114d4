package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RemoteOutcome captures the result of a remote Confluence call.
type RemoteOutcome string

const (
	// RemoteOutcomeOK indicates the remote call returned usable data.
	RemoteOutcomeOK RemoteOutcome = "ok"
	// RemoteOutcomePartial indicates a paginated scan stopped early and
	// returned accumulated data only.
	RemoteOutcomePartial RemoteOutcome = "partial"
	// RemoteOutcomeError indicates the call failed and was degraded to empty.
	RemoteOutcomeError RemoteOutcome = "error"
)

// CacheLookupOutcome captures the result of a result-cache lookup.
type CacheLookupOutcome string

const (
	// CacheLookupHit indicates the lookup reused a cached value.
	CacheLookupHit CacheLookupOutcome = "hit"
	// CacheLookupMiss indicates no cached value was present.
	CacheLookupMiss CacheLookupOutcome = "miss"
	// CacheLookupError indicates the lookup failed due to an error.
	CacheLookupError CacheLookupOutcome = "error"
)

// Recorder publishes Prometheus metrics for mirror activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	remoteRequests *prometheus.CounterVec
	remoteLatency  *prometheus.HistogramVec

	cacheOperations *prometheus.CounterVec

	resolutions       *prometheus.CounterVec
	resolutionLatency *prometheus.HistogramVec
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

	remoteRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "confmirror",
		Subsystem: "remote",
		Name:      "requests_total",
		Help:      "Remote Confluence operations executed, by backend and outcome.",
	}, []string{"backend", "operation", "outcome"})

	remoteLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "confmirror",
		Subsystem: "remote",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for remote Confluence operations.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"backend", "operation"})

	cacheOperations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "confmirror",
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Result cache lookups executed by the mirror service.",
	}, []string{"operation", "result"})

	resolutions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "confmirror",
		Subsystem: "access",
		Name:      "resolutions_total",
		Help:      "Per-user visible set resolutions, split by cache reuse.",
	}, []string{"outcome", "from_cache"})

	resolutionLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "confmirror",
		Subsystem: "access",
		Name:      "resolution_duration_seconds",
		Help:      "Latency distribution for visible set resolutions.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"outcome"})

	reg.MustRegister(remoteRequests, remoteLatency, cacheOperations, resolutions, resolutionLatency)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:          reg,
		handler:           handler,
		remoteRequests:    remoteRequests,
		remoteLatency:     remoteLatency,
		cacheOperations:   cacheOperations,
		resolutions:       resolutions,
		resolutionLatency: resolutionLatency,
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

// ObserveRemote records the outcome and latency of one remote Confluence call.
func (r *Recorder) ObserveRemote(backend, operation string, outcome RemoteOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	backendLabel := normalizeLabel(backend)
	operationLabel := normalizeLabel(operation)
	outcomeLabel := string(outcome)
	if outcomeLabel == "" {
		outcomeLabel = string(RemoteOutcomeError)
	}
	r.remoteRequests.WithLabelValues(backendLabel, operationLabel, outcomeLabel).Inc()
	r.remoteLatency.WithLabelValues(backendLabel, operationLabel).Observe(duration.Seconds())
}

// ObserveCacheLookup records the result of a result-cache lookup.
func (r *Recorder) ObserveCacheLookup(operation string, result CacheLookupOutcome) {
	if r == nil {
		return
	}
	resultLabel := string(result)
	if resultLabel == "" {
		resultLabel = string(CacheLookupMiss)
	}
	r.cacheOperations.WithLabelValues(normalizeLabel(operation), resultLabel).Inc()
}

// ObserveResolution records a completed per-user visible set resolution.
func (r *Recorder) ObserveResolution(outcome string, fromCache bool, duration time.Duration) {
	if r == nil {
		return
	}
	outcomeLabel := normalizeLabel(outcome)
	cacheLabel := "false"
	if fromCache {
		cacheLabel = "true"
	}
	r.resolutions.WithLabelValues(outcomeLabel, cacheLabel).Inc()
	r.resolutionLatency.WithLabelValues(outcomeLabel).Observe(duration.Seconds())
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
