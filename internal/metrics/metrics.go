package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "charsearch",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "charsearch",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.3, 0.5, 1, 2, 5},
	}, []string{"method", "path"})

	FetchRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "charsearch",
		Name:      "fetch_requests_total",
		Help:      "Total remote character lookups by result status.",
	}, []string{"status"})

	FetchRequestDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "charsearch",
		Name:      "fetch_request_duration_seconds",
		Help:      "Remote character lookup duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	FetchCoalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "charsearch",
		Name:      "fetch_coalesced_total",
		Help:      "Lookups served by joining an identical in-flight request.",
	})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "charsearch",
		Name:      "cache_hits_total",
		Help:      "Total number of query cache hits.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "charsearch",
		Name:      "cache_misses_total",
		Help:      "Total number of query cache misses.",
	})

	CacheBackendErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "charsearch",
		Name:      "cache_backend_errors_total",
		Help:      "Durable cache backend errors by operation.",
	}, []string{"op"})

	DebounceFiresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "charsearch",
		Name:      "debounce_fires_total",
		Help:      "Searches triggered after the input went quiet.",
	})

	StaleResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "charsearch",
		Name:      "stale_results_discarded_total",
		Help:      "Fetch outcomes ignored because a newer search superseded them.",
	}, []string{"outcome"})

	StateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "charsearch",
		Name:      "state_transitions_total",
		Help:      "Search controller state transitions by target status.",
	}, []string{"status"})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "charsearch",
		Name:      "active_sessions",
		Help:      "Number of live search sessions.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		FetchRequestsTotal,
		FetchRequestDuration,
		FetchCoalescedTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheBackendErrorsTotal,
		DebounceFiresTotal,
		StaleResultsTotal,
		StateTransitionsTotal,
		ActiveSessions,
	)
}
