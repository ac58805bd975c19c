package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perfectuser21/grapnel/internal/hooks"
)

var (
	hookExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grapnel_hook_executions_total",
			Help: "Total number of hook executions by outcome",
		},
		[]string{"hook", "status"},
	)

	hookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grapnel_hook_duration_seconds",
			Help:    "Hook execution time in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"hook"},
	)

	hookRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grapnel_hook_retries_total",
			Help: "Total number of hook retry attempts",
		},
		[]string{"hook"},
	)

	batchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grapnel_batches_total",
			Help: "Total number of hook batches by source",
		},
		[]string{"source"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grapnel_http_requests_total",
			Help: "Total number of HTTP requests to the admin API",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grapnel_http_request_duration_seconds",
			Help:    "Admin API request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHookExecution(hook, status string, retries int, duration time.Duration) {
	hookExecutionsTotal.WithLabelValues(hook, status).Inc()
	hookDuration.WithLabelValues(hook).Observe(duration.Seconds())
	if retries > 0 {
		hookRetriesTotal.WithLabelValues(hook).Add(float64(retries))
	}
}

func RecordBatch(source string) {
	batchesTotal.WithLabelValues(source).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Observer feeds engine execution events into the counters above. Register
// it on the engine and every result, cache hits and skips included, becomes
// a labeled sample.
type Observer struct{}

func NewObserver() *Observer {
	return &Observer{}
}

func (o *Observer) HookExecuted(ev hooks.ExecutionEvent) {
	RecordHookExecution(ev.Result.HookName, ev.Result.Status(), ev.Result.Retries, ev.Result.Duration)
}

func (o *Observer) BatchExecuted(batchID, source string, hookCount int) {
	RecordBatch(source)
}

// Engine stats descriptors, exposed through EngineCollector rather than
// counters because the engine already tracks these internally.
var (
	descRegistered = prometheus.NewDesc(
		"grapnel_hooks_registered",
		"Number of registered hook definitions",
		nil, nil,
	)
	descInFlight = prometheus.NewDesc(
		"grapnel_hooks_in_flight",
		"Number of hook commands currently executing",
		nil, nil,
	)
	descCacheEntries = prometheus.NewDesc(
		"grapnel_cache_entries",
		"Entries currently held in the result cache",
		nil, nil,
	)
	descCacheHits = prometheus.NewDesc(
		"grapnel_cache_hits_total",
		"Total result cache hits",
		nil, nil,
	)
	descCacheMisses = prometheus.NewDesc(
		"grapnel_cache_misses_total",
		"Total result cache misses",
		nil, nil,
	)
	descCacheEvictions = prometheus.NewDesc(
		"grapnel_cache_evictions_total",
		"Entries evicted from the result cache to make room",
		nil, nil,
	)
	descBreakerState = prometheus.NewDesc(
		"grapnel_breaker_state",
		"Circuit breaker state per hook (0 closed, 1 open, 2 half-open)",
		[]string{"hook"}, nil,
	)
	descBreakerFailures = prometheus.NewDesc(
		"grapnel_breaker_failures",
		"Consecutive failure count per hook circuit breaker",
		[]string{"hook"}, nil,
	)
	descHostCPU = prometheus.NewDesc(
		"grapnel_host_cpu_percent",
		"Host CPU utilization percent",
		nil, nil,
	)
	descHostMemory = prometheus.NewDesc(
		"grapnel_host_memory_percent",
		"Host memory utilization percent",
		nil, nil,
	)
)

// StatsSource is the slice of the engine the collector needs.
type StatsSource interface {
	Stats(ctx context.Context) hooks.EngineStats
}

// EngineCollector exposes point-in-time engine state as gauges. It satisfies
// prometheus.Collector so scrape time drives sampling.
type EngineCollector struct {
	source StatsSource
}

func NewEngineCollector(source StatsSource) *EngineCollector {
	return &EngineCollector{source: source}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descRegistered
	ch <- descInFlight
	ch <- descCacheEntries
	ch <- descCacheHits
	ch <- descCacheMisses
	ch <- descCacheEvictions
	ch <- descBreakerState
	ch <- descBreakerFailures
	ch <- descHostCPU
	ch <- descHostMemory
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stats := c.source.Stats(ctx)

	ch <- prometheus.MustNewConstMetric(descRegistered, prometheus.GaugeValue, float64(stats.Registered))
	ch <- prometheus.MustNewConstMetric(descInFlight, prometheus.GaugeValue, float64(stats.InFlight))
	ch <- prometheus.MustNewConstMetric(descCacheEntries, prometheus.GaugeValue, float64(stats.Cache.Size))
	ch <- prometheus.MustNewConstMetric(descCacheHits, prometheus.CounterValue, float64(stats.Cache.Hits))
	ch <- prometheus.MustNewConstMetric(descCacheMisses, prometheus.CounterValue, float64(stats.Cache.Misses))
	ch <- prometheus.MustNewConstMetric(descCacheEvictions, prometheus.CounterValue, float64(stats.Cache.Evictions))
	ch <- prometheus.MustNewConstMetric(descHostCPU, prometheus.GaugeValue, stats.Host.CPUPercent)
	ch <- prometheus.MustNewConstMetric(descHostMemory, prometheus.GaugeValue, stats.Host.MemoryPercent)

	for name, breaker := range stats.Breakers {
		ch <- prometheus.MustNewConstMetric(descBreakerState, prometheus.GaugeValue, breakerStateValue(breaker.State), name)
		ch <- prometheus.MustNewConstMetric(descBreakerFailures, prometheus.GaugeValue, float64(breaker.Failures), name)
	}
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}
