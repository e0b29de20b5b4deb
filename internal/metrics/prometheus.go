package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics using Prometheus with zero-allocation hot path
type PrometheusMetrics struct {
	// Authorization counters (using atomic for zero-allocation)
	checksAllow  atomic.Uint64
	checksDeny   atomic.Uint64
	cacheHits    atomic.Uint64
	cacheMisses  atomic.Uint64

	// Prometheus metrics (for HTTP export)
	checksTotal       *prometheus.CounterVec
	cacheHitsTotal    prometheus.Counter
	cacheMissesTotal  prometheus.Counter
	authErrors        *prometheus.CounterVec
	activeRequests    prometheus.Gauge
	checkDuration     prometheus.Histogram

	// Dispatch metrics
	dispatchJobs          *prometheus.CounterVec
	dispatchCacheOps      *prometheus.CounterVec
	dispatchCacheHits     prometheus.Counter
	dispatchCacheMisses   prometheus.Counter
	dispatchCacheEvictions prometheus.Counter
	queueDepth             prometheus.Gauge
	activeWorkers          prometheus.Gauge
	cacheEntries           prometheus.Gauge
	jobDuration            prometheus.Histogram

	// Guardian store metrics
	guardianOps              *prometheus.CounterVec
	guardianErrors           *prometheus.CounterVec
	guardianStoreSize        prometheus.Gauge
	indexSize              prometheus.Gauge
	guardianVelocityCheckDuration   prometheus.Histogram
	guardianBaselineUpdateDuration   prometheus.Histogram

	registry *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	// Register standard Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Authorization metrics
	checksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Total number of authorization checks by effect",
		},
		[]string{"effect"},
	)

	cacheHitsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		},
	)

	cacheMissesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		},
	)

	authErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of authorization errors by type",
		},
		[]string{"type"},
	)

	activeRequests := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of active authorization requests",
		},
	)

	// Authorization latency: 1µs to 10ms (sub-millisecond expected)
	checkDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_microseconds",
			Help:      "Authorization check latency in microseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000, 10000},
		},
	)

	// Dispatch metrics
	dispatchJobs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "jobs_total",
			Help:      "Total number of dispatch jobs by status",
		},
		[]string{"status"},
	)

	dispatchCacheOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "cache_operations_total",
			Help:      "Total number of dispatch cache operations",
		},
		[]string{"operation"},
	)

	dispatchCacheHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "cache_hits_total",
			Help:      "Total number of dispatch cache hits",
		},
	)

	dispatchCacheMisses := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "cache_misses_total",
			Help:      "Total number of dispatch cache misses",
		},
	)

	dispatchCacheEvictions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "cache_evictions_total",
			Help:      "Total number of dispatch cache evictions",
		},
	)

	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Current depth of dispatch job queue",
		},
	)

	activeWorkers := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "workers_active",
			Help:      "Number of active dispatch workers",
		},
	)

	cacheEntries := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "cache_entries",
			Help:      "Number of entries in dispatch cache",
		},
	)

	// Dispatch jobs: 10ms to 1 second (agent processing time)
	jobDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "job_duration_milliseconds",
			Help:      "Dispatch job processing duration in milliseconds",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Guardian store metrics
	guardianOps := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "operations_total",
			Help:      "Total number of guardian operations by type",
		},
		[]string{"op"},
	)

	guardianErrors := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "errors_total",
			Help:      "Total number of guardian errors by type",
		},
		[]string{"type"},
	)

	guardianStoreSize := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "store_size",
			Help:      "Number of principals tracked in guardian baseline cache",
		},
	)

	indexSize := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "index_size_bytes",
			Help:      "Size of guardian anomaly ring buffer in bytes",
		},
	)

	// Guardian velocity checks: 1ms to 500ms
	guardianVelocityCheckDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "velocity_check_duration_milliseconds",
			Help:      "Guardian velocity-check latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	guardianBaselineUpdateDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "guardian",
			Name:      "baseline_update_duration_milliseconds",
			Help:      "Guardian baseline-update latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	// Register all metrics
	registry.MustRegister(
		checksTotal,
		cacheHitsTotal,
		cacheMissesTotal,
		authErrors,
		activeRequests,
		checkDuration,
		dispatchJobs,
		dispatchCacheOps,
		dispatchCacheHits,
		dispatchCacheMisses,
		dispatchCacheEvictions,
		queueDepth,
		activeWorkers,
		cacheEntries,
		jobDuration,
		guardianOps,
		guardianErrors,
		guardianStoreSize,
		indexSize,
		guardianVelocityCheckDuration,
		guardianBaselineUpdateDuration,
	)

	pm := &PrometheusMetrics{
		checksTotal:             checksTotal,
		cacheHitsTotal:          cacheHitsTotal,
		cacheMissesTotal:        cacheMissesTotal,
		authErrors:              authErrors,
		activeRequests:          activeRequests,
		checkDuration:           checkDuration,
		dispatchJobs:           dispatchJobs,
		dispatchCacheOps:       dispatchCacheOps,
		dispatchCacheHits:      dispatchCacheHits,
		dispatchCacheMisses:    dispatchCacheMisses,
		dispatchCacheEvictions: dispatchCacheEvictions,
		queueDepth:              queueDepth,
		activeWorkers:           activeWorkers,
		cacheEntries:            cacheEntries,
		jobDuration:             jobDuration,
		guardianOps:               guardianOps,
		guardianErrors:            guardianErrors,
		guardianStoreSize:         guardianStoreSize,
		indexSize:               indexSize,
		guardianVelocityCheckDuration:    guardianVelocityCheckDuration,
		guardianBaselineUpdateDuration:    guardianBaselineUpdateDuration,
		registry:                registry,
	}

	// Initialize atomic counters to sync with Prometheus
	pm.checksAllow.Store(0)
	pm.checksDeny.Store(0)
	pm.cacheHits.Store(0)
	pm.cacheMisses.Store(0)

	return pm
}

// RecordCheck records an authorization check (zero-allocation hot path)
func (p *PrometheusMetrics) RecordCheck(effect string, duration time.Duration) {
	// Fast path: atomic increment (no allocations)
	if effect == "allow" || effect == "EFFECT_ALLOW" {
		p.checksAllow.Add(1)
	} else {
		p.checksDeny.Add(1)
	}

	// Update Prometheus metrics synchronously
	// Note: Prometheus client is thread-safe and these operations are fast
	p.checksTotal.WithLabelValues(effect).Inc()
	p.checkDuration.Observe(float64(duration.Microseconds()))
}

// RecordCacheHit records a cache hit (zero-allocation)
func (p *PrometheusMetrics) RecordCacheHit() {
	p.cacheHits.Add(1)
	p.cacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss (zero-allocation)
func (p *PrometheusMetrics) RecordCacheMiss() {
	p.cacheMisses.Add(1)
	p.cacheMissesTotal.Inc()
}

// RecordAuthError records an authorization error
func (p *PrometheusMetrics) RecordAuthError(errorType string) {
	p.authErrors.WithLabelValues(errorType).Inc()
}

// IncActiveRequests increments active requests
func (p *PrometheusMetrics) IncActiveRequests() {
	p.activeRequests.Inc()
}

// DecActiveRequests decrements active requests
func (p *PrometheusMetrics) DecActiveRequests() {
	p.activeRequests.Dec()
}

// RecordDispatchJob records a swarm dispatch job
func (p *PrometheusMetrics) RecordDispatchJob(status string, duration time.Duration) {
	p.dispatchJobs.WithLabelValues(status).Inc()
	p.jobDuration.Observe(float64(duration.Milliseconds()))
}

// RecordCacheOperation records a cache operation
func (p *PrometheusMetrics) RecordCacheOperation(operation string) {
	p.dispatchCacheOps.WithLabelValues(operation).Inc()

	// Also update specific counters for backward compatibility
	switch operation {
	case "hit":
		p.dispatchCacheHits.Inc()
	case "miss":
		p.dispatchCacheMisses.Inc()
	case "eviction":
		p.dispatchCacheEvictions.Inc()
	}
}

// UpdateQueueDepth updates the dispatch queue depth
func (p *PrometheusMetrics) UpdateQueueDepth(depth int) {
	p.queueDepth.Set(float64(depth))
}

// UpdateActiveWorkers updates the number of active workers
func (p *PrometheusMetrics) UpdateActiveWorkers(count int) {
	p.activeWorkers.Set(float64(count))
}

// UpdateCacheEntries updates the number of cache entries
func (p *PrometheusMetrics) UpdateCacheEntries(count int) {
	p.cacheEntries.Set(float64(count))
}

// RecordGuardianOp records a guardian operation
func (p *PrometheusMetrics) RecordGuardianOp(operation string, duration time.Duration) {
	p.guardianOps.WithLabelValues(operation).Inc()

	ms := float64(duration.Milliseconds())
	switch operation {
	case "velocity_check":
		p.guardianVelocityCheckDuration.Observe(ms)
	case "baseline_update":
		p.guardianBaselineUpdateDuration.Observe(ms)
	}
}

// RecordGuardianError records a guardian operation error
func (p *PrometheusMetrics) RecordGuardianError(errorType string) {
	p.guardianErrors.WithLabelValues(errorType).Inc()
}

// UpdateGuardianStoreSize updates the guardian store size
func (p *PrometheusMetrics) UpdateGuardianStoreSize(count int) {
	p.guardianStoreSize.Set(float64(count))
}

// UpdateIndexSize updates the index size in bytes
func (p *PrometheusMetrics) UpdateIndexSize(bytes int64) {
	p.indexSize.Set(float64(bytes))
}

// HTTPHandler returns the Prometheus HTTP handler for /metrics endpoint
func (p *PrometheusMetrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
