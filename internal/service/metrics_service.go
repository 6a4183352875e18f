package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairdatahub/download-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	tickDuration    prometheus.Observer
	prepared        prometheus.Counter
	completed       prometheus.Counter
	expired         prometheus.Counter
	admitted        prometheus.Counter
	queueDepth      prometheus.Gauge

	cacheHitCount   uint64
	cacheMissCount  uint64
	requestCount    uint64
	tickCount       uint64
	preparedCount   uint64
	completedCount  uint64
	expiredCount    uint64
	admittedCount   uint64
	lastQueueDepth  int64
	tickDurationSum uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	tickDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_tick_duration_seconds",
		Help:    "Duration of scheduler ticks",
		Buckets: prometheus.DefBuckets,
	})

	prepared := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "downloads_prepared_total",
		Help: "Total prepare requests issued to archival storage",
	})

	completed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "downloads_completed_total",
		Help: "Total downloads that reached COMPLETE",
	})

	expired := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "downloads_expired_total",
		Help: "Total downloads expired after upstream rejections",
	})

	admitted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "downloads_admitted_total",
		Help: "Total queued downloads admitted for preparation",
	})

	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "download_queue_depth",
		Help: "Number of downloads currently queued",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheHitRatio, cacheHits, cacheMisses,
		tickDuration, prepared, completed, expired, admitted, queueDepth, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		cacheLatency:    cacheLatency,
		cacheHitRatio:   cacheHitRatio,
		cacheHits:       cacheHits,
		cacheMisses:     cacheMisses,
		tickDuration:    tickDuration,
		prepared:        prepared,
		completed:       completed,
		expired:         expired,
		admitted:        admitted,
		queueDepth:      queueDepth,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveSchedulerTick records the duration of one scheduling pass.
func (m *MetricsService) ObserveSchedulerTick(duration time.Duration) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(duration.Seconds())
	atomic.AddUint64(&m.tickCount, 1)
	atomic.AddUint64(&m.tickDurationSum, uint64(duration.Nanoseconds()))
}

// IncDownloadsPrepared counts a successful prepare request.
func (m *MetricsService) IncDownloadsPrepared() {
	if m == nil {
		return
	}
	m.prepared.Inc()
	atomic.AddUint64(&m.preparedCount, 1)
}

// IncDownloadsCompleted counts a download reaching COMPLETE.
func (m *MetricsService) IncDownloadsCompleted() {
	if m == nil {
		return
	}
	m.completed.Inc()
	atomic.AddUint64(&m.completedCount, 1)
}

// IncDownloadsExpired counts a download expired after an upstream rejection.
func (m *MetricsService) IncDownloadsExpired() {
	if m == nil {
		return
	}
	m.expired.Inc()
	atomic.AddUint64(&m.expiredCount, 1)
}

// IncDownloadsAdmitted counts a queued download admitted for preparation.
func (m *MetricsService) IncDownloadsAdmitted() {
	if m == nil {
		return
	}
	m.admitted.Inc()
	atomic.AddUint64(&m.admittedCount, 1)
}

// SetQueueDepth records the current number of queued downloads.
func (m *MetricsService) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	atomic.StoreInt64(&m.lastQueueDepth, int64(depth))
}

// Snapshot returns aggregated metrics suitable for the admin status endpoint.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	ticks := atomic.LoadUint64(&m.tickCount)
	tickSum := atomic.LoadUint64(&m.tickDurationSum)

	var cacheRatio float64
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}
	var avgTickMs float64
	if ticks > 0 {
		avgTickMs = float64(tickSum) / float64(ticks) / float64(time.Millisecond)
	}

	return models.SystemMetrics{
		CacheHitRatio:         cacheRatio,
		CacheHits:             hits,
		CacheMisses:           misses,
		RequestsTotal:         atomic.LoadUint64(&m.requestCount),
		SchedulerTicks:        ticks,
		AverageTickDurationMs: avgTickMs,
		DownloadsPrepared:     atomic.LoadUint64(&m.preparedCount),
		DownloadsCompleted:    atomic.LoadUint64(&m.completedCount),
		DownloadsExpired:      atomic.LoadUint64(&m.expiredCount),
		DownloadsAdmitted:     atomic.LoadUint64(&m.admittedCount),
		QueueDepth:            atomic.LoadInt64(&m.lastQueueDepth),
		Goroutines:            runtime.NumGoroutine(),
		GeneratedAt:           time.Now().UTC(),
	}
}
