// Package metrics provides Prometheus metrics exporting.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pqgate metrics.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheHitsTotal        prometheus.Counter
	cacheMissesTotal      prometheus.Counter
	cacheEvictionsTotal   prometheus.Counter
	cacheExpirationsTotal prometheus.Counter

	upstreamDuration prometheus.Histogram
	upstreamErrors   prometheus.Counter

	registry *prometheus.Registry
}

// New creates a new metrics instance with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pqgate",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pqgate",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		cacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pqgate",
				Name:      "cache_hits_total",
				Help:      "Total number of response cache hits",
			},
		),
		cacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pqgate",
				Name:      "cache_misses_total",
				Help:      "Total number of response cache misses",
			},
		),
		cacheEvictionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pqgate",
				Name:      "cache_evictions_total",
				Help:      "Total number of response cache LRU evictions",
			},
		),
		cacheExpirationsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pqgate",
				Name:      "cache_expirations_total",
				Help:      "Total number of response cache TTL expirations",
			},
		),
		upstreamDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pqgate",
				Name:      "upstream_duration_seconds",
				Help:      "Upstream GraphQL execution duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		upstreamErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pqgate",
				Name:      "upstream_errors_total",
				Help:      "Total number of upstream execution errors",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.cacheHitsTotal,
		m.cacheMissesTotal,
		m.cacheEvictionsTotal,
		m.cacheExpirationsTotal,
		m.upstreamDuration,
		m.upstreamErrors,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordRequest records a request metric.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// CacheHit records a response cache hit. Implements cache.MetricsSink.
func (m *Metrics) CacheHit() { m.cacheHitsTotal.Inc() }

// CacheMiss records a response cache miss.
func (m *Metrics) CacheMiss() { m.cacheMissesTotal.Inc() }

// CacheEviction records an LRU eviction.
func (m *Metrics) CacheEviction() { m.cacheEvictionsTotal.Inc() }

// CacheExpiration records a TTL expiration.
func (m *Metrics) CacheExpiration() { m.cacheExpirationsTotal.Inc() }

// RecordUpstream records an upstream execution.
func (m *Metrics) RecordUpstream(duration time.Duration, err error) {
	m.upstreamDuration.Observe(duration.Seconds())
	if err != nil {
		m.upstreamErrors.Inc()
	}
}

// Middleware returns an HTTP middleware for request metrics collection.
func (m *Metrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &metricsResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			m.RecordRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
		})
	}
}

// metricsResponseWriter wraps http.ResponseWriter to capture the status.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}
