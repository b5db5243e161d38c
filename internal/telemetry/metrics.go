package telemetry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "token_aggregator"

// Metrics groups every collector the service exports. A nil *Metrics is
// valid and records nothing, which keeps components usable in tests.
type Metrics struct {
	registry *prometheus.Registry

	providerRequests *prometheus.CounterVec
	providerFailures *prometheus.CounterVec
	providerRetries  *prometheus.CounterVec
	rateLimitWait    *prometheus.HistogramVec

	cacheHits        *prometheus.CounterVec
	cacheMisses      prometheus.Counter
	cacheAvailable   prometheus.Gauge
	refreshDuration  prometheus.Histogram
	snapshotRecords  prometheus.Gauge
	eventsPublished  *prometheus.CounterVec
	detectorFailures prometheus.Counter

	wsConnectionsActive prometheus.Gauge
	wsConnectionsTotal  prometheus.Counter

	apiRequests *prometheus.CounterVec
	apiLatency  *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		providerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Provider operations attempted, by provider and operation.",
		}, []string{"provider", "operation"}),
		providerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_failures_total",
			Help:      "Provider operations that failed after retries, by error kind.",
		}, []string{"provider", "operation", "kind"}),
		providerRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_retries_total",
			Help:      "Backoff retries issued against providers.",
		}, []string{"provider"}),
		rateLimitWait: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a provider rate limit slot.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
		}, []string{"provider"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Cache hits by tier.",
		}, []string{"tier"}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Cache lookups that found nothing in either tier.",
		}),
		cacheAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_durable_available",
			Help:      "1 when the durable cache tier is reachable.",
		}),
		refreshDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of aggregator refreshes that reached providers.",
			Buckets:   prometheus.DefBuckets,
		}),
		snapshotRecords: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_records",
			Help:      "Records in the most recently built snapshot.",
		}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Change events published, by type.",
		}, []string{"type"}),
		detectorFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_cycle_failures_total",
			Help:      "Change detection cycles aborted by an error.",
		}),
		wsConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections_active",
			Help:      "Open websocket sessions.",
		}),
		wsConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_connections_total",
			Help:      "Websocket sessions accepted.",
		}),
		apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "API requests by route and status class.",
		}, []string{"route", "status"}),
		apiLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ProviderRequest(provider, operation string) {
	if m == nil {
		return
	}
	m.providerRequests.WithLabelValues(provider, operation).Inc()
}

func (m *Metrics) ProviderFailure(provider, operation, kind string) {
	if m == nil {
		return
	}
	m.providerFailures.WithLabelValues(provider, operation, kind).Inc()
}

func (m *Metrics) ProviderRetry(provider string) {
	if m == nil {
		return
	}
	m.providerRetries.WithLabelValues(provider).Inc()
}

func (m *Metrics) RateLimitWait(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.rateLimitWait.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *Metrics) CacheHit(tier string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(tier).Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) CacheAvailable(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.cacheAvailable.Set(1)
		return
	}
	m.cacheAvailable.Set(0)
}

func (m *Metrics) RefreshCompleted(d time.Duration, records int) {
	if m == nil {
		return
	}
	m.refreshDuration.Observe(d.Seconds())
	m.snapshotRecords.Set(float64(records))
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DetectorFailure() {
	if m == nil {
		return
	}
	m.detectorFailures.Inc()
}

func (m *Metrics) WSConnectionOpened() {
	if m == nil {
		return
	}
	m.wsConnectionsTotal.Inc()
	m.wsConnectionsActive.Inc()
}

func (m *Metrics) WSConnectionClosed() {
	if m == nil {
		return
	}
	m.wsConnectionsActive.Dec()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// APIRequestMetricsMiddleware records request volume, status and latency per
// route pattern.
func (m *Metrics) APIRequestMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		route := strings.TrimSpace(r.Method + " " + requestRoute(r))
		m.apiRequests.WithLabelValues(route, strconv.Itoa(recorder.status/100)+"xx").Inc()
		m.apiLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func requestRoute(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return strings.TrimSpace(r.URL.Path)
}
