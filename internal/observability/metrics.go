package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/hpcdash/pkg/modules"
)

// Telemetry is the process-wide metrics set, nil until InitTelemetry.
var Telemetry *Metrics

// Metrics holds the dashboard collectors on a private registry. Every
// method is safe on a nil receiver.
type Metrics struct {
	Registry *prometheus.Registry

	cacheLookups    *prometheus.CounterVec
	refreshRuns     *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	gatewayDuration *prometheus.HistogramVec
	abandonedLocks  *prometheus.CounterVec
	scanFamilies    prometheus.Gauge
	scanDetails     *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// InitTelemetry creates the metrics set and stores it in Telemetry.
func InitTelemetry(namespace string) *Metrics {
	Telemetry = NewMetrics(namespace)
	return Telemetry
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache reads by key and result (fresh, stale, empty).",
		}, []string{"key", "result"}),
		refreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_runs_total",
			Help:      "Background refresh runs by key and outcome.",
		}, []string{"key", "outcome"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Background refresh run duration.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"key"}),
		gatewayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_command_duration_seconds",
			Help:      "External command duration by command and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 3, 10),
		}, []string{"command", "outcome"}),
		abandonedLocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "abandoned_locks_total",
			Help:      "Refresh locks recovered after exceeding the ceiling.",
		}, []string{"key"}),
		scanFamilies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "module_families",
			Help:      "Module families found by the last catalog scan.",
		}),
		scanDetails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_details_total",
			Help:      "Module descriptions by source (cached, fetched, failed).",
		}, []string{"source"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status class.",
		}, []string{"method", "status"}),
	}
	reg.MustRegister(
		m.cacheLookups, m.refreshRuns, m.refreshDuration, m.gatewayDuration,
		m.abandonedLocks, m.scanFamilies, m.scanDetails, m.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveCache(key, result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(key, result).Inc()
}

func (m *Metrics) ObserveRefresh(key, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.refreshRuns.WithLabelValues(key, outcome).Inc()
	m.refreshDuration.WithLabelValues(key).Observe(d.Seconds())
}

func (m *Metrics) ObserveGateway(name, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayDuration.WithLabelValues(name, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveAbandon(key string) {
	if m == nil {
		return
	}
	m.abandonedLocks.WithLabelValues(key).Inc()
}

func (m *Metrics) ObserveScan(s modules.Summary) {
	if m == nil {
		return
	}
	m.scanFamilies.Set(float64(s.UniqueCount))
	m.scanDetails.WithLabelValues("cached").Add(float64(s.Cached))
	m.scanDetails.WithLabelValues("fetched").Add(float64(s.Fetched))
	m.scanDetails.WithLabelValues("failed").Add(float64(s.Failed))
}

// ObserveHTTP counts a request by status class ("2xx", "5xx").
func (m *Metrics) ObserveHTTP(method string, status int) {
	if m == nil {
		return
	}
	class := string(rune('0'+status/100)) + "xx"
	m.httpRequests.WithLabelValues(method, class).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
