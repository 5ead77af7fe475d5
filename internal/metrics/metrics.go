// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aussielabs/aussie/internal/ratelimit"
)

// Metrics bundles every collector on one registry so tests can build
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	ratelimitDecisions   *prometheus.CounterVec
	ratelimitProviderErr *prometheus.CounterVec
	backendErrors        *prometheus.CounterVec
	wsActive             *prometheus.GaugeVec
	bulkheadInUse        *prometheus.GaugeVec
	bulkheadRejected     *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, including the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aussie_requests_total",
			Help: "Completed HTTP requests by service, method, and status.",
		}, []string{"service", "method", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aussie_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"service"}),
		ratelimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aussie_ratelimit_decisions_total",
			Help: "Rate-limit verdicts by scope kind.",
		}, []string{"scope", "outcome"}),
		ratelimitProviderErr: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aussie_ratelimit_provider_errors_total",
			Help: "Rate-limit provider failures that admitted a request.",
		}, []string{"provider"}),
		backendErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aussie_proxy_backend_errors_total",
			Help: "Proxy failures by service and kind (connect, timeout, body).",
		}, []string{"service", "kind"}),
		wsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aussie_ws_active",
			Help: "Open WebSocket relays per service.",
		}, []string{"service"}),
		bulkheadInUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aussie_bulkhead_in_use",
			Help: "Held bulkhead slots per pool.",
		}, []string{"pool"}),
		bulkheadRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aussie_bulkhead_rejected_total",
			Help: "Acquisitions refused because the pool was exhausted.",
		}, []string{"pool"}),
	}
}

// Handler serves the registry in exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(service, method string, status int, seconds float64) {
	if service == "" {
		service = "unknown"
	}
	m.requestsTotal.WithLabelValues(service, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(service).Observe(seconds)
}

// ObserveRateLimit records one admission decision. scope is the kind
// prefix (http, ws-conn, ws-msg, auth), not the full key.
func (m *Metrics) ObserveRateLimit(scope string, d ratelimit.Decision) {
	outcome := "allowed"
	if !d.Allowed {
		outcome = "limited"
	}
	m.ratelimitDecisions.WithLabelValues(scope, outcome).Inc()
}

// ObserveProviderError records a fail-open admission.
func (m *Metrics) ObserveProviderError(provider string) {
	m.ratelimitProviderErr.WithLabelValues(provider).Inc()
}

// ObserveBackendError records an upstream failure.
func (m *Metrics) ObserveBackendError(service, kind string) {
	m.backendErrors.WithLabelValues(service, kind).Inc()
}

// WSOpened and WSClosed track the relay gauge.
func (m *Metrics) WSOpened(service string) { m.wsActive.WithLabelValues(service).Inc() }
func (m *Metrics) WSClosed(service string) { m.wsActive.WithLabelValues(service).Dec() }

// SetBulkheadInUse updates a pool's occupancy gauge.
func (m *Metrics) SetBulkheadInUse(pool string, inUse int64) {
	m.bulkheadInUse.WithLabelValues(pool).Set(float64(inUse))
}

// ObserveBulkheadRejected records one shed acquisition.
func (m *Metrics) ObserveBulkheadRejected(pool string) {
	m.bulkheadRejected.WithLabelValues(pool).Inc()
}
