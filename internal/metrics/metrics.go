// Package metrics exposes Prometheus metrics for broker calls, the instrument
// catalog and the HTTP surface. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apperrors "options-dekho/internal/errors"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	BrokerCalls        *prometheus.CounterVec   // labels: operation, outcome
	BrokerLatency      *prometheus.HistogramVec // labels: operation
	CatalogFetches     *prometheus.CounterVec   // labels: outcome
	CatalogSharedWaits prometheus.Counter
	CatalogRecords     prometheus.Gauge
	CatalogAge         prometheus.Gauge
	TokenInvalidations *prometheus.CounterVec // labels: reason
	HTTPRequests       *prometheus.CounterVec // labels: route, method, status
	HTTPLatency        *prometheus.HistogramVec
}

// NewMetrics registers and returns all metrics on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		BrokerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsdekho_broker_calls_total",
			Help: "Broker API calls by operation and outcome",
		}, []string{"operation", "outcome"}),
		BrokerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optionsdekho_broker_call_duration_seconds",
			Help:    "Broker API call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
		CatalogFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsdekho_catalog_fetches_total",
			Help: "Instrument catalog refreshes by outcome (ok, shared, stale, error)",
		}, []string{"outcome"}),
		CatalogSharedWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "optionsdekho_catalog_shared_waits_total",
			Help: "Callers that joined an in-flight catalog refresh",
		}),
		CatalogRecords: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionsdekho_catalog_records",
			Help: "Instrument records in the current catalog snapshot",
		}),
		CatalogAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "optionsdekho_catalog_fetched_timestamp_seconds",
			Help: "Unix time of the current catalog snapshot",
		}),
		TokenInvalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsdekho_broker_token_invalidations_total",
			Help: "Broker tokens deleted by reason (expired, rejected, user)",
		}, []string{"reason"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionsdekho_http_requests_total",
			Help: "HTTP requests by route, method and status",
		}, []string{"route", "method", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optionsdekho_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		m.BrokerCalls,
		m.BrokerLatency,
		m.CatalogFetches,
		m.CatalogSharedWaits,
		m.CatalogRecords,
		m.CatalogAge,
		m.TokenInvalidations,
		m.HTTPRequests,
		m.HTTPLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveBrokerCall records one broker call.
func (m *Metrics) ObserveBrokerCall(operation string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = apperrors.Classify(err).String()
	}
	m.BrokerCalls.WithLabelValues(operation, outcome).Inc()
	m.BrokerLatency.WithLabelValues(operation).Observe(d.Seconds())
}

// CatalogFetched records a catalog refresh outcome.
func (m *Metrics) CatalogFetched(outcome string, records int, fetchedAt time.Time) {
	if m == nil {
		return
	}
	m.CatalogFetches.WithLabelValues(outcome).Inc()
	if outcome == "ok" {
		m.CatalogRecords.Set(float64(records))
		m.CatalogAge.Set(float64(fetchedAt.Unix()))
	}
}

// CatalogShared records a caller that reused an in-flight refresh.
func (m *Metrics) CatalogShared() {
	if m == nil {
		return
	}
	m.CatalogSharedWaits.Inc()
}

// TokenInvalidated records a broker token deletion.
func (m *Metrics) TokenInvalidated(reason string) {
	if m == nil {
		return
	}
	m.TokenInvalidations.WithLabelValues(reason).Inc()
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(d.Seconds())
}
