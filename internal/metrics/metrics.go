// Package metrics exposes Prometheus counters and gauges for the relay.
// Grounded on the HLS orchestrator's internal/platform/metrics package in
// the example pack: a registry-owning struct with named Inc/Set methods and
// a Handler() that wraps promhttp, rather than the default global registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus series the relay emits.
type Metrics struct {
	registry *prometheus.Registry

	ingestPublishesTotal   prometheus.Counter
	ingestRejectionsTotal  prometheus.Counter
	relayStartsTotal       *prometheus.CounterVec
	relayExitsTotal        *prometheus.CounterVec
	activeDestinations     prometheus.Gauge
	controlRequestsTotal   *prometheus.CounterVec
	controlErrorsTotal     *prometheus.CounterVec
}

// New creates and registers the relay's metric series.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ingestPublishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycaster_ingest_publishes_total",
			Help: "Total number of RTMP publishes accepted by the ingest.",
		}),
		ingestRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaycaster_ingest_rejections_total",
			Help: "Total number of RTMP publishes rejected at onPrePublish.",
		}),
		relayStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycaster_relay_starts_total",
			Help: "Total number of relay children spawned, by destination id.",
		}, []string{"destination_id"}),
		relayExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycaster_relay_exits_total",
			Help: "Total number of relay children that exited, by destination id and outcome.",
		}, []string{"destination_id", "outcome"}),
		activeDestinations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relaycaster_active_destinations",
			Help: "Number of destinations currently connected or streaming.",
		}),
		controlRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycaster_control_requests_total",
			Help: "Total number of Control API requests, by route and method.",
		}, []string{"route", "method"}),
		controlErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaycaster_control_errors_total",
			Help: "Total number of Control API responses with a 4xx or 5xx status, by kind.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.ingestPublishesTotal,
		m.ingestRejectionsTotal,
		m.relayStartsTotal,
		m.relayExitsTotal,
		m.activeDestinations,
		m.controlRequestsTotal,
		m.controlErrorsTotal,
	)
	return m
}

func (m *Metrics) IncIngestPublish()   { m.ingestPublishesTotal.Inc() }
func (m *Metrics) IncIngestRejection() { m.ingestRejectionsTotal.Inc() }

func (m *Metrics) IncRelayStart(destinationID string) {
	m.relayStartsTotal.WithLabelValues(destinationID).Inc()
}

func (m *Metrics) IncRelayExit(destinationID, outcome string) {
	m.relayExitsTotal.WithLabelValues(destinationID, outcome).Inc()
}

func (m *Metrics) SetActiveDestinations(n int) {
	m.activeDestinations.Set(float64(n))
}

func (m *Metrics) IncControlRequest(route, method string) {
	m.controlRequestsTotal.WithLabelValues(route, method).Inc()
}

func (m *Metrics) IncControlError(kind string) {
	m.controlErrorsTotal.WithLabelValues(kind).Inc()
}

// Handler serves the registry's current state in the Prometheus text
// exposition format. updateGauges, when non-nil, runs immediately before
// each scrape so gauges reflect live state rather than the last mutation.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
