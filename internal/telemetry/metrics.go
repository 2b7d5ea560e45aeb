package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector emitted by the ingestion pipeline
// and the dashboard API. All emission is advisory: a lost sample never
// changes ingestion behavior.
type Metrics struct {
	registry *prometheus.Registry

	// Subscriber-side counters
	Ingress     *prometheus.CounterVec
	Commits     *prometheus.CounterVec
	Duplicates  *prometheus.CounterVec
	DeadLetters *prometheus.CounterVec
	Reconnects  *prometheus.CounterVec
	Retries     *prometheus.CounterVec

	// Runtime gauges
	ActiveSubscribers prometheus.Gauge
	Lag               *prometheus.GaugeVec

	// Latency and volume histograms
	IngestLatency prometheus.Histogram
	APIRequests   *prometheus.CounterVec
	APILatency    *prometheus.HistogramVec
	APIPoints     *prometheus.HistogramVec
}

// NewMetrics builds a registry with all powermon collectors registered. Each
// caller gets an isolated prometheus.Registry so tests never collide.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		Ingress: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powermon_subscriber_ingress_total",
				Help: "Messages pulled in by subscription adapters",
			},
			[]string{"mac"},
		),
		Commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powermon_subscriber_commit_total",
				Help: "Readings committed to storage",
			},
			[]string{"mac"},
		),
		Duplicates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powermon_duplicates_total",
				Help: "Readings dropped as duplicates by (mac, ts, payload_hash)",
			},
			[]string{"mac"},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powermon_dead_letters_total",
				Help: "Rejected payloads by failure reason",
			},
			[]string{"reason"},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powermon_subscriber_reconnects_total",
				Help: "Adapter reconnects per device",
			},
			[]string{"mac"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powermon_subscriber_retries_total",
				Help: "Retry attempts per device and reason",
			},
			[]string{"mac", "reason"},
		),

		ActiveSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "powermon_subscriber_active_total",
				Help: "Number of active collection workers",
			},
		),
		Lag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "powermon_subscriber_lag_seconds",
				Help: "Ingestion backlog per device in seconds",
			},
			[]string{"mac"},
		),

		IngestLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "powermon_ingestion_latency_seconds",
				Help:    "Latency from envelope receipt to storage commit",
				Buckets: []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5},
			},
		),
		APIRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "powermon_api_requests_total",
				Help: "Dashboard API requests by endpoint and status label",
			},
			[]string{"endpoint", "status"},
		),
		APILatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "powermon_api_latency_seconds",
				Help:    "Dashboard API request duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"endpoint"},
		),
		APIPoints: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "powermon_api_points",
				Help:    "Points or records returned per API call",
				Buckets: []float64{1, 10, 50, 100, 500, 1000, 2000, 5000},
			},
			[]string{"endpoint"},
		),
	}

	m.registry.MustRegister(
		m.Ingress, m.Commits, m.Duplicates, m.DeadLetters, m.Reconnects, m.Retries,
		m.ActiveSubscribers, m.Lag,
		m.IngestLatency, m.APIRequests, m.APILatency, m.APIPoints,
	)
	return m
}

// ObserveAPI records one dashboard API call. points < 0 means "no point
// count for this endpoint".
func (m *Metrics) ObserveAPI(endpoint, status string, elapsedSeconds float64, points int) {
	m.APIRequests.WithLabelValues(endpoint, status).Inc()
	m.APILatency.WithLabelValues(endpoint).Observe(elapsedSeconds)
	if points >= 0 {
		m.APIPoints.WithLabelValues(endpoint).Observe(float64(points))
	}
}

// SetActiveSubscribers sets the active worker gauge.
func (m *Metrics) SetActiveSubscribers(count int) {
	m.ActiveSubscribers.Set(float64(count))
}

// SetLag sets the per-device backlog gauge.
func (m *Metrics) SetLag(mac string, lagSeconds float64) {
	m.Lag.WithLabelValues(mac).Set(lagSeconds)
}

// MarkReconnect counts one adapter reconnect for a device.
func (m *Metrics) MarkReconnect(mac string) {
	m.Reconnects.WithLabelValues(mac).Inc()
}

// MarkRetry counts one retry attempt for a device and reason.
func (m *Metrics) MarkRetry(mac, reason string) {
	m.Retries.WithLabelValues(mac, reason).Inc()
}

// Handler returns the Prometheus exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
