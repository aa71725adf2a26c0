package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Extension runtime metrics
	RuntimesActive prometheus.Gauge
	RuntimesTotal  prometheus.Counter

	// Dispatch metrics
	DispatchCalls    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec

	// Protocol metrics
	EnvelopesDropped *prometheus.CounterVec

	// Bridge metrics
	BridgeRequests *prometheus.CounterVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector backed by its own registry,
// so multiple collectors can coexist in one process.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		startTime: time.Now(),
		registry:  registry,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extos_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extos_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		RuntimesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "extos_runtimes_active",
				Help: "Number of active extension runtimes",
			},
		),
		RuntimesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "extos_runtimes_total",
				Help: "Total number of extension runtimes created",
			},
		),

		DispatchCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extos_dispatch_calls_total",
				Help: "Total number of host method dispatches",
			},
			[]string{"method", "status"},
		),
		DispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "extos_dispatch_duration_seconds",
				Help:    "Host method dispatch duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method"},
		),

		EnvelopesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extos_envelopes_dropped_total",
				Help: "Total number of protocol envelopes silently dropped",
			},
			[]string{"reason"},
		),

		BridgeRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extos_bridge_requests_total",
				Help: "Total number of bridge fetch requests",
			},
			[]string{"connection", "status"},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "extos_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "extos_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "extos_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
	}

	go m.updateUptime()

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDispatch records one host method dispatch
func (m *Metrics) RecordDispatch(method, status string, duration time.Duration) {
	m.DispatchCalls.WithLabelValues(method, status).Inc()
	m.DispatchDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDroppedEnvelope records a silently dropped envelope
func (m *Metrics) RecordDroppedEnvelope(reason string) {
	m.EnvelopesDropped.WithLabelValues(reason).Inc()
}

// RecordBridgeRequest records a bridge fetch
func (m *Metrics) RecordBridgeRequest(connection, status string) {
	m.BridgeRequests.WithLabelValues(connection, status).Inc()
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// SetRuntimesActive sets the number of active runtimes
func (m *Metrics) SetRuntimesActive(count int) {
	m.RuntimesActive.Set(float64(count))
}

// IncRuntimesTotal increments the total runtimes counter
func (m *Metrics) IncRuntimesTotal() {
	m.RuntimesTotal.Inc()
}

// IncWSConnections increments WebSocket connections
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}
