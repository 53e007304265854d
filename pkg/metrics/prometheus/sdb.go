package prometheus

import (
	"time"

	"github.com/marmos91/dittosdb/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// sdbMetrics is the Prometheus implementation of metrics.SDBMetrics.
type sdbMetrics struct {
	requestsTotal          *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
	requestsInFlight       *prometheus.GaugeVec
	bytesTransferred       *prometheus.CounterVec
	busyRejections         prometheus.Counter
	openConnections        prometheus.Gauge
	activeConnections      prometheus.Gauge
	connectionsAccepted    prometheus.Counter
	connectionsClosed      prometheus.Counter
	connectionsForceClosed prometheus.Counter
	protocolViolations     prometheus.Counter
}

// NewSDBMetrics creates a Prometheus-backed metrics.SDBMetrics on the global
// registry.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewSDBMetrics() metrics.SDBMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopSDBMetrics()
	}
	return NewSDBMetricsWith(metrics.GetRegistry())
}

// NewSDBMetricsWith registers the metrics on reg.
func NewSDBMetricsWith(reg prometheus.Registerer) metrics.SDBMetrics {
	return &sdbMetrics{
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosdb_requests_total",
				Help: "Total number of requests by operation and status",
			},
			[]string{"operation", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittosdb_request_duration_milliseconds",
				Help: "Duration of requests in milliseconds",
				Buckets: []float64{
					1,     // 1ms
					10,    // 10ms
					100,   // 100ms
					1000,  // 1s
					10000, // 10s
				},
			},
			[]string{"operation"},
		),
		requestsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittosdb_requests_in_flight",
				Help: "Current number of requests being processed",
			},
			[]string{"operation"},
		),
		bytesTransferred: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittosdb_bytes_transferred_total",
				Help: "Total bytes read from or written to database files",
			},
			[]string{"direction"},
		),
		busyRejections: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosdb_busy_rejections_total",
				Help: "Opens refused because another connection had the name open",
			},
		),
		openConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittosdb_open_connections",
				Help: "Connections currently holding an open database file",
			},
		),
		activeConnections: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittosdb_active_connections",
				Help: "Current number of connected clients",
			},
		),
		connectionsAccepted: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosdb_connections_accepted_total",
				Help: "Total number of client connections accepted",
			},
		),
		connectionsClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosdb_connections_closed_total",
				Help: "Total number of client connections closed",
			},
		),
		connectionsForceClosed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosdb_connections_force_closed_total",
				Help: "Total number of client connections force-closed during shutdown timeout",
			},
		),
		protocolViolations: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittosdb_protocol_violations_total",
				Help: "Clients disconnected for breaking protocol",
			},
		),
	}
}

func (m *sdbMetrics) RecordRequest(operation string, duration time.Duration, status string) {
	m.requestsTotal.WithLabelValues(operation, status).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *sdbMetrics) RecordRequestStart(operation string) {
	m.requestsInFlight.WithLabelValues(operation).Inc()
}

func (m *sdbMetrics) RecordRequestEnd(operation string) {
	m.requestsInFlight.WithLabelValues(operation).Dec()
}

func (m *sdbMetrics) RecordBytesTransferred(direction string, bytes uint64) {
	m.bytesTransferred.WithLabelValues(direction).Add(float64(bytes))
}

func (m *sdbMetrics) RecordBusyRejection() {
	m.busyRejections.Inc()
}

func (m *sdbMetrics) SetOpenConnections(count int) {
	m.openConnections.Set(float64(count))
}

func (m *sdbMetrics) SetActiveConnections(count int32) {
	m.activeConnections.Set(float64(count))
}

func (m *sdbMetrics) RecordConnectionAccepted() {
	m.connectionsAccepted.Inc()
}

func (m *sdbMetrics) RecordConnectionClosed() {
	m.connectionsClosed.Inc()
}

func (m *sdbMetrics) RecordConnectionForceClosed() {
	m.connectionsForceClosed.Inc()
}

func (m *sdbMetrics) RecordProtocolViolation() {
	m.protocolViolations.Inc()
}
