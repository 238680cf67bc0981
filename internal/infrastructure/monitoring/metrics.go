package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the agent.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Sync metrics
	BatchesTotal    *prometheus.CounterVec // result: success|degraded|noop
	BatchDuration   prometheus.Histogram
	OperationsTotal *prometheus.CounterVec // strategy, outcome
	BatchesInFlight prometheus.Gauge

	// Watcher metrics
	PollTicks       prometheus.Counter
	ChangesTotal    *prometheus.CounterVec // source: poll|push|restore
	PushesDiscarded prometheus.Counter

	// History metrics
	HistoryEntries prometheus.Gauge
	RestoresTotal  prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec // action

	startTime time.Time
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a collector bound to a specific registry.
// Tests pass a fresh registry to avoid duplicate registration panics.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabsync_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tabsync_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		BatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabsync_batches_total",
				Help: "Total number of sync batches by result",
			},
			[]string{"result"},
		),
		BatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tabsync_batch_duration_seconds",
				Help:    "Wall time from first dispatch to aggregate result",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 15},
			},
		),
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabsync_operations_total",
				Help: "Total number of per-tab write operations",
			},
			[]string{"strategy", "outcome"},
		),
		BatchesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tabsync_batches_in_flight",
				Help: "Number of sync batches currently in flight (0 or 1)",
			},
		),

		PollTicks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tabsync_poll_ticks_total",
				Help: "Total number of idle-state poll ticks",
			},
		),
		ChangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabsync_changes_total",
				Help: "Total number of accepted payload changes by source",
			},
			[]string{"source"},
		),
		PushesDiscarded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tabsync_pushes_discarded_total",
				Help: "Push notifications dropped by the structural-change gate",
			},
		),

		HistoryEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tabsync_history_entries",
				Help: "Number of entries currently in the history log",
			},
		),
		RestoresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tabsync_restores_total",
				Help: "Total number of history restores",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tabsync_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tabsync_ws_messages_total",
				Help: "Total number of WebSocket messages by action",
			},
			[]string{"action"},
		),
	}
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordBatch records a settled sync batch.
func (m *Metrics) RecordBatch(result string, duration time.Duration) {
	m.BatchesTotal.WithLabelValues(result).Inc()
	m.BatchDuration.Observe(duration.Seconds())
}

// RecordOperation records a settled per-tab operation.
func (m *Metrics) RecordOperation(strategy, outcome string) {
	m.OperationsTotal.WithLabelValues(strategy, outcome).Inc()
}

// Uptime returns time since the collector was created.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}
