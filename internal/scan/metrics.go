package scan

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the scanner's own Prometheus metrics, exposed on the
// introspection API's /metrics endpoint.
type Metrics struct {
	ScansTotal         prometheus.Counter
	ScanDuration       prometheus.Histogram
	FetchesTotal       *prometheus.CounterVec
	ViolationsTotal    *prometheus.CounterVec
	SuppressedTotal    prometheus.Counter
	NotificationsTotal *prometheus.CounterVec
	ActiveViolations   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics registers the scanner metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		ScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_scans_total",
			Help: "Completed scan loop iterations.",
		}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_scan_duration_seconds",
			Help:    "Duration of one scan iteration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms .. ~8s
		}),
		FetchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_fetches_total",
			Help: "Datasource fetches by source and outcome.",
		}, []string{"source", "outcome"}),
		ViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_violations_total",
			Help: "Violations accepted by the pipeline, by severity.",
		}, []string{"severity"}),
		SuppressedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentinel_violations_suppressed_total",
			Help: "Violations dropped by the cooldown gate.",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_notifications_total",
			Help: "Channel deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),
		ActiveViolations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_active_violations",
			Help: "Current size of the active violation set.",
		}),
		registry: reg,
	}
	reg.MustRegister(
		m.ScansTotal, m.ScanDuration, m.FetchesTotal, m.ViolationsTotal,
		m.SuppressedTotal, m.NotificationsTotal, m.ActiveViolations,
	)
	return m
}

// Registry returns the registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
