package scanner

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for scan runs and detections. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Runs by scan (incremental, full) and result (ok, error, skipped)
	Runs *prometheus.CounterVec

	RunDuration *prometheus.HistogramVec

	RegistrationsScanned *prometheus.CounterVec

	// Detections by kind; suppressed ones are counted separately
	Detections *prometheus.CounterVec
	Suppressed *prometheus.CounterVec

	// Notifications by type and result (created, error, relay_error)
	Notifications *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "motosec_scan_runs_total",
			Help: "Scan runs by scan type and result",
		}, []string{"scan", "result"}),

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "motosec_scan_duration_seconds",
			Help:    "Duration of scan runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 900, 1800},
		}, []string{"scan"}),

		RegistrationsScanned: f.NewCounterVec(prometheus.CounterOpts{
			Name: "motosec_registrations_scanned_total",
			Help: "Registrations examined by scans",
		}, []string{"scan"}),

		Detections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "motosec_detections_total",
			Help: "Alerts raised by kind",
		}, []string{"kind"}),

		Suppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "motosec_detections_suppressed_total",
			Help: "Detections skipped because an open alert already covers them",
		}, []string{"kind"}),

		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "motosec_notifications_total",
			Help: "Notifications by type and result",
		}, []string{"type", "result"}),
	}
}

func (m *Metrics) ObserveRun(scan string, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(scan, result).Inc()
	if result != "skipped" {
		m.RunDuration.WithLabelValues(scan).Observe(d.Seconds())
	}
}

func (m *Metrics) AddScanned(scan string, n int) {
	if m != nil && n > 0 {
		m.RegistrationsScanned.WithLabelValues(scan).Add(float64(n))
	}
}

func (m *Metrics) IncrementDetection(kind AlertKind, suppressed bool) {
	if m == nil {
		return
	}
	if suppressed {
		m.Suppressed.WithLabelValues(string(kind)).Inc()
		return
	}
	m.Detections.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) IncrementNotification(notifType string, result string) {
	if m != nil {
		m.Notifications.WithLabelValues(notifType, result).Inc()
	}
}
