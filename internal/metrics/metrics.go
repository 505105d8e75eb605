// Package metrics exposes Prometheus collectors for the kiosk.
//
// All methods are safe on a nil *Metrics so components can be built
// without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for check-in, matching and hardware.
type Metrics struct {
	CheckIns          *prometheus.CounterVec
	MatchDistance     prometheus.Histogram
	AnalysisDuration  prometheus.Histogram
	HardwareFailures  *prometheus.CounterVec
	HardwareConnected *prometheus.GaugeVec
	GalleryEntries    prometheus.Gauge
	SweepReverted     prometheus.Counter
	AuditDropped      prometheus.Counter
	ReplaySuppressed  prometheus.Counter
}

// New creates the kiosk collectors registered with reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		CheckIns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_checkins_total",
			Help: "Check-in attempts by identification method and result",
		}, []string{"method", "result"}),
		MatchDistance: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kiosk_match_distance",
			Help:    "Embedding distance of the closest gallery entry",
			Buckets: []float64{0.1, 0.2, 0.3, 0.35, 0.4, 0.45, 0.5, 0.6, 0.8, 1},
		}),
		AnalysisDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kiosk_frame_analysis_duration_seconds",
			Help:    "Duration of one frame analysis (QR decode and face match)",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}),
		HardwareFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kiosk_hardware_send_failures_total",
			Help: "Gate commands that could not be delivered",
		}, []string{"command"}),
		HardwareConnected: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kiosk_hardware_connected",
			Help: "1 when the gate controller is reachable over the labelled transport",
		}, []string{"transport"}),
		GalleryEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "kiosk_gallery_entries",
			Help: "Enrolled templates in the published gallery",
		}),
		SweepReverted: f.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_sweep_reverted_total",
			Help: "Check-ins reverted by the expiry sweep",
		}),
		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_audit_dropped_total",
			Help: "Audit events dropped because the queue was full",
		}),
		ReplaySuppressed: f.NewCounter(prometheus.CounterOpts{
			Name: "kiosk_replay_suppressed_total",
			Help: "Check-in attempts suppressed by the replay guard",
		}),
	}
}

// CheckIn counts an attempt; method is "face", "qr" or "manual".
func (m *Metrics) CheckIn(method, result string) {
	if m == nil {
		return
	}
	m.CheckIns.WithLabelValues(method, result).Inc()
}

// ObserveMatchDistance records the best distance of a face lookup.
func (m *Metrics) ObserveMatchDistance(d float64) {
	if m == nil {
		return
	}
	m.MatchDistance.Observe(d)
}

// ObserveAnalysis records the duration of a frame analysis.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveAnalysis(start time.Time) {
	if m == nil {
		return
	}
	m.AnalysisDuration.Observe(time.Since(start).Seconds())
}

// HardwareSendFailed counts an undelivered command.
func (m *Metrics) HardwareSendFailed(command string) {
	if m == nil {
		return
	}
	m.HardwareFailures.WithLabelValues(command).Inc()
}

// SetHardwareConnected marks the transport kind as up; every other known
// kind is marked down.
func (m *Metrics) SetHardwareConnected(kind string, connected bool) {
	if m == nil {
		return
	}
	for _, k := range []string{"bus", "serial"} {
		v := 0.0
		if connected && k == kind {
			v = 1
		}
		m.HardwareConnected.WithLabelValues(k).Set(v)
	}
}

// SetGallerySize records the published gallery size.
func (m *Metrics) SetGallerySize(n int) {
	if m == nil {
		return
	}
	m.GalleryEntries.Set(float64(n))
}

// AddSweepReverted counts reverted check-ins.
func (m *Metrics) AddSweepReverted(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SweepReverted.Add(float64(n))
}

// IncAuditDropped counts a dropped audit event.
func (m *Metrics) IncAuditDropped() {
	if m == nil {
		return
	}
	m.AuditDropped.Inc()
}

// IncReplaySuppressed counts an attempt suppressed by the replay guard.
func (m *Metrics) IncReplaySuppressed() {
	if m == nil {
		return
	}
	m.ReplaySuppressed.Inc()
}
