// Package metrics exposes Prometheus collectors for conversions, uploads, downloads and cleanup.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Conversion results used as the status label
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Metrics holds the service collectors
type Metrics struct {
	conversionsTotal  *prometheus.CounterVec
	conversionSeconds *prometheus.HistogramVec
	degradedTotal     *prometheus.CounterVec
	inProgress        prometheus.Gauge
	uploadBytes       *prometheus.HistogramVec
	downloadsTotal    prometheus.Counter
	purgesTotal       *prometheus.CounterVec
}

// New creates the collectors under namespace and registers them with reg
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		conversionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversions_total",
				Help:      "Finished conversions by result and source category",
			},
			[]string{"status", "category"},
		),
		conversionSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "conversion_duration_seconds",
				Help:      "Time spent converting a file",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"category"},
		),
		degradedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversions_degraded_total",
				Help:      "Conversions that fell back to copying the input",
			},
			[]string{"strategy"},
		),
		inProgress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "conversions_in_progress",
				Help:      "Conversions currently running",
			},
		),
		uploadBytes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_size_bytes",
				Help:      "Size of uploaded files",
				Buckets: []float64{
					1024,       // 1KB
					10240,      // 10KB
					102400,     // 100KB
					1048576,    // 1MB
					10485760,   // 10MB
					104857600,  // 100MB
					1073741824, // 1GB
				},
			},
			[]string{"category"},
		),
		downloadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "downloads_total",
				Help:      "Converted files served",
			},
		),
		purgesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reaper_purges_total",
				Help:      "Artifact cleanups by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.conversionsTotal,
		m.conversionSeconds,
		m.degradedTotal,
		m.inProgress,
		m.uploadBytes,
		m.downloadsTotal,
		m.purgesTotal,
	)
	return m
}

// ConversionStarted marks one more conversion running
func (m *Metrics) ConversionStarted() {
	if m == nil {
		return
	}
	m.inProgress.Inc()
}

// ConversionFinished records the end of a conversion started with ConversionStarted
func (m *Metrics) ConversionFinished(category, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inProgress.Dec()
	m.conversionsTotal.WithLabelValues(status, category).Inc()
	m.conversionSeconds.WithLabelValues(category).Observe(elapsed.Seconds())
}

// Degraded records a fallback copy
func (m *Metrics) Degraded(strategy string) {
	if m == nil {
		return
	}
	m.degradedTotal.WithLabelValues(strategy).Inc()
}

// Uploaded records an accepted upload
func (m *Metrics) Uploaded(category string, size int64) {
	if m == nil {
		return
	}
	m.uploadBytes.WithLabelValues(category).Observe(float64(size))
}

// Downloaded records a served artifact
func (m *Metrics) Downloaded() {
	if m == nil {
		return
	}
	m.downloadsTotal.Inc()
}

// Purged records a reaper run; result is "ok" or "error"
func (m *Metrics) Purged(result string) {
	if m == nil {
		return
	}
	m.purgesTotal.WithLabelValues(result).Inc()
}
