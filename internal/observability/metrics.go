// Package observability exposes evaluation metrics in Prometheus form.
package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects evaluation counters on a private registry. A nil
// *Metrics is valid and records nothing.
//
// Usage:
//
//	m := observability.NewMetrics()
//	m.Observe("scored", "", time.Since(start), &score)
//	m.WriteTextfile("/var/lib/node_exporter/arbiter.prom")
type Metrics struct {
	registry *prometheus.Registry

	// Evaluations counts finished evaluations.
	// Labels: status (scored|rejected|failed|timeout), error_kind
	Evaluations *prometheus.CounterVec

	// Duration measures wall-clock evaluation time in seconds.
	// Labels: status
	Duration *prometheus.HistogramVec

	// Scores is the distribution of primary scores of scored submissions.
	Scores prometheus.Histogram

	// InFlight tracks evaluations currently running.
	InFlight prometheus.Gauge
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Evaluations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arbiter_evaluations_total",
				Help: "Total number of submission evaluations by status and error kind",
			},
			[]string{"status", "error_kind"},
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arbiter_evaluation_duration_seconds",
				Help:    "Duration of submission evaluations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"status"},
		),
		Scores: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "arbiter_primary_score",
			Help:    "Primary score of scored submissions",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "arbiter_evaluations_in_flight",
			Help: "Number of evaluations currently running",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Start marks an evaluation as running and returns the func that ends it.
func (m *Metrics) Start() func() {
	if m == nil {
		return func() {}
	}
	m.InFlight.Inc()
	return m.InFlight.Dec
}

func (m *Metrics) Observe(status, errorKind string, d time.Duration, score *float64) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(status, errorKind).Inc()
	m.Duration.WithLabelValues(status).Observe(d.Seconds())
	if score != nil {
		m.Scores.Observe(*score)
	}
}

// WriteTextfile writes the registry in node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}
