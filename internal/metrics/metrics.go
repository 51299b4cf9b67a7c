package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fxnlabs/gpucopy/internal/transfer"
)

// Metrics holds the collectors of the transfer runs. Each instance registers
// on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	Runs          *prometheus.CounterVec
	StageFailures *prometheus.CounterVec
	BytesCopied   *prometheus.CounterVec
	WaitDuration  *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpucopy_runs_total",
			Help: "The total number of transfer runs by backend and outcome",
		}, []string{"backend", "outcome"}),
		StageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpucopy_stage_failures_total",
			Help: "The total number of failed runs by the stage that failed",
		}, []string{"backend", "stage"}),
		BytesCopied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpucopy_bytes_copied_total",
			Help: "Bytes copied by verified runs",
		}, []string{"backend"}),
		WaitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpucopy_wait_duration_us",
			Help:    "Time spent waiting on the completion fence in microseconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 12), // 1us to ~4s
		}, []string{"backend"}),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveRun(backend string, wait time.Duration, bytes int) {
	backend = label(backend)
	m.Runs.WithLabelValues(backend, "success").Inc()
	m.BytesCopied.WithLabelValues(backend).Add(float64(bytes))
	m.WaitDuration.WithLabelValues(backend).Observe(float64(wait.Microseconds()))
}

func (m *Metrics) ObserveFailure(backend string, stage transfer.Stage) {
	backend = label(backend)
	m.Runs.WithLabelValues(backend, "failure").Inc()
	m.StageFailures.WithLabelValues(backend, stage.String()).Inc()
}

// WriteTextfile writes every collector to path in the text exposition
// format, for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func label(backend string) string {
	if backend == "" {
		return "none"
	}
	return backend
}
