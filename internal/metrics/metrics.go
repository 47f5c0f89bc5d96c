package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Loop metrics
	epochDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gradstop_epoch_duration_seconds",
			Help:    "Wall-clock duration of a training epoch",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		},
	)

	epochsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gradstop_epochs_completed_total",
			Help: "Total number of fully completed training epochs",
		},
	)

	validationRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gradstop_validation_runs_total",
			Help: "Total number of validation passes",
		},
	)

	globalStep = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gradstop_global_step",
			Help: "Current global optimizer step",
		},
	)

	// Early-stopping metrics
	monitoredValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gradstop_monitored_metric_value",
			Help: "Last scalar value observed for a monitored metric",
		},
		[]string{"monitor"},
	)

	bestValue = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gradstop_monitored_metric_best",
			Help: "Best value observed so far for a monitored metric",
		},
		[]string{"monitor"},
	)

	waitCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gradstop_early_stopping_wait_count",
			Help: "Consecutive non-improving checks for a monitored metric",
		},
		[]string{"monitor"},
	)

	earlyStops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gradstop_early_stops_total",
			Help: "Early-stop verdicts by monitor and trigger kind",
		},
		[]string{"monitor", "trigger"}, // trigger: "patience", "stopping_threshold", "divergence", "non_finite"
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// RecordEpoch records a completed epoch and its duration
func (c *Collector) RecordEpoch(duration time.Duration) {
	epochsCompleted.Inc()
	epochDuration.Observe(duration.Seconds())
}

// RecordValidationRun increments the validation pass counter
func (c *Collector) RecordValidationRun() {
	validationRuns.Inc()
}

// SetGlobalStep updates the global step gauge
func (c *Collector) SetGlobalStep(step int) {
	globalStep.Set(float64(step))
}

// RecordMonitoredValue records the last observed and best values for a monitor
func (c *Collector) RecordMonitoredValue(monitor string, current, best float64) {
	monitoredValue.WithLabelValues(monitor).Set(current)
	bestValue.WithLabelValues(monitor).Set(best)
}

// SetWaitCount updates the wait-count gauge for a monitor
func (c *Collector) SetWaitCount(monitor string, count int) {
	waitCount.WithLabelValues(monitor).Set(float64(count))
}

// RecordEarlyStop counts an early-stop verdict by trigger kind
func (c *Collector) RecordEarlyStop(monitor, trigger string) {
	earlyStops.WithLabelValues(monitor, trigger).Inc()
}
