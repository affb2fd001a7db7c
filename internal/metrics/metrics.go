package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "defi_alerts"

// Metrics groups the engine's collectors on their own registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	runs               *prometheus.CounterVec
	runDuration        prometheus.Histogram
	snapshotsPersisted prometheus.Counter
	alertsEvaluated    prometheus.Counter
	alertOutcomes      *prometheus.CounterVec
	channelDeliveries  *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "runs_total",
				Help:      "Engine runs by outcome",
			},
			[]string{"status"},
		),
		runDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "run_duration_seconds",
				Help:      "Duration of engine runs",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),
		snapshotsPersisted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "snapshots_persisted_total",
				Help:      "Market snapshots written",
			},
		),
		alertsEvaluated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "alerts_evaluated_total",
				Help:      "Alerts evaluated across all runs",
			},
		),
		alertOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "engine",
				Name:      "alert_outcomes_total",
				Help:      "Per-alert outcomes: sent, quiet, throttled, failed",
			},
			[]string{"outcome"},
		),
		channelDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "channel_deliveries_total",
				Help:      "Channel deliveries by channel type and status",
			},
			[]string{"channel", "status"},
		),
	}
}

// ObserveRun records one finished run.
func (m *Metrics) ObserveRun(err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(statusLabel(err)).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

// ObserveSkippedRun counts a run rejected because another one held the lock.
func (m *Metrics) ObserveSkippedRun() {
	if m == nil {
		return
	}
	m.runs.WithLabelValues("skipped").Inc()
}

// AddSnapshots counts persisted snapshot rows.
func (m *Metrics) AddSnapshots(n int) {
	if m == nil {
		return
	}
	m.snapshotsPersisted.Add(float64(n))
}

// ObserveAlert records the outcome of one alert in a run.
func (m *Metrics) ObserveAlert(outcome string) {
	if m == nil {
		return
	}
	m.alertsEvaluated.Inc()
	m.alertOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveChannel records one channel delivery attempt.
func (m *Metrics) ObserveChannel(channel string, err error) {
	if m == nil {
		return
	}
	m.channelDeliveries.WithLabelValues(channel, statusLabel(err)).Inc()
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
