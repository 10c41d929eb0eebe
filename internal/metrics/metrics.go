// Package metrics exposes Prometheus collectors for scheduling, gates and
// polling.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aristath/dispatch/internal/poller"
)

// Metrics holds the dispatch collectors. It implements scheduler.Recorder
// and gate.Recorder.
//
// Metrics:
//   - dispatch_items_started_total{class}
//   - dispatch_items_finished_total{class,status}
//   - dispatch_items_in_flight{class}
//   - dispatch_item_duration_seconds{class}
//   - dispatch_gate_attempts_total{gate,result}
//   - dispatch_gate_attempt_duration_seconds{gate}
//   - dispatch_pipeline_retries_total{gate}
//   - dispatch_poll_wait_seconds{outcome}
type Metrics struct {
	ItemsStarted    *prometheus.CounterVec
	ItemsFinished   *prometheus.CounterVec
	ItemsInFlight   *prometheus.GaugeVec
	ItemDuration    *prometheus.HistogramVec
	GateAttempts    *prometheus.CounterVec
	GateDuration    *prometheus.HistogramVec
	PipelineRetries *prometheus.CounterVec
	PollWait        *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to serve them from promhttp.Handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ItemsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_items_started_total",
				Help: "Total number of work items started",
			},
			[]string{"class"}, // "safe", "conflicting" or "chain"
		),
		ItemsFinished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_items_finished_total",
				Help: "Total number of work items that reached a terminal status",
			},
			[]string{"class", "status"},
		),
		ItemsInFlight: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_items_in_flight",
				Help: "Number of work items currently executing",
			},
			[]string{"class"},
		),
		ItemDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_item_duration_seconds",
				Help:    "Time from start to terminal status per item",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2.3h
			},
			[]string{"class"},
		),
		GateAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_gate_attempts_total",
				Help: "Total number of gate command attempts",
			},
			[]string{"gate", "result"},
		),
		GateDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_gate_attempt_duration_seconds",
				Help:    "Duration of single gate attempts",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"gate"},
		),
		PipelineRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_pipeline_retries_total",
				Help: "Total number of whole-pipeline retries, by the gate that failed",
			},
			[]string{"gate"},
		),
		PollWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_poll_wait_seconds",
				Help:    "Time spent waiting for external completion",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"outcome"}, // "success", "failed", "timeout", "cancelled"
		),
	}
}

// ItemStarted implements scheduler.Recorder.
func (m *Metrics) ItemStarted(class string) {
	m.ItemsStarted.WithLabelValues(class).Inc()
	m.ItemsInFlight.WithLabelValues(class).Inc()
}

// ItemFinished implements scheduler.Recorder.
func (m *Metrics) ItemFinished(class, status string, d time.Duration) {
	m.ItemsFinished.WithLabelValues(class, status).Inc()
	m.ItemsInFlight.WithLabelValues(class).Dec()
	m.ItemDuration.WithLabelValues(class).Observe(d.Seconds())
}

// GateAttempt implements gate.Recorder.
func (m *Metrics) GateAttempt(gate string, passed bool, d time.Duration) {
	result := "fail"
	if passed {
		result = "pass"
	}
	m.GateAttempts.WithLabelValues(gate, result).Inc()
	m.GateDuration.WithLabelValues(gate).Observe(d.Seconds())
}

// PipelineRetry implements gate.Recorder.
func (m *Metrics) PipelineRetry(failedGate string) {
	m.PipelineRetries.WithLabelValues(failedGate).Inc()
}

// ObservePoll records one completed wait. Its signature matches
// poller.WithObserver.
func (m *Metrics) ObservePoll(_ string, waited time.Duration, out poller.Outcome) {
	m.PollWait.WithLabelValues(pollOutcome(out)).Observe(waited.Seconds())
}

func pollOutcome(out poller.Outcome) string {
	switch {
	case out.Success:
		return "success"
	case out.Error == poller.ErrTimeout:
		return "timeout"
	case out.Error == poller.ErrCancelled:
		return "cancelled"
	}
	return "failed"
}
