package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the per-item queue, lock sweeper, validation
// rendezvous, and step engine.
//
// Labels:
//   - QueueDepth: status (pending, running, waiting_validation)
//   - StepRetriesTotal: step_name, outcome (retry, exhausted)
//   - ValidationExpiriesTotal: no labels
//   - LockSweepReleasedTotal: no labels
var (
	// QueueDepth reports the current number of queue entries per status.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_queue_depth",
			Help: "Current number of queue entries by status",
		},
		[]string{"status"},
	)

	// QueueDispatchTotal counts dispatcher claim attempts by outcome.
	QueueDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_queue_dispatch_total",
			Help: "Total queue dispatch attempts by outcome",
		},
		[]string{"outcome"}, // claimed, empty, error
	)

	// QueueTimeoutSweepTotal counts runs cancelled by the queue timeout sweeper.
	QueueTimeoutSweepTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_queue_timeout_sweep_total",
			Help: "Total runs cancelled for exceeding the per-item deadline",
		},
	)

	// LockSweepReleasedTotal counts stale advisory locks force-released by the sweeper.
	LockSweepReleasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_lock_sweep_released_total",
			Help: "Total stale ticket locks force-released by the sweeper",
		},
	)

	// LockCooldownActive reports the current number of tickets in cooldown.
	LockCooldownActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_lock_cooldown_active",
			Help: "Current number of tickets in reactivation cooldown",
		},
	)

	// ValidationExpiriesTotal counts validations auto-rejected for exceeding their TTL.
	ValidationExpiriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_validation_expiries_total",
			Help: "Total validations auto-rejected after expiring unanswered",
		},
	)

	// ValidationDecisionsTotal counts resolved validations by decision.
	ValidationDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_validation_decisions_total",
			Help: "Total validation decisions recorded by outcome",
		},
		[]string{"decision"}, // approved, rejected, changes_requested, expired
	)

	// StepRetriesTotal counts step executions by retry outcome.
	StepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_step_retries_total",
			Help: "Total step retries by step name and outcome",
		},
		[]string{"step_name", "outcome"}, // retry, exhausted
	)

	// ReactivationsTotal counts reactivation controller decisions by action.
	ReactivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_reactivations_total",
			Help: "Total reactivation attempts by resulting action",
		},
		[]string{"action"}, // spawned, skipped_cooldown, skipped_locked, reactivation_depth_exceeded
	)

	// RunDurationSeconds observes end-to-end run duration.
	RunDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orchestrator_run_duration_seconds",
			Help:    "Run duration from start to terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16), // 1s .. ~18h
		},
	)
)
