// Package metrics holds the Prometheus collectors of the campaign execution core
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Task runner outcomes partitioned by task type
	TasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kusanagi_tasks_claimed_total",
			Help: "Number of scheduled tasks claimed by a runner",
		},
		[]string{"type"},
	)
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kusanagi_tasks_completed_total",
			Help: "Number of scheduled tasks completed",
		},
		[]string{"type"},
	)
	TasksRetried = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kusanagi_tasks_retried_total",
			Help: "Number of failed task attempts rescheduled for retry",
		},
		[]string{"type"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kusanagi_tasks_failed_total",
			Help: "Number of scheduled tasks that ended in failed",
		},
		[]string{"type", "reason"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kusanagi_task_duration_seconds",
			Help:    "Task handler latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Enrollment engine
	StepsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kusanagi_enrollment_steps_sent_total",
			Help: "Number of campaign steps delivered",
		},
		[]string{"channel"},
	)
	StepsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kusanagi_enrollment_steps_failed_total",
			Help: "Number of campaign step sends that failed",
		},
		[]string{"channel", "kind"},
	)
	EnrollmentsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kusanagi_enrollments_completed_total",
			Help: "Number of enrollments that finished every step",
		},
	)
	DripCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kusanagi_drip_cycle_duration_seconds",
			Help:    "Duration of one drip poll cycle",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// Event correlator
	WebhookEventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kusanagi_webhook_events_received_total",
			Help: "Number of delivery events received",
		},
		[]string{"type"},
	)
	WebhookEventsUnmatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kusanagi_webhook_events_unmatched_total",
			Help: "Number of delivery events dropped because they match no enrollment step",
		},
		[]string{"reason"},
	)
	EnrollmentsUnsubscribed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kusanagi_enrollments_unsubscribed_total",
			Help: "Number of enrollments ended by an unsubscribe or complaint",
		},
	)

	// Experiment evaluator
	ExperimentsEvaluated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kusanagi_experiments_evaluated_total",
			Help: "Number of experiment evaluations by outcome",
		},
		[]string{"outcome"},
	)
)
