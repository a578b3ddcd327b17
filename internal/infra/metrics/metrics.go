// Package metrics provides Prometheus metrics for the blood-loss service:
// counters, gauges and histograms for tasks, estimates and result delivery.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bloodloss"

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksSubmitted counts accepted submissions.
var TasksSubmitted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_submitted_total",
	Help:      "Total accepted calculation requests.",
})

// TasksRejected counts submissions rejected by validation, by field.
var TasksRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_rejected_total",
	Help:      "Total calculation requests rejected by validation.",
}, []string{"field"})

// TasksCompleted counts tasks that reached COMPLETED.
var TasksCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_completed_total",
	Help:      "Total completed calculation tasks.",
})

// TasksFailed counts tasks that reached FAILED, by stage.
var TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_failed_total",
	Help:      "Total failed calculation tasks.",
}, []string{"stage"})

// TasksActive tracks tasks currently between submission and a terminal state.
var TasksActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_active",
	Help:      "Number of tasks not yet in a terminal state.",
})

// TaskDuration tracks time from PROCESSING to a terminal state.
var TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_duration_seconds",
	Help:      "Time from start of processing to terminal state.",
	Buckets:   []float64{1, 2.5, 5, 6, 7, 8, 9, 10, 12, 15, 30},
})

// ─── Estimates ──────────────────────────────────────────────────────────────

// EstimatesTotal counts estimates by method (precise, fallback, precise_error).
var EstimatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "estimates_total",
	Help:      "Total blood-loss estimates by method.",
}, []string{"method"})

// ─── Delivery ───────────────────────────────────────────────────────────────

// DeliveryAttempts counts every POST to the main service, by outcome (ok, error).
var DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "delivery_attempts_total",
	Help:      "Total result delivery attempts.",
}, []string{"outcome"})

// Notifications counts notifications by final outcome (delivered, retried, dropped).
var Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "notifications_total",
	Help:      "Result notifications by final outcome.",
}, []string{"outcome"})
