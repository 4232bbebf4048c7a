// Package metrics provides Prometheus metrics for the swarm coordinator:
// counters, gauges and histograms for tasks, swarms, sessions, admission,
// verification, settlement and health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "swarm"

// ─── Tasks ──────────────────────────────────────────────────────────────────

// TasksCreated tracks created tasks by computation type.
var TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_created_total",
	Help:      "Total tasks created.",
}, []string{"type"})

// TasksAssigned tracks assignments by matching mode (direct or best_fit).
var TasksAssigned = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_assigned_total",
	Help:      "Total task assignments.",
}, []string{"mode"})

// TaskCompletions tracks verified completions by computation type.
var TaskCompletions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "task_completions_total",
	Help:      "Total verified task completions.",
}, []string{"type"})

// TasksFailed tracks failed tasks by type and reason.
var TasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "tasks_failed_total",
	Help:      "Total failed tasks.",
}, []string{"type", "reason"})

// TasksAvailable tracks the number of tasks waiting for a swarm.
var TasksAvailable = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "tasks_available",
	Help:      "Number of tasks in the available state.",
})

// TaskComputeTime tracks time from assignment to verified completion.
var TaskComputeTime = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_compute_seconds",
	Help:      "Time from assignment to verified completion.",
	Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
}, []string{"type"})

// TaskAssignLatency tracks time from creation to assignment.
var TaskAssignLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "task_assign_latency_seconds",
	Help:      "Time from task creation to assignment.",
	Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
})

// ─── Swarms ─────────────────────────────────────────────────────────────────

// ActiveSwarms tracks swarms by status.
var ActiveSwarms = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "swarms",
	Help:      "Number of swarms by status.",
}, []string{"status"})

// MembershipChanges tracks joins and leaves.
var MembershipChanges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "membership_changes_total",
	Help:      "Total swarm membership changes by kind.",
}, []string{"kind"})

// ─── Sessions ───────────────────────────────────────────────────────────────

// SessionsLive tracks registered live sessions.
var SessionsLive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "sessions_live",
	Help:      "Number of live member sessions.",
})

// SessionDisconnects tracks session cleanups by cause.
var SessionDisconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "session_disconnects_total",
	Help:      "Total session cleanups by cause.",
}, []string{"cause"})

// MessagesSent tracks outbound messages by type.
var MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_sent_total",
	Help:      "Total messages queued to member sessions.",
}, []string{"type"})

// MessagesDropped tracks messages dropped for offline peers or full outboxes.
var MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "messages_dropped_total",
	Help:      "Total messages dropped.",
}, []string{"reason"})

// Reconnects tracks member client reconnect attempts by outcome.
var Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "client_reconnects_total",
	Help:      "Member client reconnect attempts by outcome.",
}, []string{"outcome"})

// ─── Admission ──────────────────────────────────────────────────────────────

// AdmissionRejected tracks gate rejections by reason.
var AdmissionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "admission_rejected_total",
	Help:      "Requests rejected by the admission gate.",
}, []string{"reason"})

// FraudScore tracks the distribution of computed fraud scores.
var FraudScore = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Name:      "fraud_score",
	Help:      "Distribution of fraud scores.",
	Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
})

// ─── Verification & Settlement ──────────────────────────────────────────────

// Verifications tracks proof checks by scheme and outcome.
var Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "verifications_total",
	Help:      "Proof verifications by scheme and outcome.",
}, []string{"scheme", "outcome"})

// Settlements tracks settlement attempts by outcome.
var Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "settlements_total",
	Help:      "Settlement attempts by outcome.",
}, []string{"outcome"})

// SettlementBacklog tracks settlements waiting for retry.
var SettlementBacklog = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "settlement_backlog",
	Help:      "Settlements queued for retry.",
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})

// HealthRecoveries tracks auto-recovery attempts.
var HealthRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "health_recoveries_total",
	Help:      "Total auto-recovery attempts per check.",
}, []string{"check"})

// Errors tracks internal errors by component.
var Errors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "errors_total",
	Help:      "Internal errors by component.",
}, []string{"component"})
