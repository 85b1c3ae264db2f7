// Package metrics exposes Prometheus instrumentation for the turn pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnsTotal counts processed inbound messages.
	// Labels: outcome (ok, duplicate, error, timeout)
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venueline",
			Subsystem: "engine",
			Name:      "turns_total",
			Help:      "Total number of processed inbound messages by outcome",
		},
		[]string{"outcome"},
	)

	// DecisionsTotal counts arbiter decisions.
	// Labels: action
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venueline",
			Subsystem: "arbiter",
			Name:      "decisions_total",
			Help:      "Total number of arbiter decisions by action",
		},
		[]string{"action"},
	)

	// RouterIterations observes how many stage dispatches a turn needed.
	RouterIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "venueline",
			Subsystem: "router",
			Name:      "iterations",
			Help:      "Stage dispatches per router run",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 8, 12},
		},
	)

	// LoopExhausted counts router runs that hit the iteration cap.
	LoopExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "venueline",
			Subsystem: "router",
			Name:      "loop_exhausted_total",
			Help:      "Router runs halted by the iteration cap",
		},
	)

	// DetoursTotal counts change-propagation detours.
	// Labels: gate
	DetoursTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venueline",
			Subsystem: "detour",
			Name:      "detours_total",
			Help:      "Total number of detours by changed gate",
		},
		[]string{"gate"},
	)

	// HILTasksTotal counts HIL task lifecycle transitions.
	// Labels: status (pending, approved, rejected)
	HILTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venueline",
			Subsystem: "hil",
			Name:      "tasks_total",
			Help:      "HIL tasks by lifecycle status",
		},
		[]string{"status"},
	)

	// LockWaitSeconds observes time spent acquiring record locks.
	LockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "venueline",
			Subsystem: "store",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a record lock",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// StaleLocksRecovered counts orphaned locks removed.
	StaleLocksRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "venueline",
			Subsystem: "store",
			Name:      "stale_locks_recovered_total",
			Help:      "Locks removed because their owner was gone",
		},
	)

	// ExtractionFallbacks counts turns that used a degraded signal.
	// Labels: reason
	ExtractionFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venueline",
			Subsystem: "signals",
			Name:      "fallbacks_total",
			Help:      "Signal extractions that fell back to a degraded extractor",
		},
		[]string{"reason"},
	)

	// VerbalizerFallbacks counts renderings rejected by the fact check.
	VerbalizerFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "venueline",
			Subsystem: "verbalizer",
			Name:      "fallbacks_total",
			Help:      "Renderings replaced by the deterministic draft body",
		},
	)

	// WebhookDeliveries counts outbox deliveries.
	// Labels: outcome (ok, error)
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "venueline",
			Subsystem: "outbox",
			Name:      "webhook_deliveries_total",
			Help:      "Events posted to configured webhooks",
		},
		[]string{"outcome"},
	)
)
