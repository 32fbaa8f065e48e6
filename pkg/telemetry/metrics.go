package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Tasks ───────────────────────────────────────────────────────────────────

	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Subsystem: "task",
		Name:      "started_total",
		Help:      "Tasks that passed validation and were launched, by kind.",
	}, []string{"kind"})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Subsystem: "task",
		Name:      "finished_total",
		Help:      "Tasks that reached a terminal state, labelled by kind and status.",
	}, []string{"kind", "status"})

	TasksActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ingest",
		Subsystem: "task",
		Name:      "active",
		Help:      "Tasks currently running.",
	}, []string{"kind"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ingest",
		Subsystem: "task",
		Name:      "duration_seconds",
		Help:      "Wall-clock time from start to terminal state.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"kind"})

	// ─── Items ───────────────────────────────────────────────────────────────────

	ItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Subsystem: "pool",
		Name:      "items_total",
		Help:      "Work items that reached a terminal outcome, by pool and outcome.",
	}, []string{"pool", "outcome"})

	ItemRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Subsystem: "pool",
		Name:      "retries_total",
		Help:      "Retry attempts for transient item failures.",
	}, []string{"pool"})

	ItemsInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ingest",
		Subsystem: "pool",
		Name:      "items_inflight",
		Help:      "Work function invocations currently running.",
	}, []string{"pool"})

	// ─── Events ──────────────────────────────────────────────────────────────────

	EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Subsystem: "events",
		Name:      "emitted_total",
		Help:      "Lifecycle and progress events handed to observers.",
	}, []string{"event"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events discarded because a task's delivery queue was full.",
	}, []string{"event"})

	ObserverErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ingest",
		Subsystem: "events",
		Name:      "observer_errors_total",
		Help:      "Observer calls that failed or panicked; events are best-effort.",
	})

	// ─── Intake ──────────────────────────────────────────────────────────────────

	RequestsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ingest",
		Subsystem: "intake",
		Name:      "requests_total",
		Help:      "Job requests consumed from the intake topic, by action and result.",
	}, []string{"action", "result"})
)
