package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Queue ───────────────────────────────────────────────────────────────────

	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "queue",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs added to the queue.",
	}, []string{"type"})

	QueueJobsPrunedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "queue",
		Name:      "jobs_pruned_total",
		Help:      "Jobs dropped from the snapshot, labelled by reason (retention, eviction).",
	}, []string{"reason"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobqueue",
		Subsystem: "queue",
		Name:      "jobs",
		Help:      "Jobs currently stored, labelled by status.",
	}, []string{"status"})

	StoreErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Snapshot store failures, labelled by operation (load, save).",
	}, []string{"op"})

	// ─── Processor ───────────────────────────────────────────────────────────────

	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "processor",
		Name:      "jobs_processed_total",
		Help:      "Total jobs settled by the processor, labelled by type and outcome.",
	}, []string{"type", "status"})

	JobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "jobqueue",
		Subsystem: "processor",
		Name:      "jobs_inflight",
		Help:      "Jobs currently being executed.",
	})

	JobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobqueue",
		Subsystem: "processor",
		Name:      "job_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	}, []string{"type"})

	ProcessorRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "processor",
		Name:      "rate_limited_total",
		Help:      "Dispatches deferred by the rate limiter.",
	})

	// ─── Events ──────────────────────────────────────────────────────────────────

	EventsForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "events",
		Name:      "forwarded_total",
		Help:      "Events forwarded to the external sink, labelled by event type.",
	}, []string{"type"})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "events",
		Name:      "dropped_total",
		Help:      "Events dropped because the forward buffer was full or the sink failed.",
	})

	IntakeMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobqueue",
		Subsystem: "intake",
		Name:      "messages_total",
		Help:      "Submission messages consumed, labelled by outcome (accepted, rejected).",
	}, []string{"outcome"})
)
