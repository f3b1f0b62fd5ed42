package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway / Dispatcher ────────────────────────────────────────────

	DispatcherBatchesSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Subsystem: "dispatcher",
		Name:      "batches_submitted_total",
		Help:      "Total batches created from client requests.",
	})

	DispatcherTasksFannedOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Subsystem: "dispatcher",
		Name:      "tasks_fanned_out_total",
		Help:      "Total tasks created and published, labelled by model family.",
	}, []string{"family"})

	DispatcherPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Subsystem: "dispatcher",
		Name:      "publish_failures_total",
		Help:      "Stream appends that failed after the task row was created.",
	}, []string{"family"})

	// ─── Worker ──────────────────────────────────────────────────────────────

	WorkerTasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Subsystem: "worker",
		Name:      "tasks_processed_total",
		Help:      "Total tasks resolved, labelled by family and terminal status.",
	}, []string{"family", "status"})

	WorkerTasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "modelrelay",
		Subsystem: "worker",
		Name:      "tasks_inflight",
		Help:      "Tasks currently executing inference.",
	}, []string{"family"})

	WorkerInferenceDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "modelrelay",
		Subsystem: "worker",
		Name:      "inference_duration_seconds",
		Help:      "Inference backend call duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"family"})

	WorkerClaimsLost = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Subsystem: "worker",
		Name:      "claims_lost_total",
		Help:      "Claim attempts that found the task already claimed or terminal.",
	}, []string{"family"})

	WorkerSoftRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Subsystem: "worker",
		Name:      "soft_refusals_total",
		Help:      "Backend responses reclassified as failures by the refusal matcher.",
	}, []string{"family"})

	WorkerContextRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Subsystem: "worker",
		Name:      "context_rebuilds_total",
		Help:      "Conversations whose history was reloaded after a sticky node change.",
	}, []string{"family"})

	WorkerDeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Subsystem: "worker",
		Name:      "dead_letters_total",
		Help:      "Messages moved to the dead letter table.",
	}, []string{"family"})

	// ─── Recovery Reconciler ─────────────────────────────────────────────────

	ReconcilerFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Subsystem: "reconciler",
		Name:      "finalized_total",
		Help:      "Pending entries acknowledged because their task was already terminal.",
	}, []string{"family"})

	ReconcilerReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Subsystem: "reconciler",
		Name:      "reclaimed_total",
		Help:      "Stale pending entries re-claimed and fed back through processing.",
	}, []string{"family"})

	ReconcilerResubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelrelay",
		Subsystem: "reconciler",
		Name:      "resubmitted_total",
		Help:      "Orphaned PENDING tasks re-published to their family stream.",
	}, []string{"family"})
)
