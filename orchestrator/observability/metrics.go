package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedWorkers tracks workers with a live WebSocket session.
	ConnectedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_connected_workers",
		Help: "Current number of workers with a live session",
	})

	// WorkersByStatus tracks worker counts per stored status.
	WorkersByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_workers_by_status",
		Help: "Current number of workers per status",
	}, []string{"status"})

	// PlanetsByStatus tracks planet counts per stored status.
	PlanetsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orch_planets_by_status",
		Help: "Current number of planets per status",
	}, []string{"status"})

	// QueueDepth tracks the size of the pending-due index.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_queue_depth",
		Help: "Current number of planets in the pending-due index",
	})

	// AssignmentsTotal counts dispatched job assignments.
	AssignmentsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_assignments_total",
		Help: "Total job assignments dispatched to workers",
	})

	// AssignmentAborts counts per-pair aborts during an assignment pass.
	AssignmentAborts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_assignment_aborts_total",
		Help: "Assignment pairs aborted, by reason",
	}, []string{"reason"}) // planet_changed, worker_changed, send_buffer_full, store_error

	// AssignPassDuration tracks the duration of one assignment pass.
	AssignPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_assign_pass_duration_seconds",
		Help:    "Duration of one assignment engine pass",
		Buckets: prometheus.DefBuckets,
	})

	// CompletionsTotal counts terminal job results by kind.
	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_completions_total",
		Help: "Total job completions processed, by result",
	}, []string{"result"}) // completed, skipped, failed, timeout

	// StaleCompletions counts completion messages dropped because the
	// reporting worker no longer owns the planet.
	StaleCompletions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_stale_completions_total",
		Help: "Completion messages dropped as stale",
	})

	// OrphansRecovered counts planets released from unreachable workers.
	OrphansRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_orphans_recovered_total",
		Help: "Planets reclaimed from unreachable workers",
	})

	// IndexDriftRepairs counts index entries fixed by the health loop.
	IndexDriftRepairs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_index_drift_repairs_total",
		Help: "Pending-due index entries repaired, by direction",
	}, []string{"direction"}) // added, removed

	// FramesInbound counts inbound frames by type.
	FramesInbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_frames_inbound_total",
		Help: "Inbound WebSocket frames received, by type",
	}, []string{"type"})

	// FramesDropped counts inbound frames dropped without effect.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_frames_dropped_total",
		Help: "Inbound frames dropped, by reason",
	}, []string{"reason"}) // rate_limited, unknown_type

	// APIRateLimited counts admin requests rejected by a limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_api_rate_limited_total",
		Help: "Admin API requests rejected by rate limiter",
	}, []string{"endpoint"})
)
