package main

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/itskum47/PlanetForge/orchestrator/logging"
	"github.com/itskum47/PlanetForge/orchestrator/observability"
	"github.com/itskum47/PlanetForge/orchestrator/queue"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

// pairResult is the outcome of one (planet, worker) pairing attempt.
type pairResult int

const (
	pairAssigned pairResult = iota
	pairPlanetAbort
	pairWorkerAbort
)

// Assigner pairs due planets with idle workers. It wakes on a periodic
// tick and on nudge signals (worker became idle, planet became due,
// force-assign), and is safe to trigger concurrently: a pass mutex
// serializes iterations, and each pair transition happens under the
// assignment lock shared with the completion handler.
type Assigner struct {
	store    store.Store
	index    queue.Index
	hub      *Hub
	assignMu *sync.Mutex

	interval time.Duration
	passMu   sync.Mutex
	now      func() time.Time
	log      zerolog.Logger
}

func NewAssigner(st store.Store, idx queue.Index, hub *Hub, assignMu *sync.Mutex, interval time.Duration) *Assigner {
	return &Assigner{
		store:    st,
		index:    idx,
		hub:      hub,
		assignMu: assignMu,
		interval: interval,
		now:      time.Now,
		log:      logging.WithComponent("assigner"),
	}
}

// Start runs the dispatch loop until the context is canceled.
func (a *Assigner) Start(ctx context.Context) {
	go a.loop(ctx)
}

func (a *Assigner) loop(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.log.Info().Dur("interval", a.interval).Msg("assignment engine started")

	for {
		select {
		case <-ctx.Done():
			a.log.Info().Msg("assignment engine stopped")
			return
		case <-ticker.C:
			a.RunPass(ctx)
		case <-a.hub.NudgeC():
			a.RunPass(ctx)
		}
	}
}

// RunPass executes one assignment pass: due planets oldest-first zipped
// against idle workers least-loaded-first, one planet per worker.
// Surplus planets stay in the index for the next pass.
func (a *Assigner) RunPass(ctx context.Context) {
	a.passMu.Lock()
	defer a.passMu.Unlock()

	start := time.Now()
	defer func() {
		observability.AssignPassDuration.Observe(time.Since(start).Seconds())
	}()

	idle, err := a.hub.IdleCandidates(ctx, 0)
	if err != nil {
		a.log.Error().Err(err).Msg("listing idle candidates failed")
		return
	}
	if len(idle) == 0 {
		return
	}

	// Bound the drain to the number of candidates to cap contention.
	due, err := a.index.RangeDue(ctx, a.now(), len(idle))
	if err != nil {
		a.log.Error().Err(err).Msg("reading due planets failed")
		return
	}
	if len(due) == 0 {
		return
	}

	// Zip greedily. An abort burns only the side that changed under us:
	// a contested planet tries the same worker with the next planet, a
	// contested worker leaves the planet for the next worker.
	assigned := 0
	pi, wi := 0, 0
	for pi < len(due) && wi < len(idle) {
		switch a.tryAssign(ctx, due[pi], idle[wi].ServerID) {
		case pairAssigned:
			assigned++
			pi++
			wi++
		case pairPlanetAbort:
			pi++
		case pairWorkerAbort:
			wi++
		}
	}

	if assigned > 0 {
		a.log.Info().Int("assigned", assigned).Int("due", len(due)).Int("idle", len(idle)).Msg("assignment pass complete")
	}
}

// tryAssign performs the atomic transition for one pair under the
// assignment lock plus the worker's lock: re-validate both sides,
// claim the planet optimistically, mark the worker busy, drop the
// index entry, dispatch the frame, and open (or reuse) a history row.
// Any abort leaves both entities untouched.
func (a *Assigner) tryAssign(ctx context.Context, entry queue.Entry, serverID string) pairResult {
	lock := a.hub.WorkerLock(serverID)
	a.assignMu.Lock()
	defer a.assignMu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	p, err := a.store.GetPlanet(ctx, entry.PlanetID)
	if err != nil {
		a.log.Error().Err(err).Str("planet_id", entry.PlanetID).Msg("planet read failed")
		observability.AssignmentAborts.WithLabelValues("store_error").Inc()
		return pairPlanetAbort
	}
	if p == nil {
		// Deleted since the range read; drop the stale index entry.
		_ = a.index.Remove(ctx, entry.PlanetID)
		observability.AssignmentAborts.WithLabelValues("planet_changed").Inc()
		return pairPlanetAbort
	}
	if p.Status != store.PlanetQueued && p.Status != store.PlanetError {
		observability.AssignmentAborts.WithLabelValues("planet_changed").Inc()
		return pairPlanetAbort
	}

	w, err := a.store.GetWorker(ctx, serverID)
	if err != nil {
		a.log.Error().Err(err).Str("server_id", serverID).Msg("worker read failed")
		observability.AssignmentAborts.WithLabelValues("store_error").Inc()
		return pairWorkerAbort
	}
	if w == nil || w.Status != store.WorkerIdle || w.CurrentTask != "" {
		observability.AssignmentAborts.WithLabelValues("worker_changed").Inc()
		return pairWorkerAbort
	}
	peer := a.hub.Get(serverID)
	if peer == nil {
		observability.AssignmentAborts.WithLabelValues("worker_changed").Inc()
		return pairWorkerAbort
	}

	priorStatus, priorDue := p.Status, p.NextRoundTime

	claimed, err := a.store.ClaimPlanet(ctx, p.PlanetID, serverID, p.Version)
	if err != nil {
		a.log.Error().Err(err).Str("planet_id", p.PlanetID).Msg("claim failed")
		observability.AssignmentAborts.WithLabelValues("store_error").Inc()
		return pairPlanetAbort
	}
	if !claimed {
		observability.AssignmentAborts.WithLabelValues("planet_changed").Inc()
		return pairPlanetAbort
	}

	w.Status = store.WorkerBusy
	w.CurrentTask = p.PlanetID
	w.TotalAssigned++
	if err := a.store.UpsertWorker(ctx, w); err != nil {
		a.log.Error().Err(err).Str("server_id", serverID).Msg("marking worker busy failed")
		a.rollback(ctx, p, w, serverID, priorStatus, priorDue)
		observability.AssignmentAborts.WithLabelValues("store_error").Inc()
		return pairWorkerAbort
	}

	if err := a.index.Remove(ctx, p.PlanetID); err != nil {
		// Best-effort; a leftover entry is dropped by the engine's own
		// re-validation or the health loop's drift repair.
		a.log.Warn().Err(err).Str("planet_id", p.PlanetID).Msg("index remove failed")
	}

	err = peer.Send(&AssignJobFrame{
		Type:     FrameAssignJob,
		PlanetID: p.PlanetID,
		SeasonID: p.SeasonID,
		RoundID:  p.RoundID,
	})
	if err != nil {
		// Full send buffer means the worker is likely stuck; undo the
		// pair and leave the planet for a healthier worker.
		a.log.Warn().Err(err).Str("planet_id", p.PlanetID).Str("server_id", serverID).Msg("dispatch failed, rolling back pair")
		a.rollback(ctx, p, w, serverID, priorStatus, priorDue)
		observability.AssignmentAborts.WithLabelValues("send_buffer_full").Inc()
		return pairWorkerAbort
	}

	a.openTask(ctx, p, serverID)

	observability.AssignmentsTotal.Inc()
	a.log.Info().
		Str("planet_id", p.PlanetID).
		Str("server_id", serverID).
		Int("season_id", p.SeasonID).
		Int("round_id", p.RoundID).
		Msg("job assigned")
	return pairAssigned
}

// rollback undoes a half-applied pair: planet back to its prior status
// and due time, re-indexed; worker back to idle with the assignment
// uncounted.
func (a *Assigner) rollback(ctx context.Context, p *store.Planet, w *store.Worker, serverID, priorStatus string, priorDue time.Time) {
	if released, err := a.store.ReleasePlanet(ctx, p.PlanetID, serverID, priorStatus, priorDue); err != nil || !released {
		a.log.Error().Err(err).Str("planet_id", p.PlanetID).Msg("rollback release failed; startup reconciler will repair")
	} else if err := a.index.Put(ctx, p.PlanetID, priorDue); err != nil {
		a.log.Error().Err(err).Str("planet_id", p.PlanetID).Msg("rollback reindex failed; health loop will repair")
	}

	w.Status = store.WorkerIdle
	w.CurrentTask = ""
	w.TotalAssigned--
	if err := a.store.UpsertWorker(ctx, w); err != nil {
		a.log.Error().Err(err).Str("server_id", serverID).Msg("rollback worker update failed")
	}
}

// openTask records the attempt start. A retry reuses the latest failed
// row for the pair so history stays bounded under retry storms.
func (a *Assigner) openTask(ctx context.Context, p *store.Planet, serverID string) {
	now := a.now()

	if p.ErrorRetryCount > 0 {
		t, err := a.store.GetFailedTask(ctx, p.PlanetID, serverID)
		if err != nil {
			a.log.Error().Err(err).Str("planet_id", p.PlanetID).Msg("history lookup failed")
		} else if t != nil {
			t.Status = store.TaskStarted
			t.StartTime = now
			t.EndTime = nil
			t.ErrorMessage = ""
			t.DurationSeconds = nil
			if err := a.store.UpdateTaskHistory(ctx, t); err != nil {
				a.log.Error().Err(err).Str("planet_id", p.PlanetID).Msg("history reuse failed")
			}
			return
		}
	}

	t := &store.TaskHistory{
		ID:        uuid.NewString(),
		PlanetID:  p.PlanetID,
		ServerID:  serverID,
		StartTime: now,
		Status:    store.TaskStarted,
	}
	if err := a.store.InsertTaskHistory(ctx, t); err != nil {
		a.log.Error().Err(err).Str("planet_id", p.PlanetID).Msg("history insert failed")
	}
}
