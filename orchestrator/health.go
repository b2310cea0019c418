package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/PlanetForge/orchestrator/logging"
	"github.com/itskum47/PlanetForge/orchestrator/observability"
	"github.com/itskum47/PlanetForge/orchestrator/queue"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

// Health is the periodic repair loop: stale-heartbeat detection, orphan
// release, index drift repair, and a trailing nudge so repaired work is
// dispatched without waiting for the next engine tick.
type Health struct {
	store   store.Store
	index   queue.Index
	hub     *Hub
	results *Results

	interval     time.Duration
	staleAfter   time.Duration
	offlineAfter time.Duration

	now func() time.Time
	log zerolog.Logger
}

func NewHealth(st store.Store, idx queue.Index, hub *Hub, results *Results, interval, staleAfter, offlineAfter time.Duration) *Health {
	return &Health{
		store:        st,
		index:        idx,
		hub:          hub,
		results:      results,
		interval:     interval,
		staleAfter:   staleAfter,
		offlineAfter: offlineAfter,
		now:          time.Now,
		log:          logging.WithComponent("health"),
	}
}

// Start runs the loop until the context is canceled.
func (h *Health) Start(ctx context.Context) {
	go h.loop(ctx)
}

func (h *Health) loop(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info().
		Dur("interval", h.interval).
		Dur("stale_after", h.staleAfter).
		Dur("offline_after", h.offlineAfter).
		Msg("health loop started")

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("health loop stopped")
			return
		case <-ticker.C:
			h.RunOnce(ctx)
		}
	}
}

// RunOnce executes one health tick.
func (h *Health) RunOnce(ctx context.Context) {
	h.checkHeartbeats(ctx)
	h.releaseStuckPlanets(ctx)
	h.resetStrandedWorkers(ctx)
	h.repairIndexDrift(ctx)
	h.refreshGauges(ctx)
	h.hub.Nudge()
}

// checkHeartbeats degrades silent workers: past staleAfter they become
// not_responding, past offlineAfter they go offline, their session is
// torn down, and any in-flight planet is reclaimed.
func (h *Health) checkHeartbeats(ctx context.Context) {
	workers, err := h.store.ListWorkers(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("listing workers failed")
		return
	}
	now := h.now()

	for _, w := range workers {
		if w.Status == store.WorkerOffline {
			continue
		}
		silence := now.Sub(w.LastHeartbeat)

		switch {
		case silence > h.offlineAfter:
			h.log.Warn().
				Str("server_id", w.ServerID).
				Dur("silence", silence).
				Msg("worker silent past offline threshold, marking offline")

			if peer := h.hub.Get(w.ServerID); peer != nil {
				peer.Kick()
				h.hub.Detach(w.ServerID, peer)
			}
			if w.CurrentTask != "" {
				if _, err := h.results.ReleaseOrphan(ctx, w.ServerID, "worker heartbeat silence exceeded offline threshold"); err != nil {
					h.log.Error().Err(err).Str("server_id", w.ServerID).Msg("orphan release failed")
					continue
				}
			}
			h.setWorkerStatus(ctx, w.ServerID, store.WorkerOffline, &now)

		case silence > h.staleAfter && (w.Status == store.WorkerIdle || w.Status == store.WorkerBusy):
			h.log.Warn().
				Str("server_id", w.ServerID).
				Dur("silence", silence).
				Msg("worker heartbeat stale, marking not_responding")
			h.setWorkerStatus(ctx, w.ServerID, store.WorkerNotResponding, nil)
		}
	}
}

func (h *Health) setWorkerStatus(ctx context.Context, serverID, status string, disconnectedAt *time.Time) {
	lock := h.hub.WorkerLock(serverID)
	lock.Lock()
	defer lock.Unlock()

	w, err := h.store.GetWorker(ctx, serverID)
	if err != nil || w == nil {
		if err != nil {
			h.log.Error().Err(err).Str("server_id", serverID).Msg("worker lookup failed")
		}
		return
	}
	w.Status = status
	if status == store.WorkerOffline {
		w.CurrentTask = ""
		w.DisconnectedAt = disconnectedAt
	}
	if err := h.store.UpsertWorker(ctx, w); err != nil {
		h.log.Error().Err(err).Str("server_id", serverID).Msg("worker status update failed")
	}
}

// releaseStuckPlanets catches processing planets whose assigned worker
// can no longer finish them: the worker row is gone, offline, silent
// past the offline threshold, or no longer records the planet as its
// task (a half-applied completion leaves that shape when the planet
// write fails after the worker write). The worker-keyed path in
// checkHeartbeats handles the common case; this sweep is the
// planet-keyed backstop. ReleaseStuckPlanet re-validates both rows
// under the assignment lock, so a pair observed mid-transition here is
// left alone.
func (h *Health) releaseStuckPlanets(ctx context.Context) {
	processing, err := h.store.ListPlanetsByStatus(ctx, store.PlanetProcessing)
	if err != nil {
		h.log.Error().Err(err).Msg("listing processing planets failed")
		return
	}
	now := h.now()

	for _, p := range processing {
		w, err := h.store.GetWorker(ctx, p.ProcessingServerID)
		if err != nil {
			h.log.Error().Err(err).Str("server_id", p.ProcessingServerID).Msg("worker lookup failed")
			continue
		}
		stuck := w == nil ||
			w.Status == store.WorkerOffline ||
			(w.Status == store.WorkerNotResponding && now.Sub(w.LastHeartbeat) > h.offlineAfter) ||
			w.CurrentTask != p.PlanetID
		if !stuck {
			continue
		}
		if err := h.results.ReleaseStuckPlanet(ctx, p.PlanetID, "assigned worker cannot finish planet"); err != nil {
			h.log.Error().Err(err).Str("planet_id", p.PlanetID).Msg("stuck planet release failed")
		}
	}
}

// resetStrandedWorkers is the worker-keyed mirror of
// releaseStuckPlanets: a busy worker whose recorded task names no
// planet it owns never takes work again without this sweep.
func (h *Health) resetStrandedWorkers(ctx context.Context) {
	workers, err := h.store.ListWorkers(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("listing workers failed")
		return
	}

	for _, w := range workers {
		if w.Status != store.WorkerBusy {
			continue
		}
		stranded := w.CurrentTask == ""
		if !stranded {
			p, err := h.store.GetPlanet(ctx, w.CurrentTask)
			if err != nil {
				h.log.Error().Err(err).Str("planet_id", w.CurrentTask).Msg("planet lookup failed")
				continue
			}
			stranded = p == nil || p.Status != store.PlanetProcessing || p.ProcessingServerID != w.ServerID
		}
		if !stranded {
			continue
		}
		if err := h.results.ResetStrandedWorker(ctx, w.ServerID, "busy worker owns no processing planet"); err != nil {
			h.log.Error().Err(err).Str("server_id", w.ServerID).Msg("stranded worker reset failed")
		}
	}
}

// repairIndexDrift reconciles the pending-due index with the store in
// both directions: eligible planets missing from the index are added at
// their scheduled time, and members without an eligible planet are
// removed.
func (h *Health) repairIndexDrift(ctx context.Context) {
	snapshot, err := h.index.Snapshot(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("index snapshot failed")
		return
	}
	indexed := make(map[string]bool, len(snapshot))
	for _, e := range snapshot {
		indexed[e.PlanetID] = true
	}

	planets, err := h.store.ListPlanets(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("listing planets failed")
		return
	}
	eligible := make(map[string]bool, len(planets))

	for _, p := range planets {
		if p.Status != store.PlanetQueued && p.Status != store.PlanetError {
			continue
		}
		eligible[p.PlanetID] = true
		if indexed[p.PlanetID] {
			continue
		}
		h.log.Warn().Str("planet_id", p.PlanetID).Msg("re-adding planet missing from index")
		if err := h.index.Put(ctx, p.PlanetID, p.NextRoundTime); err != nil {
			h.log.Error().Err(err).Str("planet_id", p.PlanetID).Msg("index repair put failed")
			continue
		}
		observability.IndexDriftRepairs.WithLabelValues("added").Inc()
	}

	for _, e := range snapshot {
		if eligible[e.PlanetID] {
			continue
		}
		h.log.Warn().Str("planet_id", e.PlanetID).Msg("removing ineligible index member")
		if err := h.index.Remove(ctx, e.PlanetID); err != nil {
			h.log.Error().Err(err).Str("planet_id", e.PlanetID).Msg("index repair remove failed")
			continue
		}
		observability.IndexDriftRepairs.WithLabelValues("removed").Inc()
	}
}

// refreshGauges updates the status and queue-depth gauges.
func (h *Health) refreshGauges(ctx context.Context) {
	for _, status := range []string{store.WorkerOffline, store.WorkerNotInitialized, store.WorkerIdle, store.WorkerBusy, store.WorkerNotResponding} {
		if n, err := h.store.CountWorkersByStatus(ctx, status); err == nil {
			observability.WorkersByStatus.WithLabelValues(status).Set(float64(n))
		}
	}
	for _, status := range []string{store.PlanetQueued, store.PlanetProcessing, store.PlanetError} {
		if n, err := h.store.CountPlanetsByStatus(ctx, status); err == nil {
			observability.PlanetsByStatus.WithLabelValues(status).Set(float64(n))
		}
	}
	if n, err := h.index.Size(ctx); err == nil {
		observability.QueueDepth.Set(float64(n))
	}
}
