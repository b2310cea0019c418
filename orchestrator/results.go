package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itskum47/PlanetForge/orchestrator/logging"
	"github.com/itskum47/PlanetForge/orchestrator/observability"
	"github.com/itskum47/PlanetForge/orchestrator/queue"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

// Retry policy for peer-reported failures: exponential backoff
// 1/2/4/8/16 s across five attempts, then a counter reset with a 30 s
// cooldown so a persistently failing planet never wedges.
const (
	maxRetries         = 5
	retryResetCooldown = 30 * time.Second
)

// Results processes job_done, job_skipped and error reports, plus the
// shared orphan-release path. All paths validate that the reporting
// worker still owns the planet; stale reports are logged and dropped
// without side effects. Updates run under the assignment lock plus the
// per-worker lock, so a completion for planet P is atomic with respect
// to any concurrent assignment attempt for P.
type Results struct {
	store    store.Store
	index    queue.Index
	hub      *Hub
	assignMu *sync.Mutex

	now func() time.Time
	log zerolog.Logger
}

func NewResults(st store.Store, idx queue.Index, hub *Hub, assignMu *sync.Mutex) *Results {
	return &Results{
		store:    st,
		index:    idx,
		hub:      hub,
		assignMu: assignMu,
		now:      time.Now,
		log:      logging.WithComponent("results"),
	}
}

// HandleJobDone applies the success path: the planet is requeued at the
// worker-supplied next round time, the worker returns to the idle pool
// with completion credit, and the open history row is closed.
func (r *Results) HandleJobDone(ctx context.Context, serverID string, f *JobDoneFrame) error {
	if f.PlanetID == "" || f.NextRoundTime == "" {
		return fmt.Errorf("job_done from %s missing planet_id or next_round_time", serverID)
	}
	nextRound, err := time.Parse(time.RFC3339, f.NextRoundTime)
	if err != nil {
		return fmt.Errorf("job_done from %s: bad next_round_time %q: %w", serverID, f.NextRoundTime, err)
	}

	lock := r.hub.WorkerLock(serverID)
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	p, w, ok, err := r.resolveOwned(ctx, f.PlanetID, serverID)
	if err != nil || !ok {
		return err
	}
	now := r.now()

	p.Status = store.PlanetQueued
	// The worker is the authoritative source for round bookkeeping;
	// supplied values win, otherwise increment locally.
	if f.RoundID != nil {
		p.RoundID = *f.RoundID
	} else {
		p.RoundID++
	}
	if f.CurrentRoundNumber != nil {
		p.CurrentRoundNumber = *f.CurrentRoundNumber
	} else {
		p.CurrentRoundNumber++
	}
	if f.SeasonID != nil {
		p.SeasonID = *f.SeasonID
	}
	p.NextRoundTime = nextRound
	p.LastProcessed = &now
	p.ProcessingServerID = ""
	p.ErrorRetryCount = 0
	if err := r.store.UpdatePlanet(ctx, p); err != nil {
		return fmt.Errorf("update planet %s on completion: %w", p.PlanetID, err)
	}

	w.Status = store.WorkerIdle
	w.CurrentTask = ""
	w.TotalCompleted++
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("free worker %s on completion: %w", serverID, err)
	}

	r.closeOpenTask(ctx, p.PlanetID, serverID, store.TaskCompleted, "", now)

	if err := r.index.Put(ctx, p.PlanetID, nextRound); err != nil {
		r.log.Error().Err(err).Str("planet_id", p.PlanetID).Msg("requeue failed; health loop will repair")
	}

	observability.CompletionsTotal.WithLabelValues(store.TaskCompleted).Inc()
	r.log.Info().
		Str("planet_id", p.PlanetID).
		Str("server_id", serverID).
		Int("round_id", p.RoundID).
		Time("next_round_time", nextRound).
		Msg("planet completed and requeued")

	// Worker became idle; if the new due time already passed the planet
	// is immediately assignable too.
	r.hub.Nudge()
	return nil
}

// HandleJobSkipped requeues the planet at the supplied time without
// granting completion credit. The history row is closed as completed
// with an explanatory message so skips stay queryable.
func (r *Results) HandleJobSkipped(ctx context.Context, serverID string, f *JobSkippedFrame) error {
	if f.PlanetID == "" || f.NextRoundTime == "" {
		return fmt.Errorf("job_skipped from %s missing planet_id or next_round_time", serverID)
	}
	nextRound, err := time.Parse(time.RFC3339, f.NextRoundTime)
	if err != nil {
		return fmt.Errorf("job_skipped from %s: bad next_round_time %q: %w", serverID, f.NextRoundTime, err)
	}

	lock := r.hub.WorkerLock(serverID)
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	p, w, ok, err := r.resolveOwned(ctx, f.PlanetID, serverID)
	if err != nil || !ok {
		return err
	}
	now := r.now()

	p.Status = store.PlanetQueued
	p.NextRoundTime = nextRound
	p.ProcessingServerID = ""
	if err := r.store.UpdatePlanet(ctx, p); err != nil {
		return fmt.Errorf("update planet %s on skip: %w", p.PlanetID, err)
	}

	w.Status = store.WorkerIdle
	w.CurrentTask = ""
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("free worker %s on skip: %w", serverID, err)
	}

	reason := f.Reason
	if reason == "" {
		reason = "unspecified"
	}
	r.closeOpenTask(ctx, p.PlanetID, serverID, store.TaskCompleted, "skipped: "+reason, now)

	if err := r.index.Put(ctx, p.PlanetID, nextRound); err != nil {
		r.log.Error().Err(err).Str("planet_id", p.PlanetID).Msg("requeue failed; health loop will repair")
	}

	observability.CompletionsTotal.WithLabelValues("skipped").Inc()
	r.log.Info().
		Str("planet_id", p.PlanetID).
		Str("server_id", serverID).
		Str("reason", reason).
		Msg("planet skipped and requeued")

	r.hub.Nudge()
	return nil
}

// HandleJobError applies the failure path with bounded retry. Within
// the budget the planet moves to error status with an exponential
// backoff that never lands before its scheduled round time; past the
// budget the counter resets and the planet cools down for 30 s.
func (r *Results) HandleJobError(ctx context.Context, serverID string, f *ErrorFrame) error {
	if f.PlanetID == "" {
		// Worker-level error with no job attached; nothing to release.
		r.log.Warn().Str("server_id", serverID).Str("error", f.Error).Msg("worker reported error without planet")
		return nil
	}

	lock := r.hub.WorkerLock(serverID)
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	p, w, ok, err := r.resolveOwned(ctx, f.PlanetID, serverID)
	if err != nil || !ok {
		return err
	}
	now := r.now()

	w.Status = store.WorkerIdle
	w.CurrentTask = ""
	w.TotalFailed++
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("free worker %s on error: %w", serverID, err)
	}

	p.ErrorRetryCount++
	p.Status = store.PlanetError
	p.ProcessingServerID = ""

	var due time.Time
	if p.ErrorRetryCount <= maxRetries {
		backoff := time.Duration(1<<(p.ErrorRetryCount-1)) * time.Second
		due = now.Add(backoff)
		if p.NextRoundTime.After(due) {
			due = p.NextRoundTime
		}
	} else {
		p.ErrorRetryCount = 0
		due = now.Add(retryResetCooldown)
	}
	p.NextRoundTime = due
	if err := r.store.UpdatePlanet(ctx, p); err != nil {
		return fmt.Errorf("update planet %s on error: %w", p.PlanetID, err)
	}

	r.closeOpenTask(ctx, p.PlanetID, serverID, store.TaskFailed, f.Error, now)

	if err := r.index.Put(ctx, p.PlanetID, due); err != nil {
		r.log.Error().Err(err).Str("planet_id", p.PlanetID).Msg("requeue failed; health loop will repair")
	}

	observability.CompletionsTotal.WithLabelValues(store.TaskFailed).Inc()
	r.log.Warn().
		Str("planet_id", p.PlanetID).
		Str("server_id", serverID).
		Int("retry_count", p.ErrorRetryCount).
		Time("retry_at", due).
		Str("error", f.Error).
		Msg("planet failed, scheduled for retry")

	r.hub.Nudge()
	return nil
}

// ReleaseOrphan reclaims the planet a worker was processing when the
// worker became unreachable: the planet returns to the queue due now,
// the open history row turns into a timeout, and the worker's failure
// counter is bumped with its current task cleared. The worker's status
// itself is left to the caller (offline, not_initialized or idle
// depending on why the release happened). Returns the released
// planet_id, or "" when there was nothing to release.
func (r *Results) ReleaseOrphan(ctx context.Context, serverID, reason string) (string, error) {
	lock := r.hub.WorkerLock(serverID)
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	w, err := r.store.GetWorker(ctx, serverID)
	if err != nil {
		return "", err
	}
	if w == nil || w.CurrentTask == "" {
		return "", nil
	}
	planetID := w.CurrentTask
	now := r.now()

	p, err := r.store.GetPlanet(ctx, planetID)
	if err != nil {
		return "", err
	}
	if p != nil && p.Status == store.PlanetProcessing && p.ProcessingServerID == serverID {
		toStatus := store.PlanetQueued
		if p.ErrorRetryCount > 0 {
			toStatus = store.PlanetError
		}
		released, err := r.store.ReleasePlanet(ctx, planetID, serverID, toStatus, now)
		if err != nil {
			return "", fmt.Errorf("release planet %s: %w", planetID, err)
		}
		if released {
			if err := r.index.Put(ctx, planetID, now); err != nil {
				r.log.Error().Err(err).Str("planet_id", planetID).Msg("requeue failed; health loop will repair")
			}
			r.closeOpenTask(ctx, planetID, serverID, store.TaskTimeout, reason, now)
			observability.CompletionsTotal.WithLabelValues(store.TaskTimeout).Inc()
			observability.OrphansRecovered.Inc()
		}
	}

	w.CurrentTask = ""
	w.TotalFailed++
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return "", fmt.Errorf("clear task on worker %s: %w", serverID, err)
	}

	r.log.Warn().
		Str("planet_id", planetID).
		Str("server_id", serverID).
		Str("reason", reason).
		Msg("orphaned planet released back to queue")
	return planetID, nil
}

// ReleaseStuckPlanet reclaims a processing planet whose assigned worker
// cannot finish it: the worker row is gone, long offline, or no longer
// records the planet as its task (a completion whose planet write
// failed leaves exactly that shape). Planet-keyed twin of
// ReleaseOrphan.
func (r *Results) ReleaseStuckPlanet(ctx context.Context, planetID, reason string) error {
	p, err := r.store.GetPlanet(ctx, planetID)
	if err != nil {
		return err
	}
	if p == nil || p.Status != store.PlanetProcessing {
		return nil
	}
	serverID := p.ProcessingServerID

	lock := r.hub.WorkerLock(serverID)
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; a completion may have won the race.
	p, err = r.store.GetPlanet(ctx, planetID)
	if err != nil {
		return err
	}
	if p == nil || p.Status != store.PlanetProcessing || p.ProcessingServerID != serverID {
		return nil
	}

	// A busy worker still recording the planet as its task is a live
	// pair; callers racing a fresh assignment back off here.
	owner, err := r.store.GetWorker(ctx, serverID)
	if err != nil {
		return err
	}
	if owner != nil && owner.Status == store.WorkerBusy && owner.CurrentTask == planetID {
		return nil
	}
	now := r.now()

	toStatus := store.PlanetQueued
	if p.ErrorRetryCount > 0 {
		toStatus = store.PlanetError
	}
	released, err := r.store.ReleasePlanet(ctx, planetID, serverID, toStatus, now)
	if err != nil {
		return fmt.Errorf("release planet %s: %w", planetID, err)
	}
	if !released {
		return nil
	}

	if err := r.index.Put(ctx, planetID, now); err != nil {
		r.log.Error().Err(err).Str("planet_id", planetID).Msg("requeue failed; health loop will repair")
	}
	r.closeOpenTask(ctx, planetID, serverID, store.TaskTimeout, reason, now)
	observability.CompletionsTotal.WithLabelValues(store.TaskTimeout).Inc()
	observability.OrphansRecovered.Inc()

	if owner != nil {
		owner.TotalFailed++
		if owner.CurrentTask == planetID {
			owner.CurrentTask = ""
		}
		if err := r.store.UpsertWorker(ctx, owner); err != nil {
			r.log.Error().Err(err).Str("server_id", serverID).Msg("worker failure count update failed")
		}
	}

	r.log.Warn().
		Str("planet_id", planetID).
		Str("server_id", serverID).
		Str("reason", reason).
		Msg("stuck planet released back to queue")
	return nil
}

// ResetStrandedWorker returns a busy worker to the idle pool when the
// task it records no longer names a planet it owns. A completion whose
// worker write failed after the planet write strands the worker this
// way; ReleaseStuckPlanet repairs the planet side, this is the
// worker-keyed mirror. Re-validates under the assignment lock so an
// in-flight pair is never reset.
func (r *Results) ResetStrandedWorker(ctx context.Context, serverID, reason string) error {
	lock := r.hub.WorkerLock(serverID)
	r.assignMu.Lock()
	defer r.assignMu.Unlock()
	lock.Lock()
	defer lock.Unlock()

	w, err := r.store.GetWorker(ctx, serverID)
	if err != nil {
		return err
	}
	if w == nil || w.Status != store.WorkerBusy {
		return nil
	}
	if w.CurrentTask != "" {
		p, err := r.store.GetPlanet(ctx, w.CurrentTask)
		if err != nil {
			return err
		}
		if p != nil && p.Status == store.PlanetProcessing && p.ProcessingServerID == serverID {
			return nil
		}
	}

	w.Status = store.WorkerIdle
	w.CurrentTask = ""
	if err := r.store.UpsertWorker(ctx, w); err != nil {
		return fmt.Errorf("reset stranded worker %s: %w", serverID, err)
	}

	r.log.Warn().
		Str("server_id", serverID).
		Str("reason", reason).
		Msg("stranded busy worker returned to idle pool")
	return nil
}

// resolveOwned looks up the (planet, worker) pair and verifies the
// worker still owns the planet. A mismatch is a stale completion for a
// reassigned or deleted planet: logged and dropped.
func (r *Results) resolveOwned(ctx context.Context, planetID, serverID string) (*store.Planet, *store.Worker, bool, error) {
	p, err := r.store.GetPlanet(ctx, planetID)
	if err != nil {
		return nil, nil, false, err
	}
	w, err := r.store.GetWorker(ctx, serverID)
	if err != nil {
		return nil, nil, false, err
	}
	if p == nil || w == nil || p.ProcessingServerID != serverID {
		observability.StaleCompletions.Inc()
		r.log.Warn().
			Str("planet_id", planetID).
			Str("server_id", serverID).
			Bool("planet_found", p != nil).
			Bool("worker_found", w != nil).
			Msg("dropping stale completion")
		return nil, nil, false, nil
	}
	return p, w, true, nil
}

// closeOpenTask moves the latest open history row for the pair to a
// terminal status. A missing row is tolerated: assignment may have
// failed after dispatch, and history must never block completion.
func (r *Results) closeOpenTask(ctx context.Context, planetID, serverID, status, message string, endedAt time.Time) {
	t, err := r.store.GetStartedTask(ctx, planetID, serverID)
	if err != nil {
		r.log.Error().Err(err).Str("planet_id", planetID).Msg("history lookup failed")
		return
	}
	if t == nil {
		return
	}
	t.Status = status
	t.EndTime = &endedAt
	t.ErrorMessage = message
	duration := endedAt.Sub(t.StartTime).Seconds()
	t.DurationSeconds = &duration
	if err := r.store.UpdateTaskHistory(ctx, t); err != nil {
		r.log.Error().Err(err).Str("planet_id", planetID).Msg("history update failed")
	}
}
