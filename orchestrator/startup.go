package main

import (
	"context"
	"fmt"
	"time"

	"github.com/itskum47/PlanetForge/orchestrator/logging"
	"github.com/itskum47/PlanetForge/orchestrator/queue"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

// legacyAdopter is implemented by index backings that can absorb a
// previous deployment's queue key.
type legacyAdopter interface {
	AdoptLegacy(ctx context.Context, legacyKey string) (int, error)
}

// reconcileStartup repairs state left behind by the previous process:
// every worker goes offline (no session survives a restart), planets
// stuck in processing return to the queue due immediately, and the
// pending-due index is rebuilt from the store. Runs once, before the
// assignment engine and health loop start; a store failure here is
// fatal to serve.
func reconcileStartup(ctx context.Context, st store.Store, idx queue.Index, legacyKey string, now func() time.Time) error {
	log := logging.WithComponent("startup")
	at := now()

	if adopter, ok := idx.(legacyAdopter); ok && legacyKey != "" {
		moved, err := adopter.AdoptLegacy(ctx, legacyKey)
		if err != nil {
			return fmt.Errorf("adopting legacy queue key %q: %w", legacyKey, err)
		}
		if moved > 0 {
			log.Info().Int("members", moved).Str("legacy_key", legacyKey).Msg("adopted legacy queue members")
		}
	}

	if err := st.MarkAllWorkersOffline(ctx, at); err != nil {
		return fmt.Errorf("marking workers offline: %w", err)
	}

	stuck, err := st.ListPlanetsByStatus(ctx, store.PlanetProcessing)
	if err != nil {
		return fmt.Errorf("listing stuck planets: %w", err)
	}
	for _, p := range stuck {
		released, err := st.ReleasePlanet(ctx, p.PlanetID, p.ProcessingServerID, store.PlanetQueued, at)
		if err != nil {
			return fmt.Errorf("releasing stuck planet %s: %w", p.PlanetID, err)
		}
		if released {
			log.Warn().Str("planet_id", p.PlanetID).Str("server_id", p.ProcessingServerID).Msg("requeued planet stuck in processing")
		}
	}

	// Rebuild the index wholesale; whatever survived the restart may be
	// stale in either direction.
	if err := idx.Clear(ctx); err != nil {
		return fmt.Errorf("clearing index: %w", err)
	}
	rebuilt := 0
	for _, status := range []string{store.PlanetQueued, store.PlanetError} {
		planets, err := st.ListPlanetsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("listing %s planets: %w", status, err)
		}
		for _, p := range planets {
			if err := idx.Put(ctx, p.PlanetID, p.NextRoundTime); err != nil {
				return fmt.Errorf("indexing planet %s: %w", p.PlanetID, err)
			}
			rebuilt++
		}
	}

	log.Info().
		Int("stuck_requeued", len(stuck)).
		Int("indexed", rebuilt).
		Msg("startup reconciliation complete")
	return nil
}
