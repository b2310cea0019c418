package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itskum47/PlanetForge/orchestrator/queue"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakePeer struct {
	mu      sync.Mutex
	sent    []any
	sendErr error
	kicked  bool
}

func (p *fakePeer) Send(frame any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, frame)
	return nil
}

func (p *fakePeer) Kick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kicked = true
}

func (p *fakePeer) frames() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.sent...)
}

func (p *fakePeer) wasKicked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kicked
}

// core wires the in-memory store and index through the real hub,
// results handler and assigner, with the clock pinned to t0.
type core struct {
	store    *store.MemoryStore
	index    *queue.MemoryIndex
	hub      *Hub
	assignMu *sync.Mutex
	results  *Results
	assigner *Assigner
}

func newCore(t *testing.T) *core {
	t.Helper()
	st := store.NewMemoryStore()
	idx := queue.NewMemoryIndex()
	hub := NewHub(st)
	var mu sync.Mutex

	results := NewResults(st, idx, hub, &mu)
	results.now = func() time.Time { return t0 }
	assigner := NewAssigner(st, idx, hub, &mu, time.Minute)
	assigner.now = func() time.Time { return t0 }

	return &core{
		store:    st,
		index:    idx,
		hub:      hub,
		assignMu: &mu,
		results:  results,
		assigner: assigner,
	}
}

func (c *core) seedPlanet(t *testing.T, id, status string, due time.Time) *store.Planet {
	t.Helper()
	p := &store.Planet{
		PlanetID:           id,
		SeasonID:           1,
		RoundID:            10,
		CurrentRoundNumber: 3,
		NextRoundTime:      due,
		Status:             status,
	}
	require.NoError(t, c.store.CreatePlanet(context.Background(), p))
	if status == store.PlanetQueued || status == store.PlanetError {
		require.NoError(t, c.index.Put(context.Background(), id, due))
	}
	stored, err := c.store.GetPlanet(context.Background(), id)
	require.NoError(t, err)
	return stored
}

// seedProcessing puts the planet in processing owned by serverID and
// the worker in busy with the planet as its current task.
func (c *core) seedProcessing(t *testing.T, planetID, serverID string) *store.Planet {
	t.Helper()
	p := c.seedPlanet(t, planetID, store.PlanetQueued, t0.Add(-time.Minute))
	claimed, err := c.store.ClaimPlanet(context.Background(), planetID, serverID, p.Version)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, c.index.Remove(context.Background(), planetID))

	w, err := c.store.GetWorker(context.Background(), serverID)
	require.NoError(t, err)
	require.NotNil(t, w, "seed the worker before seedProcessing")
	w.Status = store.WorkerBusy
	w.CurrentTask = planetID
	require.NoError(t, c.store.UpsertWorker(context.Background(), w))

	stored, err := c.store.GetPlanet(context.Background(), planetID)
	require.NoError(t, err)
	return stored
}

func (c *core) seedWorker(t *testing.T, id, status string) *store.Worker {
	t.Helper()
	connected := t0.Add(-time.Hour)
	w := &store.Worker{
		ServerID:      id,
		Status:        status,
		LastHeartbeat: t0,
		ConnectedAt:   &connected,
	}
	require.NoError(t, c.store.UpsertWorker(context.Background(), w))
	return w
}

func (c *core) attach(t *testing.T, serverID string) *fakePeer {
	t.Helper()
	p := &fakePeer{}
	require.Nil(t, c.hub.Attach(serverID, p))
	return p
}

func (c *core) getPlanet(t *testing.T, id string) *store.Planet {
	t.Helper()
	p, err := c.store.GetPlanet(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func (c *core) getWorker(t *testing.T, id string) *store.Worker {
	t.Helper()
	w, err := c.store.GetWorker(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, w)
	return w
}

func (c *core) indexDue(t *testing.T, id string) (time.Time, bool) {
	t.Helper()
	snapshot, err := c.index.Snapshot(context.Background())
	require.NoError(t, err)
	for _, e := range snapshot {
		if e.PlanetID == id {
			return e.Due, true
		}
	}
	return time.Time{}, false
}
