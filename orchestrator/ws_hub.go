package main

import (
	"context"
	"errors"
	"sync"

	"github.com/itskum47/PlanetForge/orchestrator/observability"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

// ErrSendBufferFull is returned by Peer.Send when the session's bounded
// outbound queue is full. The caller aborts the assignment; a stuck
// worker is reclaimed by the health loop.
var ErrSendBufferFull = errors.New("session send buffer full")

// ErrPeerGone is returned by Peer.Send after the session has closed.
var ErrPeerGone = errors.New("session closed")

// Peer is the hub's view of one live worker session.
type Peer interface {
	// Send enqueues an outbound frame without blocking.
	Send(frame any) error
	// Kick closes the session. Used when a reconnect replaces it.
	Kick()
}

// Hub is the in-memory worker registry: one live session per server_id,
// a per-worker lock serializing that worker's state transitions, and
// the nudge signal that wakes the assignment engine ahead of its tick.
type Hub struct {
	store store.Store

	mu    sync.RWMutex
	peers map[string]Peer
	locks map[string]*sync.Mutex

	// nudge is a capacity-1 force signal; publishing never blocks and
	// coalesces while the engine is mid-pass.
	nudge chan struct{}
}

func NewHub(st store.Store) *Hub {
	return &Hub{
		store: st,
		peers: make(map[string]Peer),
		locks: make(map[string]*sync.Mutex),
		nudge: make(chan struct{}, 1),
	}
}

// Attach registers the session for serverID and returns the session it
// replaced, if any. The caller kicks the replaced session; within a
// short reconnect window the new attachment always wins.
func (h *Hub) Attach(serverID string, p Peer) Peer {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev := h.peers[serverID]
	h.peers[serverID] = p
	observability.ConnectedWorkers.Set(float64(len(h.peers)))
	return prev
}

// Detach removes the session for serverID, but only if it is still the
// registered one; a session replaced by a reconnect must not detach its
// successor. Reports whether the session was actually removed.
func (h *Hub) Detach(serverID string, p Peer) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	removed := false
	if h.peers[serverID] == p {
		delete(h.peers, serverID)
		removed = true
	}
	observability.ConnectedWorkers.Set(float64(len(h.peers)))
	return removed
}

// Get returns the live session for serverID, or nil.
func (h *Hub) Get(serverID string) Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[serverID]
}

// Attached returns the number of live sessions.
func (h *Hub) Attached() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// WorkerLock returns the mutex serializing state transitions for one
// worker. Locks are created on first use and never removed; the fleet
// is small and ids are stable across reconnects.
func (h *Hub) WorkerLock(serverID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()

	l, ok := h.locks[serverID]
	if !ok {
		l = &sync.Mutex{}
		h.locks[serverID] = l
	}
	return l
}

// IdleCandidates returns workers eligible for assignment: stored status
// idle AND a live session, least-loaded-first (total_completed
// ascending, ties by connected_at ascending), capped at limit
// (limit <= 0 means no cap). A worker the store still shows idle but
// without a session is skipped; the health loop reconciles it.
func (h *Hub) IdleCandidates(ctx context.Context, limit int) ([]*store.Worker, error) {
	idle, err := h.store.ListIdleWorkers(ctx)
	if err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var candidates []*store.Worker
	for _, w := range idle {
		if _, live := h.peers[w.ServerID]; !live {
			continue
		}
		candidates = append(candidates, w)
		if limit > 0 && len(candidates) == limit {
			break
		}
	}
	return candidates, nil
}

// Nudge wakes the assignment engine without waiting for the next tick.
func (h *Hub) Nudge() {
	select {
	case h.nudge <- struct{}{}:
	default:
	}
}

// NudgeC exposes the signal channel to the assignment engine's loop.
func (h *Hub) NudgeC() <-chan struct{} {
	return h.nudge
}
