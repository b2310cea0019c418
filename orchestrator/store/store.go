package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors callers match with errors.Is.
var (
	ErrPlanetExists    = errors.New("planet already exists")
	ErrPlanetNotFound  = errors.New("planet not found")
	ErrWorkerNotFound  = errors.New("worker not found")
	ErrVersionConflict = errors.New("version conflict: row changed since read")
)

// Store persists planets, workers and task history. Lookups return
// (nil, nil) when the row is absent; callers treat that as "not there"
// rather than an error.
type Store interface {
	// Planet operations
	CreatePlanet(ctx context.Context, p *Planet) error
	GetPlanet(ctx context.Context, planetID string) (*Planet, error)
	ListPlanets(ctx context.Context) ([]*Planet, error)
	ListPlanetsByStatus(ctx context.Context, status string) ([]*Planet, error)
	CountPlanetsByStatus(ctx context.Context, status string) (int, error)
	// UpdatePlanet writes the full row optimistically: the write only
	// lands if the stored version equals p.Version, and p.Version is
	// bumped on success.
	UpdatePlanet(ctx context.Context, p *Planet) error
	// ClaimPlanet transitions queued|error -> processing for serverID.
	// Returns false without error when the row changed since it was read
	// or is no longer claimable.
	ClaimPlanet(ctx context.Context, planetID, serverID string, version int64) (bool, error)
	// ReleasePlanet transitions processing -> toStatus, clearing the
	// owner and setting next_round_time. Guarded by the owning serverID;
	// returns false when the planet is not processing for that worker.
	ReleasePlanet(ctx context.Context, planetID, serverID, toStatus string, nextRound time.Time) (bool, error)
	DeletePlanet(ctx context.Context, planetID string) error

	// Worker operations
	UpsertWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, serverID string) (*Worker, error)
	ListWorkers(ctx context.Context) ([]*Worker, error)
	// ListIdleWorkers returns idle workers least-loaded-first:
	// total_completed ascending, ties broken by connected_at ascending.
	ListIdleWorkers(ctx context.Context) ([]*Worker, error)
	CountWorkersByStatus(ctx context.Context, status string) (int, error)
	// UpdateWorkerHeartbeat writes the resource gauges and last_heartbeat
	// only; it never touches status.
	UpdateWorkerHeartbeat(ctx context.Context, serverID string, hb Heartbeat, at time.Time) error
	MarkAllWorkersOffline(ctx context.Context, at time.Time) error

	// Task history operations
	InsertTaskHistory(ctx context.Context, t *TaskHistory) error
	UpdateTaskHistory(ctx context.Context, t *TaskHistory) error
	// GetStartedTask returns the latest open (status=started) row for the
	// pair, or (nil, nil).
	GetStartedTask(ctx context.Context, planetID, serverID string) (*TaskHistory, error)
	// GetFailedTask returns the latest failed row for the pair, or
	// (nil, nil). Used to reuse rows across retries.
	GetFailedTask(ctx context.Context, planetID, serverID string) (*TaskHistory, error)
	ListRecentTasks(ctx context.Context, limit int) ([]*TaskHistory, error)
	TaskStats(ctx context.Context, since time.Time) (*TaskStats, error)

	Close()
}
