package main

import (
	"context"
	"time"

	"github.com/itskum47/PlanetForge/orchestrator/queue"
	"github.com/itskum47/PlanetForge/orchestrator/store"
)

const (
	statsWindow      = 24 * time.Hour
	recentTasksLimit = 20
)

// DashboardStats is the aggregate snapshot rendered by the ops UI.
type DashboardStats struct {
	Planets     map[string]int       `json:"planets"`
	Workers     map[string]int       `json:"workers"`
	Queue       DashboardQueue       `json:"queue"`
	Tasks24h    *store.TaskStats     `json:"tasks_24h"`
	RecentTasks []*store.TaskHistory `json:"recent_tasks"`
	GeneratedAt time.Time            `json:"generated_at"`
}

// DashboardQueue summarizes the pending-due index.
type DashboardQueue struct {
	Size        int        `json:"size"`
	NextDueTime *time.Time `json:"next_due_time"`
}

// DashboardService aggregates read-only state for the stats endpoint.
type DashboardService struct {
	store store.Store
	index queue.Index
	now   func() time.Time
}

func NewDashboardService(st store.Store, idx queue.Index) *DashboardService {
	return &DashboardService{store: st, index: idx, now: time.Now}
}

func (d *DashboardService) GetStats(ctx context.Context) (*DashboardStats, error) {
	now := d.now()
	stats := &DashboardStats{
		Planets:     make(map[string]int, 3),
		Workers:     make(map[string]int, 5),
		GeneratedAt: now,
	}

	for _, status := range []string{store.PlanetQueued, store.PlanetProcessing, store.PlanetError} {
		n, err := d.store.CountPlanetsByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		stats.Planets[status] = n
	}
	for _, status := range []string{store.WorkerOffline, store.WorkerNotInitialized, store.WorkerIdle, store.WorkerBusy, store.WorkerNotResponding} {
		n, err := d.store.CountWorkersByStatus(ctx, status)
		if err != nil {
			return nil, err
		}
		stats.Workers[status] = n
	}

	size, err := d.index.Size(ctx)
	if err != nil {
		return nil, err
	}
	stats.Queue.Size = size
	next, err := d.index.PeekNext(ctx)
	if err != nil {
		return nil, err
	}
	if next != nil {
		stats.Queue.NextDueTime = &next.Due
	}

	stats.Tasks24h, err = d.store.TaskStats(ctx, now.Add(-statsWindow))
	if err != nil {
		return nil, err
	}
	stats.RecentTasks, err = d.store.ListRecentTasks(ctx, recentTasksLimit)
	if err != nil {
		return nil, err
	}
	return stats, nil
}
