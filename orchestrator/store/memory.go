package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and the memory driver
// in dev mode. All reads return copies so callers cannot mutate shared
// state behind the lock.
type MemoryStore struct {
	mu      sync.RWMutex
	planets map[string]*Planet
	workers map[string]*Worker
	tasks   []*TaskHistory
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		planets: make(map[string]*Planet),
		workers: make(map[string]*Worker),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}

// --- Planet Operations ---

func (s *MemoryStore) CreatePlanet(ctx context.Context, p *Planet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.planets[p.PlanetID]; ok {
		return ErrPlanetExists
	}
	now := time.Now()
	cp := *p
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.planets[p.PlanetID] = &cp
	return nil
}

func (s *MemoryStore) GetPlanet(ctx context.Context, planetID string) (*Planet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.planets[planetID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListPlanets(ctx context.Context) ([]*Planet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Planet, 0, len(s.planets))
	for _, p := range s.planets {
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PlanetID < result[j].PlanetID })
	return result, nil
}

func (s *MemoryStore) ListPlanetsByStatus(ctx context.Context, status string) ([]*Planet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Planet
	for _, p := range s.planets {
		if p.Status == status {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].NextRoundTime.Before(result[j].NextRoundTime) })
	return result, nil
}

func (s *MemoryStore) CountPlanetsByStatus(ctx context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, p := range s.planets {
		if p.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdatePlanet(ctx context.Context, p *Planet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.planets[p.PlanetID]
	if !ok || stored.Version != p.Version {
		return ErrVersionConflict
	}
	cp := *p
	cp.Version = stored.Version + 1
	cp.CreatedAt = stored.CreatedAt
	cp.UpdatedAt = time.Now()
	s.planets[p.PlanetID] = &cp
	p.Version = cp.Version
	return nil
}

func (s *MemoryStore) ClaimPlanet(ctx context.Context, planetID, serverID string, version int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.planets[planetID]
	if !ok || p.Version != version {
		return false, nil
	}
	if p.Status != PlanetQueued && p.Status != PlanetError {
		return false, nil
	}
	p.Status = PlanetProcessing
	p.ProcessingServerID = serverID
	p.Version++
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) ReleasePlanet(ctx context.Context, planetID, serverID, toStatus string, nextRound time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.planets[planetID]
	if !ok || p.Status != PlanetProcessing || p.ProcessingServerID != serverID {
		return false, nil
	}
	p.Status = toStatus
	p.ProcessingServerID = ""
	p.NextRoundTime = nextRound
	p.Version++
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) DeletePlanet(ctx context.Context, planetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.planets[planetID]; !ok {
		return ErrPlanetNotFound
	}
	delete(s.planets, planetID)
	return nil
}

// --- Worker Operations ---

func (s *MemoryStore) UpsertWorker(ctx context.Context, w *Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *w
	cp.UpdatedAt = time.Now()
	if existing, ok := s.workers[w.ServerID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = cp.UpdatedAt
	}
	s.workers[w.ServerID] = &cp
	return nil
}

func (s *MemoryStore) GetWorker(ctx context.Context, serverID string) (*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workers[serverID]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ListWorkers(ctx context.Context) ([]*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ServerID < result[j].ServerID })
	return result, nil
}

func (s *MemoryStore) ListIdleWorkers(ctx context.Context) ([]*Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Worker
	for _, w := range s.workers {
		if w.Status == WorkerIdle {
			cp := *w
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.TotalCompleted != b.TotalCompleted {
			return a.TotalCompleted < b.TotalCompleted
		}
		switch {
		case a.ConnectedAt == nil:
			return false
		case b.ConnectedAt == nil:
			return true
		default:
			return a.ConnectedAt.Before(*b.ConnectedAt)
		}
	})
	return result, nil
}

func (s *MemoryStore) CountWorkersByStatus(ctx context.Context, status string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, w := range s.workers {
		if w.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) UpdateWorkerHeartbeat(ctx context.Context, serverID string, hb Heartbeat, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[serverID]
	if !ok {
		return ErrWorkerNotFound
	}
	w.IdleCPU = hb.IdleCPU
	w.MaxCPU = hb.MaxCPU
	w.IdleRAM = hb.IdleRAM
	w.MaxRAM = hb.MaxRAM
	w.Disk = hb.Disk
	w.LastHeartbeat = at
	w.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) MarkAllWorkersOffline(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.workers {
		if w.Status == WorkerOffline {
			continue
		}
		w.Status = WorkerOffline
		w.CurrentTask = ""
		disconnected := at
		w.DisconnectedAt = &disconnected
		w.UpdatedAt = time.Now()
	}
	return nil
}

// --- Task History Operations ---

func (s *MemoryStore) InsertTaskHistory(ctx context.Context, t *TaskHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *t
	s.tasks = append(s.tasks, &cp)
	return nil
}

func (s *MemoryStore) UpdateTaskHistory(ctx context.Context, t *TaskHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, stored := range s.tasks {
		if stored.ID == t.ID {
			cp := *t
			s.tasks[i] = &cp
			return nil
		}
	}
	return ErrPlanetNotFound
}

func (s *MemoryStore) GetStartedTask(ctx context.Context, planetID, serverID string) (*TaskHistory, error) {
	return s.getTaskByStatus(planetID, serverID, TaskStarted)
}

func (s *MemoryStore) GetFailedTask(ctx context.Context, planetID, serverID string) (*TaskHistory, error) {
	return s.getTaskByStatus(planetID, serverID, TaskFailed)
}

func (s *MemoryStore) getTaskByStatus(planetID, serverID, status string) (*TaskHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *TaskHistory
	for _, t := range s.tasks {
		if t.PlanetID != planetID || t.ServerID != serverID || t.Status != status {
			continue
		}
		if latest == nil || t.StartTime.After(latest.StartTime) {
			latest = t
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) ListRecentTasks(ctx context.Context, limit int) ([]*TaskHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*TaskHistory, 0, len(s.tasks))
	for _, t := range s.tasks {
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StartTime.After(result[j].StartTime) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) TaskStats(ctx context.Context, since time.Time) (*TaskStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st TaskStats
	var durSum float64
	for _, t := range s.tasks {
		if t.StartTime.Before(since) {
			continue
		}
		st.Total++
		switch t.Status {
		case TaskCompleted:
			st.Completed++
			if t.DurationSeconds != nil {
				durSum += *t.DurationSeconds
			}
		case TaskFailed:
			st.Failed++
		case TaskTimeout:
			st.Timeout++
		}
	}
	if st.Completed > 0 {
		st.AvgDurationSeconds = durSum / float64(st.Completed)
	}
	if terminal := st.Completed + st.Failed + st.Timeout; terminal > 0 {
		st.SuccessRate = float64(st.Completed) / float64(terminal)
	}
	return &st, nil
}
