package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryIndex is an in-memory Index used by tests and the memory driver
// in dev mode.
type MemoryIndex struct {
	mu      sync.RWMutex
	members map[string]time.Time
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{members: make(map[string]time.Time)}
}

func (i *MemoryIndex) Put(ctx context.Context, planetID string, due time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.members[planetID] = due
	return nil
}

func (i *MemoryIndex) Remove(ctx context.Context, planetID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.members, planetID)
	return nil
}

func (i *MemoryIndex) RangeDue(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	entries := i.sorted()
	var due []Entry
	for _, e := range entries {
		if e.Due.After(now) {
			break
		}
		due = append(due, e)
		if limit > 0 && len(due) == limit {
			break
		}
	}
	return due, nil
}

func (i *MemoryIndex) PeekNext(ctx context.Context) (*Entry, error) {
	entries := i.sorted()
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (i *MemoryIndex) Size(ctx context.Context) (int, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.members), nil
}

func (i *MemoryIndex) Snapshot(ctx context.Context) ([]Entry, error) {
	return i.sorted(), nil
}

func (i *MemoryIndex) Clear(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.members = make(map[string]time.Time)
	return nil
}

// sorted returns members ordered by due time, ties broken by id so the
// order is stable within a snapshot.
func (i *MemoryIndex) sorted() []Entry {
	i.mu.RLock()
	defer i.mu.RUnlock()

	entries := make([]Entry, 0, len(i.members))
	for id, due := range i.members {
		entries = append(entries, Entry{PlanetID: id, Due: due})
	}
	sort.Slice(entries, func(a, b int) bool {
		if !entries[a].Due.Equal(entries[b].Due) {
			return entries[a].Due.Before(entries[b].Due)
		}
		return entries[a].PlanetID < entries[b].PlanetID
	})
	return entries
}
