package queue

import (
	"context"
	"time"
)

// Entry is one member of the pending-due index.
type Entry struct {
	PlanetID string
	Due      time.Time
}

// Index is the time-ordered dispatch frontier: planet_id scored by its
// next round time. It is a cache over planet rows with status queued or
// error; the durable store stays authoritative and the health loop
// repairs drift, so individual operations are best-effort.
type Index interface {
	// Put upserts the member with the given due time.
	Put(ctx context.Context, planetID string, due time.Time) error
	Remove(ctx context.Context, planetID string) error
	// RangeDue returns members with due <= now, oldest first, capped at
	// limit (limit <= 0 means no cap).
	RangeDue(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	// PeekNext returns the member with the smallest due time, or nil
	// when the index is empty.
	PeekNext(ctx context.Context) (*Entry, error)
	Size(ctx context.Context) (int, error)
	// Snapshot returns every member ordered by due time ascending.
	Snapshot(ctx context.Context) ([]Entry, error)
	Clear(ctx context.Context) error
}
