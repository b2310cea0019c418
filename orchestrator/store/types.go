package store

import (
	"time"
)

// Planet statuses.
const (
	PlanetQueued     = "queued"
	PlanetProcessing = "processing"
	PlanetError      = "error"
)

// Worker statuses.
const (
	WorkerOffline        = "offline"
	WorkerNotInitialized = "not_initialized"
	WorkerIdle           = "idle"
	WorkerBusy           = "busy"
	WorkerNotResponding  = "not_responding"
)

// Task history statuses.
const (
	TaskStarted   = "started"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskTimeout   = "timeout"
)

// Planet is a unit of periodic round-calculation work.
type Planet struct {
	PlanetID           string     `json:"planet_id" db:"planet_id"`
	SeasonID           int        `json:"season_id" db:"season_id"`
	RoundID            int        `json:"round_id" db:"round_id"`
	CurrentRoundNumber int        `json:"current_round_number" db:"current_round_number"`
	NextRoundTime      time.Time  `json:"next_round_time" db:"next_round_time"`
	Status             string     `json:"status" db:"status"` // "queued", "processing", "error"
	LastProcessed      *time.Time `json:"last_processed" db:"last_processed"`
	ProcessingServerID string     `json:"processing_server_id" db:"processing_server_id"` // "" when not processing
	ErrorRetryCount    int        `json:"error_retry_count" db:"error_retry_count"`
	Version            int64      `json:"version" db:"version"` // bumped on every write
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Worker is an external calculation node identified by its server_id.
type Worker struct {
	ServerID       string     `json:"server_id" db:"server_id"`
	ServerIP       string     `json:"server_ip" db:"server_ip"`
	Status         string     `json:"status" db:"status"` // "offline", "not_initialized", "idle", "busy", "not_responding"
	LastHeartbeat  time.Time  `json:"last_heartbeat" db:"last_heartbeat"`
	IdleCPU        float64    `json:"idle_cpu" db:"idle_cpu"`
	MaxCPU         float64    `json:"max_cpu" db:"max_cpu"`
	IdleRAM        float64    `json:"idle_ram" db:"idle_ram"`
	MaxRAM         float64    `json:"max_ram" db:"max_ram"`
	Disk           float64    `json:"disk" db:"disk"`
	CurrentTask    string     `json:"current_task" db:"current_task"` // planet_id, "" when idle
	TotalAssigned  int        `json:"total_assigned" db:"total_assigned"`
	TotalCompleted int        `json:"total_completed" db:"total_completed"`
	TotalFailed    int        `json:"total_failed" db:"total_failed"`
	ConnectedAt    *time.Time `json:"connected_at" db:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at" db:"disconnected_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Heartbeat carries the resource gauges a worker reports. It never
// carries status; liveness is inferred from the receive time.
type Heartbeat struct {
	IdleCPU float64 `json:"idle_cpu"`
	MaxCPU  float64 `json:"max_cpu"`
	IdleRAM float64 `json:"idle_ram"`
	MaxRAM  float64 `json:"max_ram"`
	Disk    float64 `json:"disk"`
}

// TaskHistory records one calculation attempt. Retries of a failed
// attempt reuse the row instead of appending, so history stays bounded
// under retry storms.
type TaskHistory struct {
	ID              string     `json:"id" db:"id"`
	PlanetID        string     `json:"planet_id" db:"planet_id"`
	ServerID        string     `json:"server_id" db:"server_id"`
	StartTime       time.Time  `json:"start_time" db:"start_time"`
	EndTime         *time.Time `json:"end_time" db:"end_time"`
	Status          string     `json:"status" db:"status"` // "started", "completed", "failed", "timeout"
	ErrorMessage    string     `json:"error_message" db:"error_message"`
	DurationSeconds *float64   `json:"duration_seconds" db:"duration_seconds"`
}

// TaskStats aggregates task history over a window for the dashboard.
type TaskStats struct {
	Total              int     `json:"total"`
	Completed          int     `json:"completed"`
	Failed             int     `json:"failed"`
	Timeout            int     `json:"timeout"`
	SuccessRate        float64 `json:"success_rate"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}
