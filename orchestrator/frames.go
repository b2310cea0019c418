package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/buger/jsonparser"

	"github.com/itskum47/PlanetForge/orchestrator/store"
)

// Inbound frame types (worker -> orchestrator).
const (
	FrameHeartbeat    = "heartbeat"
	FrameStatusUpdate = "status_update"
	FrameJobDone      = "job_done"
	FrameJobSkipped   = "job_skipped"
	FrameError        = "error"
	FrameDisconnect   = "disconnect"
	FramePing         = "ping"
)

// Outbound frame types (orchestrator -> worker).
const (
	FrameAssignJob = "assign_job"
	FrameCommand   = "command"
	FramePong      = "pong"
)

// Frame decode errors. ErrUnknownFrame is non-fatal (logged and
// ignored); the others are protocol violations that close the session.
var (
	ErrUnknownFrame = errors.New("unknown frame type")
	ErrMissingType  = errors.New("frame missing type field")
)

// HeartbeatFrame carries resource gauges. It never carries status.
type HeartbeatFrame struct {
	store.Heartbeat
}

// StatusUpdateFrame announces a worker status transition.
type StatusUpdateFrame struct {
	Status string `json:"status"`
}

// JobDoneFrame reports a successful round calculation. The worker is
// the authoritative source for season/round bookkeeping, so the
// optional fields override the stored values when present. Legacy
// clients send map_id / next_calculation_time / round_number; both
// name sets are accepted.
type JobDoneFrame struct {
	PlanetID           string `json:"planet_id"`
	MapID              string `json:"map_id"`
	NextRoundTime      string `json:"next_round_time"`
	NextCalcTime       string `json:"next_calculation_time"`
	SeasonID           *int   `json:"season_id"`
	RoundID            *int   `json:"round_id"`
	CurrentRoundNumber *int   `json:"current_round_number"`
	RoundNumber        *int   `json:"round_number"`
}

// JobSkippedFrame reports a round the worker declined to calculate.
type JobSkippedFrame struct {
	PlanetID      string `json:"planet_id"`
	MapID         string `json:"map_id"`
	NextRoundTime string `json:"next_round_time"`
	NextCalcTime  string `json:"next_calculation_time"`
	Reason        string `json:"reason"`
}

// ErrorFrame reports a failed round calculation. PlanetID may be empty
// for worker-level errors with no job attached.
type ErrorFrame struct {
	PlanetID string `json:"planet_id"`
	MapID    string `json:"map_id"`
	Error    string `json:"error"`
}

// DisconnectFrame announces a graceful shutdown; the worker goes
// offline rather than not_responding.
type DisconnectFrame struct{}

// PingFrame is an application-level liveness probe used by clients
// that do not send protocol pings; it gets a PongFrame back.
type PingFrame struct{}

// AssignJobFrame dispatches a planet round to a worker.
type AssignJobFrame struct {
	Type     string `json:"type"`
	PlanetID string `json:"planet_id"`
	SeasonID int    `json:"season_id"`
	RoundID  int    `json:"round_id"`
}

// CommandFrame carries an administrative command to a worker.
type CommandFrame struct {
	Type    string          `json:"type"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// PongFrame answers an application-level ping.
type PongFrame struct {
	Type       string `json:"type"`
	ServerTime string `json:"server_time"`
}

// normalize folds the legacy field aliases into the canonical names.
func (f *JobDoneFrame) normalize() {
	if f.PlanetID == "" {
		f.PlanetID = f.MapID
	}
	if f.NextRoundTime == "" {
		f.NextRoundTime = f.NextCalcTime
	}
	if f.CurrentRoundNumber == nil {
		f.CurrentRoundNumber = f.RoundNumber
	}
}

func (f *JobSkippedFrame) normalize() {
	if f.PlanetID == "" {
		f.PlanetID = f.MapID
	}
	if f.NextRoundTime == "" {
		f.NextRoundTime = f.NextCalcTime
	}
}

func (f *ErrorFrame) normalize() {
	if f.PlanetID == "" {
		f.PlanetID = f.MapID
	}
}

// decodeInbound parses a raw text frame into its concrete struct. The
// type discriminator is peeked before unmarshaling so malformed frames
// and unknown types are told apart: the former is a protocol violation,
// the latter is tolerated.
func decodeInbound(data []byte) (any, error) {
	frameType, err := jsonparser.GetString(data, "type")
	if err != nil {
		if !json.Valid(data) {
			return nil, fmt.Errorf("malformed frame: %w", err)
		}
		return nil, ErrMissingType
	}

	switch frameType {
	case FrameHeartbeat:
		var f HeartbeatFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed heartbeat: %w", err)
		}
		return &f, nil
	case FrameStatusUpdate:
		var f StatusUpdateFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed status_update: %w", err)
		}
		return &f, nil
	case FrameJobDone:
		var f JobDoneFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed job_done: %w", err)
		}
		f.normalize()
		return &f, nil
	case FrameJobSkipped:
		var f JobSkippedFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed job_skipped: %w", err)
		}
		f.normalize()
		return &f, nil
	case FrameError:
		var f ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed error frame: %w", err)
		}
		f.normalize()
		return &f, nil
	case FrameDisconnect:
		return &DisconnectFrame{}, nil
	case FramePing:
		return &PingFrame{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, frameType)
	}
}
