package models

import (
	"encoding/json"
	"time"
)

// RunPhase represents the lifecycle phase of a training session
type RunPhase string

const (
	PhaseSanityCheck RunPhase = "sanity_check"
	PhaseTraining    RunPhase = "training"
	PhaseStopped     RunPhase = "stopped"
	PhaseComplete    RunPhase = "complete"
)

// RunCheckpoint represents the saved state of a training session
type RunCheckpoint struct {
	// Session identification
	SessionID   string    `json:"session_id"`    // UUID for this session
	CreatedAt   time.Time `json:"created_at"`    // When the session started
	LastSavedAt time.Time `json:"last_saved_at"` // Last checkpoint time

	// Loop position
	CurrentPhase RunPhase `json:"current_phase"`
	CurrentEpoch int      `json:"current_epoch"` // Number of fully completed epochs
	GlobalStep   int      `json:"global_step"`   // Optimizer steps taken so far

	// Per-callback state, keyed by each callback's identity string so that
	// differently configured callbacks of the same type never collide.
	CallbackStates map[string]json.RawMessage `json:"callback_states,omitempty"`

	// Statistics (cumulative)
	Stats RunStats `json:"stats"`

	// Configuration snapshot (for mismatch detection on resume)
	ConfigHash string `json:"config_hash"`
}

// RunStats holds cumulative counters for a training session
type RunStats struct {
	StartTime       time.Time `json:"start_time"`
	EpochsCompleted int       `json:"epochs_completed"`
	StepsCompleted  int       `json:"steps_completed"`
	ValidationRuns  int       `json:"validation_runs"`
	StoppedEarly    bool      `json:"stopped_early"`
	StopEpoch       int       `json:"stop_epoch,omitempty"`
	StopReason      string    `json:"stop_reason,omitempty"`
}
