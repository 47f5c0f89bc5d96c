package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/gradstop/internal/config"
	"github.com/lamim/gradstop/pkg/models"
)

const CheckpointFilename = "checkpoint.json"

// Manager handles run checkpoint persistence for one session directory.
// Writes are atomic (temp file + rename) so a crash never leaves a torn
// checkpoint behind.
type Manager struct {
	sessionDir string
	checkpoint *models.RunCheckpoint
	mu         sync.RWMutex
	logger     *slog.Logger
	interval   int // Save every N epochs
	epochCount int // Epochs since last save
	enabled    bool
}

// NewManager creates a checkpoint manager for a fresh session
func NewManager(sessionDir string, cfg *config.Config, logger *slog.Logger) *Manager {
	return &Manager{
		sessionDir: sessionDir,
		checkpoint: &models.RunCheckpoint{
			SessionID:      uuid.New().String(),
			CreatedAt:      time.Now(),
			CurrentPhase:   models.PhaseTraining,
			CallbackStates: make(map[string]json.RawMessage),
			ConfigHash:     computeConfigHash(cfg),
		},
		logger:   logger,
		interval: cfg.Checkpoint.Interval,
		enabled:  cfg.Checkpoint.Enabled,
	}
}

// NewManagerFromCheckpoint creates a manager resuming an existing checkpoint
func NewManagerFromCheckpoint(sessionDir string, cp *models.RunCheckpoint, cfg *config.Config, logger *slog.Logger) *Manager {
	if cp.CallbackStates == nil {
		cp.CallbackStates = make(map[string]json.RawMessage)
	}
	return &Manager{
		sessionDir: sessionDir,
		checkpoint: cp,
		logger:     logger,
		interval:   cfg.Checkpoint.Interval,
		enabled:    cfg.Checkpoint.Enabled,
	}
}

// SessionID returns the stable identifier of this session
func (m *Manager) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkpoint.SessionID
}

// RecordEpoch updates the checkpoint with the position after a completed
// epoch, replacing the stored callback states, and saves every N epochs.
func (m *Manager) RecordEpoch(epoch, globalStep int, stats models.RunStats, callbackStates map[string]json.RawMessage) error {
	if !m.enabled {
		return nil
	}

	m.mu.Lock()
	m.checkpoint.CurrentEpoch = epoch
	m.checkpoint.GlobalStep = globalStep
	m.checkpoint.Stats = stats
	m.checkpoint.CallbackStates = make(map[string]json.RawMessage, len(callbackStates))
	for k, v := range callbackStates {
		m.checkpoint.CallbackStates[k] = v
	}
	m.epochCount++
	shouldSave := m.epochCount >= m.interval
	if shouldSave {
		m.epochCount = 0
	}
	m.mu.Unlock()

	if shouldSave {
		return m.SaveSync()
	}
	return nil
}

// SetPhase records a lifecycle transition. The phase rides along with the
// next save rather than forcing a write of its own.
func (m *Manager) SetPhase(phase models.RunPhase) {
	m.mu.Lock()
	m.checkpoint.CurrentPhase = phase
	m.mu.Unlock()
}

// MarkStopped records that the run ended on an early-stop signal
func (m *Manager) MarkStopped(stats models.RunStats) error {
	m.mu.Lock()
	m.checkpoint.CurrentPhase = models.PhaseStopped
	m.checkpoint.Stats = stats
	m.mu.Unlock()

	return m.SaveSync()
}

// MarkComplete marks the run as having exhausted its epoch budget
func (m *Manager) MarkComplete(stats models.RunStats) error {
	m.mu.Lock()
	m.checkpoint.CurrentPhase = models.PhaseComplete
	m.checkpoint.Stats = stats
	m.mu.Unlock()

	return m.SaveSync()
}

// SaveSync writes the checkpoint to disk immediately
func (m *Manager) SaveSync() error {
	if !m.enabled {
		return nil
	}

	m.mu.Lock()
	m.checkpoint.LastSavedAt = time.Now()
	cpCopy := m.copyCheckpoint()
	m.mu.Unlock()

	return m.writeCheckpointToDisk(cpCopy)
}

// writeCheckpointToDisk performs the actual atomic disk write
func (m *Manager) writeCheckpointToDisk(cp *models.RunCheckpoint) error {
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := os.MkdirAll(m.sessionDir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	// Atomic write: write to temp file, then rename
	checkpointPath := filepath.Join(m.sessionDir, CheckpointFilename)
	tempPath := checkpointPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}

	if err := os.Rename(tempPath, checkpointPath); err != nil {
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	m.logger.Debug("Checkpoint saved",
		"path", checkpointPath,
		"epoch", cp.CurrentEpoch,
		"global_step", cp.GlobalStep)
	return nil
}

// GetCheckpoint returns a read-only copy of the current checkpoint
func (m *Manager) GetCheckpoint() *models.RunCheckpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyCheckpoint()
}

// copyCheckpoint creates a deep copy of the checkpoint
func (m *Manager) copyCheckpoint() *models.RunCheckpoint {
	cp := &models.RunCheckpoint{
		SessionID:      m.checkpoint.SessionID,
		CreatedAt:      m.checkpoint.CreatedAt,
		LastSavedAt:    m.checkpoint.LastSavedAt,
		CurrentPhase:   m.checkpoint.CurrentPhase,
		CurrentEpoch:   m.checkpoint.CurrentEpoch,
		GlobalStep:     m.checkpoint.GlobalStep,
		CallbackStates: make(map[string]json.RawMessage, len(m.checkpoint.CallbackStates)),
		Stats:          m.checkpoint.Stats,
		ConfigHash:     m.checkpoint.ConfigHash,
	}
	for k, v := range m.checkpoint.CallbackStates {
		cp.CallbackStates[k] = append(json.RawMessage(nil), v...)
	}
	return cp
}

// Load reads a checkpoint from a session directory
func Load(sessionDir string, logger *slog.Logger) (*models.RunCheckpoint, error) {
	checkpointPath := filepath.Join(sessionDir, CheckpointFilename)

	data, err := os.ReadFile(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp models.RunCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	logger.Info("Checkpoint loaded",
		"session_id", cp.SessionID,
		"phase", cp.CurrentPhase,
		"epoch", cp.CurrentEpoch,
		"global_step", cp.GlobalStep)

	return &cp, nil
}

func computeConfigHash(cfg *config.Config) string {
	// Hash the callback identity set only. Budget fields (max_epochs,
	// min_steps, batch limits) are deliberately excluded: raising them on
	// resume is the normal way to continue a run.
	data := "early_stopping"
	for _, es := range cfg.EarlyStopping {
		data += fmt.Sprintf(":%s/%s", es.Monitor, es.Mode)
	}
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8]) // First 8 bytes
}
