package checkpoint

import (
	"fmt"

	"github.com/lamim/gradstop/internal/config"
	"github.com/lamim/gradstop/pkg/models"
)

// ValidateCheckpoint verifies a checkpoint is compatible with the current config
func ValidateCheckpoint(cp *models.RunCheckpoint, cfg *config.Config) error {
	expectedHash := computeConfigHash(cfg)
	if cp.ConfigHash != expectedHash {
		return fmt.Errorf("checkpoint config mismatch: checkpoint was created with a different callback set (hash: %s vs %s)", cp.ConfigHash, expectedHash)
	}

	if cp.CurrentPhase == models.PhaseComplete {
		return fmt.Errorf("checkpoint is already complete, nothing to resume")
	}

	return nil
}

// RemainingEpochs returns how many epochs of the configured budget are left
func RemainingEpochs(cp *models.RunCheckpoint, cfg *config.Config) int {
	remaining := cfg.Trainer.MaxEpochs - cp.CurrentEpoch
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ProgressPercentage returns completion relative to the configured epoch budget
func ProgressPercentage(cp *models.RunCheckpoint, cfg *config.Config) float64 {
	if cfg.Trainer.MaxEpochs == 0 {
		return 0.0
	}
	return float64(cp.CurrentEpoch) / float64(cfg.Trainer.MaxEpochs) * 100.0
}
