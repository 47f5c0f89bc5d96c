package config

import (
	"fmt"
	"strings"
)

// Config represents the complete application configuration
type Config struct {
	Trainer       TrainerConfig         `toml:"trainer"`
	EarlyStopping []EarlyStoppingConfig `toml:"early_stopping"` // One entry per monitored metric
	Checkpoint    CheckpointConfig      `toml:"checkpoint"`
	History       HistoryConfig         `toml:"history"`
	Logging       LoggingConfig         `toml:"logging"`
}

// TrainerConfig holds the epoch/step loop settings
type TrainerConfig struct {
	MaxEpochs           int     `toml:"max_epochs"`
	MinEpochs           int     `toml:"min_epochs"`              // Stop signals are deferred until this many epochs completed
	MinSteps            int     `toml:"min_steps"`               // Stop signals are deferred until this many optimizer steps taken
	LimitTrainBatches   int     `toml:"limit_train_batches"`     // Training batches per epoch (default: 10)
	LimitValBatches     int     `toml:"limit_val_batches"`       // Validation batches per pass (default: 2)
	ValCheckInterval    float64 `toml:"val_check_interval"`      // Fraction of an epoch between validation runs; 1.0 = at epoch end (default)
	CheckValEveryNEpoch int     `toml:"check_val_every_n_epoch"` // Run epoch-end validation every N epochs (default: 1)
	NumSanityValSteps   int     `toml:"num_sanity_val_steps"`    // Validation batches run before training starts (default: 2)
	EnableProgressBar   bool    `toml:"enable_progress_bar"`
	StepLogsPerSecond   float64 `toml:"step_logs_per_second"` // Rate cap on per-step debug logging (default: 10)
}

// EarlyStoppingConfig configures one early-stopping callback instance
type EarlyStoppingConfig struct {
	Monitor             string   `toml:"monitor"`
	Mode                string   `toml:"mode"`      // "min" or "max" (default: min)
	MinDelta            float64  `toml:"min_delta"` // Change smaller than this does not count as improvement
	Patience            *int     `toml:"patience"`  // Tolerated non-improving checks (default: 3; 0 is valid and stops on the first one)
	Verbose             bool     `toml:"verbose"`
	Strict              *bool    `toml:"strict"`       // Missing monitor key is fatal (default: true)
	CheckFinite         *bool    `toml:"check_finite"` // NaN/Inf monitor values force a stop (default: true)
	StoppingThreshold   *float64 `toml:"stopping_threshold"`
	DivergenceThreshold *float64 `toml:"divergence_threshold"`
	// When unset, derived from the trainer's validation cadence at setup time.
	CheckOnTrainEpochEnd *bool `toml:"check_on_train_epoch_end"`
	LogRankZeroOnly      bool  `toml:"log_rank_zero_only"`
}

// CheckpointConfig holds session checkpointing settings
type CheckpointConfig struct {
	Enabled   bool   `toml:"enabled"`
	Dir       string `toml:"dir"`        // Base directory for session directories (default: ./runs)
	Interval  int    `toml:"interval"`   // Save every N epochs (default: 1)
	ResumeDir string `toml:"resume_dir"` // Session directory to resume from
}

// HistoryConfig holds the per-epoch metric history store settings
type HistoryConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // SQLite database path (default: <checkpoint dir>/history.db)
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Verbose bool `toml:"verbose"`
}

const (
	// MaxEpochsLimit is the maximum allowed epoch budget
	MaxEpochsLimit = 1_000_000
	// MaxBatchesPerEpoch is the maximum allowed batches per epoch
	MaxBatchesPerEpoch = 10_000_000
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	t := &c.Trainer

	if t.MaxEpochs <= 0 {
		return fmt.Errorf("trainer.max_epochs must be positive (got %d)", t.MaxEpochs)
	}
	if t.MaxEpochs > MaxEpochsLimit {
		return fmt.Errorf("trainer.max_epochs exceeds limit of %d (got %d)", MaxEpochsLimit, t.MaxEpochs)
	}
	if t.MinEpochs < 0 {
		return fmt.Errorf("trainer.min_epochs cannot be negative (got %d)", t.MinEpochs)
	}
	if t.MinSteps < 0 {
		return fmt.Errorf("trainer.min_steps cannot be negative (got %d)", t.MinSteps)
	}
	if t.LimitTrainBatches <= 0 || t.LimitTrainBatches > MaxBatchesPerEpoch {
		return fmt.Errorf("trainer.limit_train_batches must be between 1 and %d (got %d)", MaxBatchesPerEpoch, t.LimitTrainBatches)
	}
	if t.LimitValBatches < 0 {
		return fmt.Errorf("trainer.limit_val_batches cannot be negative (got %d)", t.LimitValBatches)
	}
	if t.ValCheckInterval <= 0 || t.ValCheckInterval > 1 {
		return fmt.Errorf("trainer.val_check_interval must be in (0, 1] (got %v)", t.ValCheckInterval)
	}
	if t.CheckValEveryNEpoch <= 0 {
		return fmt.Errorf("trainer.check_val_every_n_epoch must be positive (got %d)", t.CheckValEveryNEpoch)
	}
	if t.NumSanityValSteps < 0 {
		return fmt.Errorf("trainer.num_sanity_val_steps cannot be negative (got %d)", t.NumSanityValSteps)
	}

	seen := make(map[string]bool, len(c.EarlyStopping))
	for i, es := range c.EarlyStopping {
		if es.Monitor == "" {
			return fmt.Errorf("early_stopping[%d].monitor is required", i)
		}
		mode := strings.ToLower(es.Mode)
		if mode != "" && mode != "min" && mode != "max" {
			return fmt.Errorf("early_stopping[%d].mode can be one of min, max (got %s)", i, es.Mode)
		}
		if es.MinDelta < 0 {
			return fmt.Errorf("early_stopping[%d].min_delta cannot be negative (got %v)", i, es.MinDelta)
		}
		if es.Patience != nil && *es.Patience < 0 {
			return fmt.Errorf("early_stopping[%d].patience cannot be negative (got %d)", i, *es.Patience)
		}
		if mode == "" {
			mode = "min"
		}
		key := es.Monitor + "/" + mode
		if seen[key] {
			return fmt.Errorf("early_stopping[%d] duplicates monitor %q with mode %q", i, es.Monitor, mode)
		}
		seen[key] = true
	}

	if c.Checkpoint.Enabled && c.Checkpoint.Interval < 0 {
		return fmt.Errorf("checkpoint.interval cannot be negative (got %d)", c.Checkpoint.Interval)
	}
	if c.History.Enabled && c.History.Path == "" && !c.Checkpoint.Enabled {
		return fmt.Errorf("history.path is required when checkpointing is disabled")
	}

	return nil
}
