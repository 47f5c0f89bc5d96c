package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse TOML
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	// Trainer defaults
	if cfg.Trainer.LimitTrainBatches == 0 {
		cfg.Trainer.LimitTrainBatches = 10
	}
	if cfg.Trainer.LimitValBatches == 0 {
		cfg.Trainer.LimitValBatches = 2
	}
	if cfg.Trainer.ValCheckInterval == 0 {
		cfg.Trainer.ValCheckInterval = 1.0
	}
	if cfg.Trainer.CheckValEveryNEpoch == 0 {
		cfg.Trainer.CheckValEveryNEpoch = 1
	}
	if cfg.Trainer.StepLogsPerSecond == 0 {
		cfg.Trainer.StepLogsPerSecond = 10
	}
	// NOTE: In TOML, we can't distinguish 0 from unset, so num_sanity_val_steps
	// uses -1 for "disabled" and 0 for "default".
	if cfg.Trainer.NumSanityValSteps == 0 {
		cfg.Trainer.NumSanityValSteps = 2
	}
	if cfg.Trainer.NumSanityValSteps < 0 {
		cfg.Trainer.NumSanityValSteps = 0
	}

	// Early-stopping defaults. Patience, strict, and check_finite are
	// pointers because 0/false are meaningful values.
	for i := range cfg.EarlyStopping {
		es := &cfg.EarlyStopping[i]
		if es.Mode == "" {
			es.Mode = "min"
		}
		if es.Patience == nil {
			patience := 3
			es.Patience = &patience
		}
		if es.Strict == nil {
			strict := true
			es.Strict = &strict
		}
		if es.CheckFinite == nil {
			checkFinite := true
			es.CheckFinite = &checkFinite
		}
	}

	// Checkpoint defaults
	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = "./runs"
	}
	if cfg.Checkpoint.Interval == 0 {
		cfg.Checkpoint.Interval = 1
	}
}
