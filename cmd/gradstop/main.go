package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamim/gradstop/internal/checkpoint"
	"github.com/lamim/gradstop/internal/config"
	"github.com/lamim/gradstop/internal/distributed"
	"github.com/lamim/gradstop/internal/earlystop"
	"github.com/lamim/gradstop/internal/history"
	"github.com/lamim/gradstop/internal/synthetic"
	"github.com/lamim/gradstop/internal/trainer"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	verbose    bool
	seed       int64
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "gradstop",
		Short: "gradstop - training loop harness with early stopping",
		Long: `gradstop runs a checkpointable training loop and stops it early when a
monitored metric stops improving, diverges, or crosses a threshold.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a training session",
		Long: `Run the training loop against the built-in synthetic module:
1. Optional sanity-check validation pass
2. Epochs of training batches with scheduled validation runs
3. Early-stopping checks at the configured boundaries
4. Checkpoint and metric history written per epoch`,
		RunE: runTraining,
	}

	runCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	runCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for the synthetic module")

	resumeCmd := &cobra.Command{
		Use:   "resume <session-dir>",
		Short: "Resume training from a checkpoint",
		Long:  "Resume a training session from a specific session directory",
		Args:  cobra.ExactArgs(1),
		RunE:  resumeTraining,
	}

	resumeCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	resumeCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	resumeCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for the synthetic module")

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage run checkpoints",
		Long:  "Inspect and list training session checkpoints",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all available checkpoint sessions",
		RunE:  listCheckpoints,
	}
	listCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")

	inspectCmd := &cobra.Command{
		Use:   "inspect <session-dir>",
		Short: "Inspect a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectCheckpoint,
	}
	inspectCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")

	checkpointCmd.AddCommand(listCmd)
	checkpointCmd.AddCommand(inspectCmd)

	historyCmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "Show recorded epoch metrics",
		Long:  "List history sessions, or print the per-epoch metric rows of one session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showHistory,
	}
	historyCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(historyCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTraining(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	sessionDir := filepath.Join(cfg.Checkpoint.Dir, "session_"+time.Now().Format("2006-01-02T15-04-05"))
	var ckpts *checkpoint.Manager
	if cfg.Checkpoint.Enabled {
		ckpts = checkpoint.NewManager(sessionDir, cfg, logger)
	}

	return fit(cfg, ckpts, logger)
}

func resumeTraining(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	sessionDir := args[0]
	cp, err := checkpoint.Load(sessionDir, logger)
	if err != nil {
		return err
	}
	if err := checkpoint.ValidateCheckpoint(cp, cfg); err != nil {
		return err
	}

	cfg.Checkpoint.Enabled = true
	ckpts := checkpoint.NewManagerFromCheckpoint(sessionDir, cp, cfg, logger)

	logger.Info("Resuming session",
		"session_id", cp.SessionID,
		"epoch", cp.CurrentEpoch,
		"remaining_epochs", checkpoint.RemainingEpochs(cp, cfg))

	return fit(cfg, ckpts, logger)
}

// fit wires callbacks, history, and the distributed context, then trains the
// synthetic module.
func fit(cfg *config.Config, ckpts *checkpoint.Manager, logger *slog.Logger) error {
	callbacks := make([]trainer.Callback, 0, len(cfg.EarlyStopping))
	for _, esCfg := range cfg.EarlyStopping {
		es, err := earlystop.New(earlystop.FromTOML(esCfg))
		if err != nil {
			return err
		}
		callbacks = append(callbacks, es)
	}

	var hist *history.Store
	if cfg.History.Enabled {
		path := cfg.History.Path
		if path == "" {
			path = filepath.Join(cfg.Checkpoint.Dir, "history.db")
		}
		var err error
		hist, err = history.Open(path)
		if err != nil {
			return err
		}
		defer hist.Close()
	}

	t := trainer.New(cfg.Trainer, callbacks, ckpts, hist, distributed.FromEnv(), logger)
	if ckpts != nil {
		if cp := ckpts.GetCheckpoint(); cp.CurrentEpoch > 0 || len(cp.CallbackStates) > 0 {
			if err := t.Restore(cp); err != nil {
				return err
			}
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	module := synthetic.New(seed, 8.0, 0.5, 0.8, 0.02)
	if err := t.Fit(ctx, module); err != nil {
		return err
	}

	logger.Info("Training finished",
		"epochs", t.CurrentEpoch(),
		"global_step", t.GlobalStep(),
		"stopped_early", t.ShouldStop())
	return nil
}

func listCheckpoints(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	entries, err := os.ReadDir(cfg.Checkpoint.Dir)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint dir: %w", err)
	}

	found := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		sessionDir := filepath.Join(cfg.Checkpoint.Dir, entry.Name())
		cp, err := checkpoint.Load(sessionDir, logger)
		if err != nil {
			continue
		}
		found++
		fmt.Printf("%s\t%s\tepoch %d/%d\tphase %s\n",
			entry.Name(), cp.SessionID, cp.CurrentEpoch, cfg.Trainer.MaxEpochs, cp.CurrentPhase)
	}
	if found == 0 {
		fmt.Println("No checkpoints found.")
	}
	return nil
}

func inspectCheckpoint(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	cp, err := checkpoint.Load(args[0], logger)
	if err != nil {
		return err
	}

	fmt.Printf("Session:      %s\n", cp.SessionID)
	fmt.Printf("Created:      %s\n", cp.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Last saved:   %s\n", cp.LastSavedAt.Format(time.RFC3339))
	fmt.Printf("Phase:        %s\n", cp.CurrentPhase)
	fmt.Printf("Epoch:        %d (%.1f%% of budget)\n", cp.CurrentEpoch, checkpoint.ProgressPercentage(cp, cfg))
	fmt.Printf("Global step:  %d\n", cp.GlobalStep)
	if cp.Stats.StoppedEarly {
		fmt.Printf("Stopped:      epoch %d: %s\n", cp.Stats.StopEpoch, cp.Stats.StopReason)
	}
	for key, state := range cp.CallbackStates {
		fmt.Printf("Callback:     %s = %s\n", key, state)
	}
	return nil
}

func showHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	path := cfg.History.Path
	if path == "" {
		path = filepath.Join(cfg.Checkpoint.Dir, "history.db")
	}
	hist, err := history.Open(path)
	if err != nil {
		return err
	}
	defer hist.Close()

	if len(args) == 0 {
		sessions, err := hist.Sessions()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No history recorded.")
			return nil
		}
		for _, id := range sessions {
			fmt.Println(id)
		}
		return nil
	}

	rows, err := hist.Session(args[0])
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Printf("No history for session %s.\n", args[0])
		return nil
	}
	for _, r := range rows {
		fmt.Printf("epoch %d\tstep %d\t%s = %g\n", r.Epoch, r.GlobalStep, r.Name, r.Value)
	}
	return nil
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if verbose || cfg.Logging.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
