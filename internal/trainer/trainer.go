// Package trainer runs the epoch/step loop and dispatches boundary hooks to
// registered callbacks. Stop requests from callbacks are aggregated into a
// single advisory flag: any callback requesting a stop is enough, and the
// loop honors the flag at the next epoch boundary, never mid-epoch.
package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/time/rate"

	"github.com/lamim/gradstop/internal/checkpoint"
	"github.com/lamim/gradstop/internal/config"
	"github.com/lamim/gradstop/internal/distributed"
	"github.com/lamim/gradstop/internal/history"
	"github.com/lamim/gradstop/internal/metric"
	"github.com/lamim/gradstop/internal/metrics"
	"github.com/lamim/gradstop/pkg/models"
)

// Trainer drives a Module through the configured epoch budget.
type Trainer struct {
	cfg       config.TrainerConfig
	callbacks []Callback
	ckpts     *checkpoint.Manager
	hist      *history.Store
	dist      distributed.Context
	logger    *slog.Logger
	collector *metrics.Collector

	sessionID       string
	module          Module
	callbackMetrics map[string]metric.Value
	currentEpoch    int
	globalStep      int
	sanityChecking  bool
	stop            StopSignal
	restored        bool
	stats           models.RunStats
	stepLogs        *rate.Limiter
}

// New creates a trainer. The checkpoint manager and history store are
// optional; the logger defaults to slog.Default when nil.
func New(
	cfg config.TrainerConfig,
	callbacks []Callback,
	ckpts *checkpoint.Manager,
	hist *history.Store,
	dist distributed.Context,
	logger *slog.Logger,
) *Trainer {
	if logger == nil {
		logger = slog.Default()
	}
	if dist.WorldSize < 1 {
		dist = distributed.Single()
	}
	if cfg.LimitTrainBatches < 1 {
		cfg.LimitTrainBatches = 1
	}
	if cfg.CheckValEveryNEpoch < 1 {
		cfg.CheckValEveryNEpoch = 1
	}
	if cfg.ValCheckInterval <= 0 {
		cfg.ValCheckInterval = 1.0
	}

	sessionID := uuid.New().String()
	if ckpts != nil {
		sessionID = ckpts.SessionID()
	}

	logsPerSecond := cfg.StepLogsPerSecond
	if logsPerSecond <= 0 {
		logsPerSecond = 10
	}

	return &Trainer{
		cfg:             cfg,
		callbacks:       callbacks,
		ckpts:           ckpts,
		hist:            hist,
		dist:            dist,
		logger:          logger,
		collector:       metrics.NewCollector(logger),
		sessionID:       sessionID,
		callbackMetrics: make(map[string]metric.Value),
		stepLogs:        rate.NewLimiter(rate.Limit(logsPerSecond), 1),
	}
}

// Logger returns the trainer's logger.
func (t *Trainer) Logger() *slog.Logger { return t.logger }

// Dist returns the distributed context of this replica.
func (t *Trainer) Dist() distributed.Context { return t.dist }

// Collector returns the prometheus metrics collector.
func (t *Trainer) Collector() *metrics.Collector { return t.collector }

// SessionID returns the stable identifier of this run.
func (t *Trainer) SessionID() string { return t.sessionID }

// CurrentEpoch returns the index of the in-progress epoch while training, and
// the number of completed epochs at epoch boundaries and after Fit returns.
func (t *Trainer) CurrentEpoch() int { return t.currentEpoch }

// GlobalStep returns the number of optimizer steps taken so far.
func (t *Trainer) GlobalStep() int { return t.globalStep }

// MaxEpochs returns the configured epoch budget.
func (t *Trainer) MaxEpochs() int { return t.cfg.MaxEpochs }

// ValCheckInterval returns the configured validation cadence within an epoch.
func (t *Trainer) ValCheckInterval() float64 { return t.cfg.ValCheckInterval }

// CheckValEveryNEpoch returns the epoch-end validation cadence.
func (t *Trainer) CheckValEveryNEpoch() int { return t.cfg.CheckValEveryNEpoch }

// SanityChecking reports whether the pre-training sanity validation pass is
// in progress.
func (t *Trainer) SanityChecking() bool { return t.sanityChecking }

// ValidationEnabled reports whether the fitted module runs validation.
// Only meaningful once Fit has been called; callback Setup hooks may rely
// on it.
func (t *Trainer) ValidationEnabled() bool {
	return t.module != nil && hasValidation(t.module)
}

// CallbackMetrics returns the metrics recorded by the module so far. Values
// persist across boundaries with the last write winning; callbacks must not
// retain the map.
func (t *Trainer) CallbackMetrics() map[string]metric.Value { return t.callbackMetrics }

// Record implements MetricRecorder.
func (t *Trainer) Record(name string, value metric.Value) {
	t.callbackMetrics[name] = value
}

// ShouldStop reports whether a stop has been requested.
func (t *Trainer) ShouldStop() bool { return t.stop.Stopped() }

// StopRequestedAt returns the epoch of the first stop request.
func (t *Trainer) StopRequestedAt() int { return t.stop.Epoch() }

// RequestStop sets the advisory stop flag. The loop exits at the next epoch
// boundary once the min-epoch and min-step budgets are satisfied. Only
// callback dispatch is expected to call this; the first request wins.
func (t *Trainer) RequestStop(reason string) {
	t.stop.Set(t.currentEpoch, reason)
}

// Restore primes the trainer from a saved checkpoint, including the states of
// registered stateful callbacks.
func (t *Trainer) Restore(cp *models.RunCheckpoint) error {
	t.currentEpoch = cp.CurrentEpoch
	t.globalStep = cp.GlobalStep
	t.stats = cp.Stats
	t.sessionID = cp.SessionID
	t.restored = true

	for _, cb := range t.callbacks {
		sc, ok := cb.(StatefulCallback)
		if !ok {
			continue
		}
		state, ok := cp.CallbackStates[sc.StateKey()]
		if !ok {
			t.logger.Warn("No saved state for callback", "state_key", sc.StateKey())
			continue
		}
		if err := sc.LoadStateDict(state); err != nil {
			return fmt.Errorf("failed to restore callback state %s: %w", sc.StateKey(), err)
		}
	}

	t.logger.Info("Trainer state restored",
		"session_id", t.sessionID,
		"epoch", t.currentEpoch,
		"global_step", t.globalStep)
	return nil
}

// Fit runs the training loop until the epoch budget is exhausted or a stop
// signal is honored.
func (t *Trainer) Fit(ctx context.Context, module Module) error {
	if module == nil {
		return fmt.Errorf("%w: a module is required", ErrMisconfiguration)
	}
	t.module = module
	if t.restored && t.currentEpoch >= t.cfg.MaxEpochs {
		return fmt.Errorf(
			"%w: you restored a checkpoint with current_epoch=%d, but max_epochs=%d would end training before another epoch runs; raise max_epochs",
			ErrMisconfiguration, t.currentEpoch, t.cfg.MaxEpochs)
	}

	// The stop flag is ephemeral: cleared at training start, never persisted.
	t.stop.Clear()
	if t.stats.StartTime.IsZero() {
		t.stats.StartTime = time.Now()
	}

	for _, cb := range t.callbacks {
		if sc, ok := cb.(SetupCallback); ok {
			if err := sc.Setup(t); err != nil {
				return err
			}
		}
	}

	if t.cfg.NumSanityValSteps > 0 && hasValidation(module) {
		if t.ckpts != nil {
			t.ckpts.SetPhase(models.PhaseSanityCheck)
		}
		t.sanityChecking = true
		err := t.runValidationPass(ctx, module, t.cfg.NumSanityValSteps)
		t.sanityChecking = false
		if err != nil {
			return err
		}
		if t.ckpts != nil {
			t.ckpts.SetPhase(models.PhaseTraining)
		}
	}

	for _, cb := range t.callbacks {
		if sc, ok := cb.(TrainStartCallback); ok {
			if err := sc.OnTrainStart(t); err != nil {
				return err
			}
		}
	}

	var bar *progressbar.ProgressBar
	if t.cfg.EnableProgressBar {
		bar = progressbar.Default(int64(t.cfg.MaxEpochs-t.currentEpoch), "Training")
	}

	t.logger.Info("Starting training",
		"session_id", t.sessionID,
		"start_epoch", t.currentEpoch,
		"max_epochs", t.cfg.MaxEpochs,
		"world_size", t.dist.WorldSize)

	for epoch := t.currentEpoch; epoch < t.cfg.MaxEpochs; epoch++ {
		t.currentEpoch = epoch
		epochStart := time.Now()

		if err := t.runTrainEpoch(ctx, module, epoch); err != nil {
			return err
		}

		if m, ok := module.(TrainEpochEndModule); ok {
			if err := m.TrainEpochEnd(ctx, epoch, t); err != nil {
				return fmt.Errorf("train epoch end failed at epoch %d: %w", epoch, err)
			}
		}
		for _, cb := range t.callbacks {
			if sc, ok := cb.(TrainEpochEndCallback); ok {
				if err := sc.OnTrainEpochEnd(t); err != nil {
					return err
				}
			}
		}

		if t.shouldValidateAtEpochEnd(module, epoch) {
			if err := t.runValidationPass(ctx, module, t.cfg.LimitValBatches); err != nil {
				return err
			}
		}

		epochsDone := epoch + 1
		t.currentEpoch = epochsDone
		t.stats.EpochsCompleted = epochsDone
		t.stats.StepsCompleted = t.globalStep
		t.collector.RecordEpoch(time.Since(epochStart))
		t.collector.SetGlobalStep(t.globalStep)

		if err := t.recordEpochEnd(epoch); err != nil {
			t.logger.Error("Failed to record epoch", "epoch", epoch, "error", err)
		}
		if bar != nil {
			_ = bar.Add(1)
		}

		if t.stop.Stopped() && epochsDone >= t.cfg.MinEpochs && t.globalStep >= t.cfg.MinSteps {
			t.stats.StoppedEarly = true
			t.stats.StopEpoch = t.stop.Epoch()
			t.stats.StopReason = t.stop.Reason()
			t.logger.Info("Stop signal honored",
				"epoch", t.stop.Epoch(),
				"epochs_completed", epochsDone,
				"global_step", t.globalStep)
			break
		}
	}

	for _, cb := range t.callbacks {
		if sc, ok := cb.(TrainEndCallback); ok {
			if err := sc.OnTrainEnd(t); err != nil {
				return err
			}
		}
	}

	return t.finalize()
}

// runTrainEpoch runs the training batches of one epoch, including any
// mid-epoch validation passes. The epoch always runs to completion even if a
// stop signal fires partway through.
func (t *Trainer) runTrainEpoch(ctx context.Context, module Module, epoch int) error {
	stride := t.midEpochValStride(module)

	for b := 0; b < t.cfg.LimitTrainBatches; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		step := StepContext{Epoch: epoch, BatchIdx: b, GlobalStep: t.globalStep}
		if err := module.TrainingStep(ctx, step, t); err != nil {
			return fmt.Errorf("training step failed at epoch %d batch %d: %w", epoch, b, err)
		}
		t.globalStep++

		if t.stepLogs.Allow() {
			t.logger.Debug("training step",
				"epoch", epoch,
				"batch", b,
				"global_step", t.globalStep)
		}

		if stride > 0 && (b+1)%stride == 0 {
			if err := t.runValidationPass(ctx, module, t.cfg.LimitValBatches); err != nil {
				return err
			}
		}
	}
	return nil
}

// runValidationPass runs up to maxSteps validation batches, lets the module
// record epoch-level validation metrics, and dispatches the validation-end
// hooks in callback registration order.
func (t *Trainer) runValidationPass(ctx context.Context, module Module, maxSteps int) error {
	vm, hasSteps := module.(ValidationModule)
	ve, hasEnd := module.(ValidationEpochEndModule)
	if !hasSteps && !hasEnd {
		return nil
	}

	epoch := t.currentEpoch
	if hasSteps {
		for b := 0; b < maxSteps; b++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			step := StepContext{Epoch: epoch, BatchIdx: b, GlobalStep: t.globalStep}
			if err := vm.ValidationStep(ctx, step, t); err != nil {
				return fmt.Errorf("validation step failed at epoch %d batch %d: %w", epoch, b, err)
			}
		}
	}
	if hasEnd {
		if err := ve.ValidationEpochEnd(ctx, epoch, t); err != nil {
			return fmt.Errorf("validation epoch end failed at epoch %d: %w", epoch, err)
		}
	}

	if !t.sanityChecking {
		t.stats.ValidationRuns++
		t.collector.RecordValidationRun()
	}

	for _, cb := range t.callbacks {
		if sc, ok := cb.(ValidationEndCallback); ok {
			if err := sc.OnValidationEnd(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// midEpochValStride returns the number of training batches between mid-epoch
// validation passes, or 0 when validation only happens at epoch end.
func (t *Trainer) midEpochValStride(module Module) int {
	if !hasValidation(module) || t.cfg.ValCheckInterval >= 1 {
		return 0
	}
	stride := int(t.cfg.ValCheckInterval * float64(t.cfg.LimitTrainBatches))
	if stride < 1 {
		stride = 1
	}
	return stride
}

func (t *Trainer) shouldValidateAtEpochEnd(module Module, epoch int) bool {
	if !hasValidation(module) || t.cfg.ValCheckInterval < 1 {
		return false
	}
	return (epoch+1)%t.cfg.CheckValEveryNEpoch == 0
}

func hasValidation(module Module) bool {
	if _, ok := module.(ValidationModule); ok {
		return true
	}
	_, ok := module.(ValidationEpochEndModule)
	return ok
}

// recordEpochEnd persists the epoch to the history store and the checkpoint
// manager, when either is configured.
func (t *Trainer) recordEpochEnd(epoch int) error {
	if t.hist != nil {
		values := make(map[string]float64, len(t.callbackMetrics))
		for name, v := range t.callbackMetrics {
			if scalar, err := v.Scalar(); err == nil {
				values[name] = scalar
			}
		}
		if err := t.hist.RecordEpoch(t.sessionID, epoch, t.globalStep, values); err != nil {
			return err
		}
	}

	if t.ckpts != nil {
		states, err := t.collectCallbackStates()
		if err != nil {
			return err
		}
		return t.ckpts.RecordEpoch(t.currentEpoch, t.globalStep, t.stats, states)
	}
	return nil
}

// collectCallbackStates snapshots every stateful callback keyed by its
// identity string.
func (t *Trainer) collectCallbackStates() (map[string]json.RawMessage, error) {
	states := make(map[string]json.RawMessage)
	for _, cb := range t.callbacks {
		sc, ok := cb.(StatefulCallback)
		if !ok {
			continue
		}
		state, err := sc.StateDict()
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot callback state %s: %w", sc.StateKey(), err)
		}
		states[sc.StateKey()] = state
	}
	return states, nil
}

func (t *Trainer) finalize() error {
	if t.ckpts == nil {
		return nil
	}
	if t.stats.StoppedEarly {
		return t.ckpts.MarkStopped(t.stats)
	}
	return t.ckpts.MarkComplete(t.stats)
}
