// Package earlystop implements the early-stopping callback: it watches one
// metric recorded during training and asks the trainer to stop once the
// metric stops improving, diverges, crosses a configured threshold, or goes
// non-finite.
//
// Each instance is independent; running several with different monitors is
// supported, and any one of them voting stop is enough to stop the loop.
package earlystop

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"github.com/lamim/gradstop/internal/config"
	"github.com/lamim/gradstop/internal/distributed"
	"github.com/lamim/gradstop/internal/metric"
	"github.com/lamim/gradstop/internal/trainer"
)

// Mode selects the direction in which the monitored metric improves.
type Mode string

const (
	// ModeMin treats smaller values as better (losses).
	ModeMin Mode = "min"
	// ModeMax treats larger values as better (accuracies).
	ModeMax Mode = "max"
)

// improves reports a strict improvement of more than minDelta over best.
// NaN never improves: every comparison against it is false, so a NaN metric
// with CheckFinite disabled burns patience instead of resetting it.
func (m Mode) improves(current, best, minDelta float64) bool {
	if m == ModeMax {
		return current-best > minDelta
	}
	return best-current > minDelta
}

// reached reports whether current has reached bound in the improving
// direction (inclusive).
func (m Mode) reached(current, bound float64) bool {
	if m == ModeMax {
		return current >= bound
	}
	return current <= bound
}

// diverged reports whether current has crossed bound in the worsening
// direction (exclusive).
func (m Mode) diverged(current, bound float64) bool {
	if m == ModeMax {
		return current < bound
	}
	return current > bound
}

func (m Mode) worstValue() float64 {
	if m == ModeMax {
		return math.Inf(-1)
	}
	return math.Inf(1)
}

// Config configures one EarlyStopping instance. The zero values of Patience,
// Strict, and CheckFinite are meaningful (stop on the first non-improving
// check, tolerate a missing monitor, let non-finite values through); the
// config package applies the usual defaults when loading from TOML.
type Config struct {
	Monitor             string
	Mode                Mode // Defaults to ModeMin when empty
	MinDelta            float64
	Patience            int
	Verbose             bool
	Strict              bool
	CheckFinite         bool
	StoppingThreshold   *float64
	DivergenceThreshold *float64
	// When nil, resolved at setup: validation-end checks if the module
	// validates, train-epoch-end checks otherwise.
	CheckOnTrainEpochEnd *bool
	LogRankZeroOnly      bool
	Silent               bool // Suppress all informational logging
}

// FromTOML translates a loaded early_stopping config table entry.
func FromTOML(c config.EarlyStoppingConfig) Config {
	cfg := Config{
		Monitor:              c.Monitor,
		Mode:                 Mode(strings.ToLower(c.Mode)),
		MinDelta:             c.MinDelta,
		Verbose:              c.Verbose,
		StoppingThreshold:    c.StoppingThreshold,
		DivergenceThreshold:  c.DivergenceThreshold,
		CheckOnTrainEpochEnd: c.CheckOnTrainEpochEnd,
		LogRankZeroOnly:      c.LogRankZeroOnly,
	}
	if c.Patience != nil {
		cfg.Patience = *c.Patience
	}
	if c.Strict != nil {
		cfg.Strict = *c.Strict
	}
	if c.CheckFinite != nil {
		cfg.CheckFinite = *c.CheckFinite
	}
	return cfg
}

// EarlyStopping monitors one metric and requests a trainer stop when the
// stopping criteria fire. Not safe for concurrent use; the trainer invokes
// hooks synchronously at loop boundaries.
type EarlyStopping struct {
	cfg  Config
	mode Mode

	bestScore    float64
	waitCount    int
	stoppedEpoch int
	triggered    bool

	checkOnTrainEpochEnd *bool
	warnedMissingMonitor bool
	lastTrigger          string
}

// New validates the configuration and returns an armed engine.
func New(cfg Config) (*EarlyStopping, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeMin
	}
	if mode != ModeMin && mode != ModeMax {
		return nil, fmt.Errorf("%w: `mode` can be one of min, max (got %s)", trainer.ErrMisconfiguration, cfg.Mode)
	}
	if cfg.Monitor == "" {
		return nil, fmt.Errorf("%w: a monitor metric name is required", trainer.ErrMisconfiguration)
	}
	if cfg.MinDelta < 0 {
		return nil, fmt.Errorf("%w: `min_delta` cannot be negative (got %v)", trainer.ErrMisconfiguration, cfg.MinDelta)
	}
	if cfg.Patience < 0 {
		return nil, fmt.Errorf("%w: `patience` cannot be negative (got %d)", trainer.ErrMisconfiguration, cfg.Patience)
	}

	return &EarlyStopping{
		cfg:                  cfg,
		mode:                 mode,
		bestScore:            mode.worstValue(),
		checkOnTrainEpochEnd: cfg.CheckOnTrainEpochEnd,
	}, nil
}

// Monitor returns the name of the watched metric.
func (e *EarlyStopping) Monitor() string { return e.cfg.Monitor }

// StoppedEpoch returns the epoch at which the engine triggered, or 0.
func (e *EarlyStopping) StoppedEpoch() int { return e.stoppedEpoch }

// WaitCount returns the consecutive non-improving checks since the last
// improvement.
func (e *EarlyStopping) WaitCount() int { return e.waitCount }

// BestScore returns the best value observed so far.
func (e *EarlyStopping) BestScore() float64 { return e.bestScore }

// Triggered reports whether the engine has produced a stop verdict.
func (e *EarlyStopping) Triggered() bool { return e.triggered }

// StateKey identifies this instance inside a checkpoint payload. Two engines
// collide only if they share both monitor and mode, which is rejected at
// config validation.
func (e *EarlyStopping) StateKey() string {
	return fmt.Sprintf("EarlyStopping{monitor: '%s', mode: '%s'}", e.cfg.Monitor, e.mode)
}

// Setup resolves the check boundary when it was not configured explicitly.
func (e *EarlyStopping) Setup(t *trainer.Trainer) error {
	if e.checkOnTrainEpochEnd == nil {
		onTrain := !t.ValidationEnabled()
		e.checkOnTrainEpochEnd = &onTrain
	}
	return nil
}

// OnTrainStart rejects resuming a triggered engine into a run whose epoch
// budget ends at or before the recorded stop, which could otherwise loop or
// no-op silently. With a raised budget the engine re-arms: wait count and
// best score carry over, so the next non-improving check stops again
// immediately.
func (e *EarlyStopping) OnTrainStart(t *trainer.Trainer) error {
	if e.stoppedEpoch > 0 && t.MaxEpochs() <= e.stoppedEpoch {
		return fmt.Errorf(
			"%w: early stopping for %q already triggered at epoch %d, but max_epochs=%d; raise max_epochs or remove the restored state",
			trainer.ErrMisconfiguration, e.cfg.Monitor, e.stoppedEpoch, t.MaxEpochs())
	}
	e.triggered = false
	return nil
}

// OnTrainEpochEnd runs the stopping check when the engine is bound to the
// train-epoch-end boundary.
func (e *EarlyStopping) OnTrainEpochEnd(t *trainer.Trainer) error {
	if e.checkOnTrainEpochEnd == nil || !*e.checkOnTrainEpochEnd {
		return nil
	}
	return e.runCheck(t)
}

// OnValidationEnd runs the stopping check when the engine is bound to the
// validation-end boundary.
func (e *EarlyStopping) OnValidationEnd(t *trainer.Trainer) error {
	if e.checkOnTrainEpochEnd != nil && *e.checkOnTrainEpochEnd {
		return nil
	}
	return e.runCheck(t)
}

// runCheck fetches the monitored metric, evaluates the stopping criteria,
// and reports the verdict to the trainer. Exactly one check happens per
// matching boundary; sanity-check passes never count.
func (e *EarlyStopping) runCheck(t *trainer.Trainer) error {
	if t.SanityChecking() || e.triggered {
		return nil
	}

	value, ok := t.CallbackMetrics()[e.cfg.Monitor]
	if !ok {
		return e.monitorMissing(t)
	}

	current, err := value.Scalar()
	if err != nil {
		return fmt.Errorf("%w: monitored metric %q: %v", trainer.ErrMisconfiguration, e.cfg.Monitor, err)
	}

	// The trainer hands every replica the same cross-replica reduced scalar,
	// so each replica reaches the identical verdict without a consensus step.
	stop, reason := e.evaluateStoppingCriteria(current)

	t.Collector().RecordMonitoredValue(e.cfg.Monitor, current, e.bestScore)
	t.Collector().SetWaitCount(e.cfg.Monitor, e.waitCount)

	if stop {
		// The reason is logged before the flag is set so operators always
		// see why training ended.
		e.logInfo(t, reason)
		e.triggered = true
		e.stoppedEpoch = t.CurrentEpoch()
		t.Collector().RecordEarlyStop(e.cfg.Monitor, e.lastTrigger)
		t.RequestStop(reason)
	} else if e.cfg.Verbose && reason != "" {
		e.logInfo(t, reason)
	}
	return nil
}

// monitorMissing handles a checkpoint where the monitored key is absent:
// fatal in strict mode, a transient skip otherwise.
func (e *EarlyStopping) monitorMissing(t *trainer.Trainer) error {
	available := availableMetrics(t.CallbackMetrics())
	if e.cfg.Strict {
		return fmt.Errorf(
			"%w: early stopping conditioned on metric `%s` which is not available; pass in or modify your early stopping callback to use any of the following: %s",
			trainer.ErrMisconfiguration, e.cfg.Monitor, available)
	}
	if e.cfg.Verbose && !e.warnedMissingMonitor {
		e.warnedMissingMonitor = true
		t.Logger().Warn("Early stopping check skipped: monitored metric not yet available",
			"monitor", e.cfg.Monitor,
			"available", available)
	}
	return nil
}

// evaluateStoppingCriteria applies the stopping rules in fixed order: finite
// check, stopping threshold, divergence threshold, then patience tracking.
// The first matching rule decides the verdict and the reason string.
func (e *EarlyStopping) evaluateStoppingCriteria(current float64) (bool, string) {
	switch {
	case e.cfg.CheckFinite && !metric.IsFinite(current):
		e.lastTrigger = "non_finite"
		return true, fmt.Sprintf(
			"Monitored metric %s = %v is not finite. Previous best value was %.3f. Signaling Trainer to stop.",
			e.cfg.Monitor, current, e.bestScore)

	case e.cfg.StoppingThreshold != nil && e.mode.reached(current, *e.cfg.StoppingThreshold):
		e.lastTrigger = "stopping_threshold"
		return true, fmt.Sprintf(
			"Stopping threshold reached: %s = %v %s %v. Signaling Trainer to stop.",
			e.cfg.Monitor, current, boundSymbol(e.mode), *e.cfg.StoppingThreshold)

	case e.cfg.DivergenceThreshold != nil && e.mode.diverged(current, *e.cfg.DivergenceThreshold):
		e.lastTrigger = "divergence"
		return true, fmt.Sprintf(
			"Divergence threshold reached: %s = %v %s %v. Signaling Trainer to stop.",
			e.cfg.Monitor, current, divergenceSymbol(e.mode), *e.cfg.DivergenceThreshold)

	case e.mode.improves(current, e.bestScore, e.cfg.MinDelta):
		reason := e.improvementMessage(current)
		e.bestScore = current
		e.waitCount = 0
		return false, reason

	default:
		e.waitCount++
		if e.waitCount >= e.cfg.Patience {
			e.lastTrigger = "patience"
			return true, fmt.Sprintf(
				"Monitored metric %s did not improve in the last %d records. Best score: %.3f. Signaling Trainer to stop.",
				e.cfg.Monitor, e.waitCount, e.bestScore)
		}
		return false, fmt.Sprintf(
			"Metric %s did not improve (%d/%d). Best score: %.3f.",
			e.cfg.Monitor, e.waitCount, e.cfg.Patience, e.bestScore)
	}
}

// improvementMessage is built before bestScore is updated so it can name the
// margin the next value has to beat.
func (e *EarlyStopping) improvementMessage(current float64) string {
	if metric.IsFinite(e.bestScore) {
		return fmt.Sprintf(
			"Metric %s improved by %.3f >= min_delta = %v. New best score: %.3f",
			e.cfg.Monitor, math.Abs(e.bestScore-current), e.cfg.MinDelta, current)
	}
	return fmt.Sprintf("Metric %s improved. New best score: %.3f", e.cfg.Monitor, current)
}

// logInfo emits an informational message through the rank-aware policy:
// with LogRankZeroOnly, only rank 0 speaks; messages carry a rank prefix
// whenever more than one rank is active.
func (e *EarlyStopping) logInfo(t *trainer.Trainer, msg string) {
	if e.cfg.Silent || msg == "" {
		return
	}

	logger := slog.Default()
	d := distributed.Single()
	if t != nil {
		logger = t.Logger()
		d = t.Dist()
	}

	if !distributed.ShouldLog(d.GlobalRank, d.WorldSize, e.cfg.LogRankZeroOnly) {
		return
	}
	logger.Info(distributed.FormatMessage(d.GlobalRank, d.WorldSize, msg))
}

func boundSymbol(m Mode) string {
	if m == ModeMax {
		return ">="
	}
	return "<="
}

func divergenceSymbol(m Mode) string {
	if m == ModeMax {
		return "<"
	}
	return ">"
}

func availableMetrics(metrics map[string]metric.Value) string {
	if len(metrics) == 0 {
		return "(none)"
	}
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
