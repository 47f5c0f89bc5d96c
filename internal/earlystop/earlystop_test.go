package earlystop

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/lamim/gradstop/internal/config"
	"github.com/lamim/gradstop/internal/trainer"
)

func floatPtr(v float64) *float64 { return &v }

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		errMsg string
	}{
		{
			name: "valid min",
			cfg:  Config{Monitor: "val_loss", Mode: ModeMin},
		},
		{
			name: "valid max",
			cfg:  Config{Monitor: "val_acc", Mode: ModeMax},
		},
		{
			name: "empty mode defaults to min",
			cfg:  Config{Monitor: "val_loss"},
		},
		{
			name:   "unknown mode",
			cfg:    Config{Monitor: "val_loss", Mode: "unknown_mode"},
			errMsg: "`mode` can be one of min, max (got unknown_mode)",
		},
		{
			name:   "missing monitor",
			cfg:    Config{},
			errMsg: "monitor metric name is required",
		},
		{
			name:   "negative min_delta",
			cfg:    Config{Monitor: "val_loss", MinDelta: -0.5},
			errMsg: "`min_delta` cannot be negative",
		},
		{
			name:   "negative patience",
			cfg:    Config{Monitor: "val_loss", Patience: -1},
			errMsg: "`patience` cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			es, err := New(tt.cfg)
			if tt.errMsg != "" {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, trainer.ErrMisconfiguration) {
					t.Errorf("error %v is not ErrMisconfiguration", err)
				}
				if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error: %v", err)
			}
			if es.Triggered() {
				t.Error("new engine must start armed, not triggered")
			}
		})
	}
}

func TestInitialBestScore(t *testing.T) {
	esMin, err := New(Config{Monitor: "val_loss", Mode: ModeMin})
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsInf(esMin.BestScore(), 1) {
		t.Errorf("min mode best = %v, want +Inf", esMin.BestScore())
	}

	esMax, err := New(Config{Monitor: "val_acc", Mode: ModeMax})
	if err != nil {
		t.Fatal(err)
	}
	if !math.IsInf(esMax.BestScore(), -1) {
		t.Errorf("max mode best = %v, want -Inf", esMax.BestScore())
	}
}

func TestStateKey(t *testing.T) {
	es, err := New(Config{Monitor: "val_loss", Mode: ModeMin})
	if err != nil {
		t.Fatal(err)
	}
	want := "EarlyStopping{monitor: 'val_loss', mode: 'min'}"
	if got := es.StateKey(); got != want {
		t.Errorf("StateKey() = %q, want %q", got, want)
	}

	es2, err := New(Config{Monitor: "val_acc", Mode: ModeMax})
	if err != nil {
		t.Fatal(err)
	}
	if es2.StateKey() == es.StateKey() {
		t.Error("distinct monitor/mode pairs must yield distinct state keys")
	}
}

// feed runs a sequence of metric values through the stopping criteria and
// returns the zero-based index of the value that triggered the stop, or -1.
func feed(t *testing.T, es *EarlyStopping, values []float64) int {
	t.Helper()
	for i, v := range values {
		stop, _ := es.evaluateStoppingCriteria(v)
		if stop {
			return i
		}
	}
	return -1
}

func TestPatienceSequences(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		values   []float64
		stopAt   int // index into values, -1 for never
		wantBest float64
	}{
		{
			name:     "plateau exhausts patience",
			cfg:      Config{Monitor: "val_loss", Patience: 3},
			values:   []float64{6, 5, 5, 5, 5, 5},
			stopAt:   4,
			wantBest: 5,
		},
		{
			name:     "patience of one tolerates a single plateau step",
			cfg:      Config{Monitor: "val_loss", Patience: 1},
			values:   []float64{6, 5, 4, 4, 3, 3},
			stopAt:   3,
			wantBest: 4,
		},
		{
			name:     "improvements below min_delta burn patience",
			cfg:      Config{Monitor: "val_loss", MinDelta: 1.5, Patience: 2},
			values:   []float64{6, 5.5, 5.2},
			stopAt:   2,
			wantBest: 6,
		},
		{
			name:     "regression then recovery resets nothing",
			cfg:      Config{Monitor: "val_loss", Patience: 3},
			values:   []float64{6, 5, 6, 5, 5, 5},
			stopAt:   4,
			wantBest: 5,
		},
		{
			name:     "monotonic improvement never stops",
			cfg:      Config{Monitor: "val_loss", Patience: 2},
			values:   []float64{6, 5, 4, 3, 2, 1},
			stopAt:   -1,
			wantBest: 1,
		},
		{
			name:     "zero patience stops on first non-improvement",
			cfg:      Config{Monitor: "val_loss", Patience: 0},
			values:   []float64{6, 6},
			stopAt:   1,
			wantBest: 6,
		},
		{
			name:     "max mode plateau",
			cfg:      Config{Monitor: "val_acc", Mode: ModeMax, Patience: 2},
			values:   []float64{0.5, 0.6, 0.6, 0.6},
			stopAt:   3,
			wantBest: 0.6,
		},
		{
			name:     "equal value is not an improvement",
			cfg:      Config{Monitor: "val_loss", Patience: 1},
			values:   []float64{5, 5},
			stopAt:   1,
			wantBest: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			es, err := New(tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			if got := feed(t, es, tt.values); got != tt.stopAt {
				t.Errorf("stopped at index %d, want %d", got, tt.stopAt)
			}
			if es.BestScore() != tt.wantBest {
				t.Errorf("BestScore() = %v, want %v", es.BestScore(), tt.wantBest)
			}
		})
	}
}

func TestImprovementResetsWaitCount(t *testing.T) {
	es, err := New(Config{Monitor: "val_loss", Patience: 3})
	if err != nil {
		t.Fatal(err)
	}

	es.evaluateStoppingCriteria(6)
	es.evaluateStoppingCriteria(6)
	es.evaluateStoppingCriteria(6)
	if es.WaitCount() != 2 {
		t.Fatalf("WaitCount() = %d, want 2", es.WaitCount())
	}

	es.evaluateStoppingCriteria(5)
	if es.WaitCount() != 0 {
		t.Errorf("WaitCount() = %d after improvement, want 0", es.WaitCount())
	}
}

func TestStoppingThreshold(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		value     float64
		wantStop  bool
		wantInMsg string
	}{
		{
			name:      "min mode below threshold",
			cfg:       Config{Monitor: "val_loss", StoppingThreshold: floatPtr(2.9)},
			value:     2.5,
			wantStop:  true,
			wantInMsg: "Stopping threshold reached",
		},
		{
			name:     "min mode threshold is inclusive",
			cfg:      Config{Monitor: "val_loss", StoppingThreshold: floatPtr(2.9)},
			value:    2.9,
			wantStop: true,
		},
		{
			name:     "min mode above threshold",
			cfg:      Config{Monitor: "val_loss", Patience: 5, StoppingThreshold: floatPtr(2.9)},
			value:    3.0,
			wantStop: false,
		},
		{
			name:     "max mode above threshold",
			cfg:      Config{Monitor: "val_acc", Mode: ModeMax, StoppingThreshold: floatPtr(0.9)},
			value:    0.95,
			wantStop: true,
		},
		{
			name:     "max mode below threshold",
			cfg:      Config{Monitor: "val_acc", Mode: ModeMax, Patience: 5, StoppingThreshold: floatPtr(0.9)},
			value:    0.5,
			wantStop: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			es, err := New(tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			stop, msg := es.evaluateStoppingCriteria(tt.value)
			if stop != tt.wantStop {
				t.Errorf("stop = %v, want %v", stop, tt.wantStop)
			}
			if tt.wantInMsg != "" && !strings.Contains(msg, tt.wantInMsg) {
				t.Errorf("reason %q does not contain %q", msg, tt.wantInMsg)
			}
		})
	}
}

func TestDivergenceThreshold(t *testing.T) {
	es, err := New(Config{Monitor: "val_loss", Patience: 10, DivergenceThreshold: floatPtr(15.9)})
	if err != nil {
		t.Fatal(err)
	}

	if stop, _ := es.evaluateStoppingCriteria(10); stop {
		t.Fatal("value below divergence threshold must not stop")
	}
	if stop, _ := es.evaluateStoppingCriteria(15.9); stop {
		t.Fatal("divergence threshold is exclusive")
	}
	stop, msg := es.evaluateStoppingCriteria(16.0)
	if !stop {
		t.Fatal("value past divergence threshold must stop")
	}
	if !strings.Contains(msg, "Divergence threshold reached") {
		t.Errorf("reason %q does not name divergence", msg)
	}
}

func TestCheckFinite(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		value    float64
		wantStop bool
	}{
		{
			name:     "NaN stops with check_finite",
			cfg:      Config{Monitor: "val_loss", Patience: 10, CheckFinite: true},
			value:    math.NaN(),
			wantStop: true,
		},
		{
			name:     "positive infinity stops with check_finite",
			cfg:      Config{Monitor: "val_loss", Patience: 10, CheckFinite: true},
			value:    math.Inf(1),
			wantStop: true,
		},
		{
			name:     "NaN burns patience without check_finite",
			cfg:      Config{Monitor: "val_loss", Patience: 10, CheckFinite: false},
			value:    math.NaN(),
			wantStop: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			es, err := New(tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			stop, msg := es.evaluateStoppingCriteria(tt.value)
			if stop != tt.wantStop {
				t.Errorf("stop = %v, want %v", stop, tt.wantStop)
			}
			if tt.wantStop && !strings.Contains(msg, "is not finite") {
				t.Errorf("reason %q does not name the finite check", msg)
			}
		})
	}
}

// A NaN with check_finite off never improves, so a long NaN run still stops
// once patience runs out.
func TestNaNBurnsPatience(t *testing.T) {
	es, err := New(Config{Monitor: "val_loss", Patience: 2, CheckFinite: false})
	if err != nil {
		t.Fatal(err)
	}
	stopAt := feed(t, es, []float64{math.NaN(), math.NaN(), math.NaN()})
	if stopAt != 1 {
		t.Errorf("stopped at index %d, want 1", stopAt)
	}
}

func TestFiniteCheckPrecedesThresholds(t *testing.T) {
	es, err := New(Config{
		Monitor:             "val_loss",
		CheckFinite:         true,
		StoppingThreshold:   floatPtr(2.9),
		DivergenceThreshold: floatPtr(15.9),
	})
	if err != nil {
		t.Fatal(err)
	}
	stop, msg := es.evaluateStoppingCriteria(math.Inf(-1))
	if !stop {
		t.Fatal("expected stop")
	}
	if !strings.Contains(msg, "is not finite") {
		t.Errorf("reason %q, want the finite check to win", msg)
	}
}

func TestPatienceReason(t *testing.T) {
	es, err := New(Config{Monitor: "val_loss", Patience: 1})
	if err != nil {
		t.Fatal(err)
	}
	es.evaluateStoppingCriteria(5)
	stop, msg := es.evaluateStoppingCriteria(5)
	if !stop {
		t.Fatal("expected stop")
	}
	want := "Monitored metric val_loss did not improve in the last 1 records. Best score: 5.000. Signaling Trainer to stop."
	if msg != want {
		t.Errorf("reason = %q, want %q", msg, want)
	}
}

func TestStateRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		state State
	}{
		{
			name:  "initial min state",
			state: State{WaitCount: 0, StoppedEpoch: 0, BestScore: math.Inf(1), Patience: 3},
		},
		{
			name:  "initial max state",
			state: State{BestScore: math.Inf(-1), Patience: 5},
		},
		{
			name:  "mid-run state",
			state: State{WaitCount: 2, StoppedEpoch: 0, BestScore: 0.125, Patience: 3},
		},
		{
			name:  "triggered state",
			state: State{WaitCount: 3, StoppedEpoch: 7, BestScore: 5, Patience: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.state)
			if err != nil {
				t.Fatalf("Marshal() error: %v", err)
			}

			var got State
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("Unmarshal() error: %v", err)
			}
			if got != tt.state {
				t.Errorf("round trip = %+v, want %+v", got, tt.state)
			}

			// A second marshal must be byte for byte identical.
			again, err := json.Marshal(got)
			if err != nil {
				t.Fatalf("second Marshal() error: %v", err)
			}
			if string(again) != string(data) {
				t.Errorf("second marshal %s differs from first %s", again, data)
			}
		})
	}
}

func TestLoadStateDictReArmsTriggered(t *testing.T) {
	es, err := New(Config{Monitor: "val_loss", Patience: 3})
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(State{WaitCount: 3, StoppedEpoch: 4, BestScore: 5, Patience: 3})
	if err != nil {
		t.Fatal(err)
	}
	if err := es.LoadStateDict(data); err != nil {
		t.Fatalf("LoadStateDict() error: %v", err)
	}

	if !es.Triggered() {
		t.Error("restored state with a stop epoch must re-arm as triggered")
	}
	if es.StoppedEpoch() != 4 {
		t.Errorf("StoppedEpoch() = %d, want 4", es.StoppedEpoch())
	}
	if es.BestScore() != 5 {
		t.Errorf("BestScore() = %v, want 5", es.BestScore())
	}
}

func TestLoadStateDictRejectsGarbage(t *testing.T) {
	es, err := New(Config{Monitor: "val_loss"})
	if err != nil {
		t.Fatal(err)
	}
	if err := es.LoadStateDict([]byte(`{"best_score": "not-a-float"}`)); err == nil {
		t.Error("expected error for unparseable best_score")
	}
	if err := es.LoadStateDict([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestFromTOML(t *testing.T) {
	patience := 3
	strict := true
	checkFinite := true
	cfg := FromTOML(config.EarlyStoppingConfig{
		Monitor:     "val_loss",
		Mode:        "MIN",
		MinDelta:    0.1,
		Patience:    &patience,
		Strict:      &strict,
		CheckFinite: &checkFinite,
	})
	if cfg.Monitor != "val_loss" || cfg.Mode != ModeMin {
		t.Errorf("FromTOML() = %+v, want val_loss/min", cfg)
	}
	if cfg.MinDelta != 0.1 || cfg.Patience != 3 || !cfg.Strict || !cfg.CheckFinite {
		t.Errorf("FromTOML() = %+v", cfg)
	}

	// Unset pointers fall through to the zero values.
	bare := FromTOML(config.EarlyStoppingConfig{Monitor: "val_loss"})
	if bare.Patience != 0 || bare.Strict || bare.CheckFinite {
		t.Errorf("FromTOML() with nil pointers = %+v, want zero values", bare)
	}
}
