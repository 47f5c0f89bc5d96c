package earlystop

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// State is the serializable snapshot of one engine: plain fields only, no
// live resources, so it can ride inside any checkpoint payload and survive a
// round trip byte for byte.
type State struct {
	WaitCount    int
	StoppedEpoch int
	BestScore    float64
	Patience     int
}

// stateJSON carries BestScore as a string because the initial best value is
// +Inf or -Inf, which plain JSON numbers cannot represent.
type stateJSON struct {
	WaitCount    int    `json:"wait_count"`
	StoppedEpoch int    `json:"stopped_epoch"`
	BestScore    string `json:"best_score"`
	Patience     int    `json:"patience"`
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		WaitCount:    s.WaitCount,
		StoppedEpoch: s.StoppedEpoch,
		BestScore:    strconv.FormatFloat(s.BestScore, 'g', -1, 64),
		Patience:     s.Patience,
	})
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	best, err := strconv.ParseFloat(raw.BestScore, 64)
	if err != nil {
		return fmt.Errorf("invalid best_score %q: %w", raw.BestScore, err)
	}
	s.WaitCount = raw.WaitCount
	s.StoppedEpoch = raw.StoppedEpoch
	s.BestScore = best
	s.Patience = raw.Patience
	return nil
}

// State returns a snapshot of the engine's mutable state.
func (e *EarlyStopping) State() State {
	return State{
		WaitCount:    e.waitCount,
		StoppedEpoch: e.stoppedEpoch,
		BestScore:    e.bestScore,
		Patience:     e.cfg.Patience,
	}
}

// StateDict implements trainer.StatefulCallback.
func (e *EarlyStopping) StateDict() (json.RawMessage, error) {
	return json.Marshal(e.State())
}

// LoadStateDict implements trainer.StatefulCallback. A restored state with a
// recorded stop epoch re-arms as triggered; whether that is acceptable for
// the new run is checked at train start.
func (e *EarlyStopping) LoadStateDict(data json.RawMessage) error {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode early stopping state: %w", err)
	}
	e.waitCount = s.WaitCount
	e.stoppedEpoch = s.StoppedEpoch
	e.bestScore = s.BestScore
	e.cfg.Patience = s.Patience
	e.triggered = s.StoppedEpoch > 0
	return nil
}
