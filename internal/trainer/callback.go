package trainer

import "encoding/json"

// Callback is a training-loop observer. Implementations opt into boundary
// notifications by implementing the narrower interfaces below; the trainer
// dispatches hooks in callback registration order.
type Callback interface{}

// SetupCallback is called once before training starts, after the trainer is
// fully configured. Configuration errors returned here abort the run.
type SetupCallback interface {
	Setup(t *Trainer) error
}

// TrainStartCallback is called when the training loop begins, after any
// sanity-check validation pass.
type TrainStartCallback interface {
	OnTrainStart(t *Trainer) error
}

// TrainEpochEndCallback is called after the training batches of each epoch.
type TrainEpochEndCallback interface {
	OnTrainEpochEnd(t *Trainer) error
}

// ValidationEndCallback is called after every validation pass, including the
// sanity-check pass before training starts.
type ValidationEndCallback interface {
	OnValidationEnd(t *Trainer) error
}

// TrainEndCallback is called once when the loop exits.
type TrainEndCallback interface {
	OnTrainEnd(t *Trainer) error
}

// StatefulCallback is a callback whose state rides along in the run
// checkpoint. StateKey must be unique across all registered callbacks; by
// convention it combines the callback type with its identifying
// configuration.
type StatefulCallback interface {
	StateKey() string
	StateDict() (json.RawMessage, error)
	LoadStateDict(state json.RawMessage) error
}
