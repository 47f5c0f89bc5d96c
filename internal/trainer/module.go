package trainer

import (
	"context"

	"github.com/lamim/gradstop/internal/metric"
)

// StepContext identifies the position of one step within the training loop.
type StepContext struct {
	Epoch      int // Zero-based index of the in-progress epoch
	BatchIdx   int // Zero-based index of the batch within the epoch
	GlobalStep int // Optimizer steps taken before this one
}

// MetricRecorder receives metric values logged by a module. Values recorded
// here become visible to callbacks at the next boundary.
type MetricRecorder interface {
	Record(name string, value metric.Value)
}

// Module is the minimum contract a trainable model fulfils: it runs one
// optimization step at a time and may record metrics as it goes.
type Module interface {
	TrainingStep(ctx context.Context, step StepContext, rec MetricRecorder) error
}

// ValidationModule is implemented by modules that run validation batches.
type ValidationModule interface {
	ValidationStep(ctx context.Context, step StepContext, rec MetricRecorder) error
}

// TrainEpochEndModule is implemented by modules that record epoch-level
// training metrics (for example, an aggregated train loss).
type TrainEpochEndModule interface {
	TrainEpochEnd(ctx context.Context, epoch int, rec MetricRecorder) error
}

// ValidationEpochEndModule is implemented by modules that record epoch-level
// validation metrics after the validation batches of a pass have run.
type ValidationEpochEndModule interface {
	ValidationEpochEnd(ctx context.Context, epoch int, rec MetricRecorder) error
}
