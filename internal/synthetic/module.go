// Package synthetic provides a toy trainable module for demos and smoke
// runs: its loss decays geometrically toward a floor with a little seeded
// noise, so early-stopping behavior is easy to provoke and reproduce.
package synthetic

import (
	"context"
	"math"
	"math/rand"

	"github.com/lamim/gradstop/internal/metric"
	"github.com/lamim/gradstop/internal/trainer"
)

// Module is a scripted loss generator standing in for a real model.
type Module struct {
	rng       *rand.Rand
	initial   float64
	floor     float64
	decay     float64
	noise     float64
	lastTrain float64
}

// New creates a module whose epoch loss follows
// floor + (initial-floor) * decay^epoch, plus seeded gaussian noise.
func New(seed int64, initial, floor, decay, noise float64) *Module {
	return &Module{
		rng:     rand.New(rand.NewSource(seed)),
		initial: initial,
		floor:   floor,
		decay:   decay,
		noise:   noise,
	}
}

func (m *Module) lossAt(epoch int) float64 {
	base := m.floor + (m.initial-m.floor)*math.Pow(m.decay, float64(epoch))
	return base + m.noise*m.rng.NormFloat64()
}

// TrainingStep records the running train loss for the current epoch.
func (m *Module) TrainingStep(ctx context.Context, step trainer.StepContext, rec trainer.MetricRecorder) error {
	m.lastTrain = m.lossAt(step.Epoch)
	rec.Record("train_loss", metric.FromFloat(m.lastTrain))
	return nil
}

// TrainEpochEnd records the epoch-level train loss.
func (m *Module) TrainEpochEnd(ctx context.Context, epoch int, rec trainer.MetricRecorder) error {
	rec.Record("train_loss", metric.FromFloat(m.lastTrain))
	return nil
}

// ValidationEpochEnd records a validation loss slightly above the train
// loss, the way a mildly overfit model would look.
func (m *Module) ValidationEpochEnd(ctx context.Context, epoch int, rec trainer.MetricRecorder) error {
	val := m.lossAt(epoch) + 0.05*(m.initial-m.floor)
	rec.Record("val_loss", metric.FromFloat(val))
	return nil
}
