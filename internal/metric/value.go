// Package metric holds the value type exchanged between modules, the trainer,
// and callbacks. Modules log values of any shape; callbacks that need a single
// number reduce them with Scalar.
package metric

import (
	"fmt"
	"math"
)

// Value is a metric sample: a flat float64 buffer plus its shape.
// A nil or empty shape means the value is already a scalar.
type Value struct {
	Data  []float64 `json:"data"`
	Shape []int     `json:"shape,omitempty"`
}

// FromFloat wraps a single float64 as a scalar Value.
func FromFloat(v float64) Value {
	return Value{Data: []float64{v}}
}

// FromSlice wraps a flat buffer with an explicit shape.
func FromSlice(data []float64, shape ...int) Value {
	return Value{Data: data, Shape: shape}
}

// NumElements returns the total element count implied by the shape.
func (v Value) NumElements() int {
	n := 1
	for _, d := range v.Shape {
		n *= d
	}
	return n
}

// Scalar squeezes the value down to a single float64. Every dimension must
// have size 1 (e.g. shape [1 1 1]); anything else is a configuration error
// on the caller's side.
func (v Value) Scalar() (float64, error) {
	if len(v.Data) == 0 {
		return 0, fmt.Errorf("metric value is empty")
	}
	for _, d := range v.Shape {
		if d != 1 {
			return 0, fmt.Errorf("metric value of shape %v cannot be reduced to a scalar: all dimensions must have size 1", v.Shape)
		}
	}
	if len(v.Data) != 1 {
		return 0, fmt.Errorf("metric value has %d elements but shape %v implies 1", len(v.Data), v.Shape)
	}
	return v.Data[0], nil
}

// IsFinite reports whether a float is neither NaN nor infinite.
func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
