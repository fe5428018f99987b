package training

import (
	"math"

	"github.com/x448/float16"
)

// LossScaler implements dynamic loss scaling for the emulated half-precision
// path. Gradients are computed from a loss gradient multiplied by the current
// scale; after the backward pass the trainer unscales them and calls Update
// with whether any gradient was non-finite. Overflowing steps are skipped and
// the scale backed off; after GrowthInterval clean steps the scale grows.
type LossScaler struct {
	Scale          float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int

	goodSteps int
}

func NewLossScaler() *LossScaler {
	return &LossScaler{
		Scale:          65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// Update adjusts the scale after one step. It returns true when the step
// should be applied, false when it must be skipped because of overflow.
func (s *LossScaler) Update(foundNonFinite bool) bool {
	if foundNonFinite {
		s.Scale *= s.BackoffFactor
		s.goodSteps = 0
		return false
	}
	s.goodSteps++
	if s.goodSteps >= s.GrowthInterval {
		s.Scale *= s.GrowthFactor
		s.goodSteps = 0
	}
	return true
}

// LossScalerState is the serializable scaler state stored in snapshots.
type LossScalerState struct {
	Scale     float64 `json:"scale"`
	GoodSteps int     `json:"good_steps"`
}

func (s *LossScaler) State() LossScalerState {
	return LossScalerState{Scale: s.Scale, GoodSteps: s.goodSteps}
}

func (s *LossScaler) LoadState(state LossScalerState) {
	s.Scale = state.Scale
	s.goodSteps = state.GoodSteps
}

// roundTripFloat16 quantizes a buffer through IEEE binary16, emulating the
// precision loss of a half-precision forward pass.
func roundTripFloat16(data []float32) {
	for i, v := range data {
		data[i] = float16.Fromfloat32(v).Float32()
	}
}

// hasNonFinite reports whether any value is NaN or infinite.
func hasNonFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}
