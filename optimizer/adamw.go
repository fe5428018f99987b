// Package optimizer implements the AdamW optimizer used for the student
// network, with per-group learning rate and weight decay so biases and
// normalization parameters can skip decay, and full state export for
// checkpointing.
package optimizer

import (
	"fmt"
	"math"

	"github.com/computationalpathologygroup/dino/checkpoints"
	"github.com/computationalpathologygroup/dino/layers"
)

// ParamGroup is a set of parameters sharing a learning rate and weight decay
// policy. LR and WeightDecay are overwritten every step from the schedule
// tables.
type ParamGroup struct {
	Params      []*layers.Parameter
	LR          float64
	WeightDecay float64
}

// AdamWConfig holds the Adam moment hyperparameters.
type AdamWConfig struct {
	Beta1 float64
	Beta2 float64
	Eps   float64
}

func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// AdamW applies decoupled weight decay: the decay term is added to the
// update directly instead of to the gradient (Loshchilov & Hutter).
type AdamW struct {
	Groups []*ParamGroup

	beta1, beta2, eps float64
	step              int
	m                 map[string][]float32
	v                 map[string][]float32
}

func NewAdamW(groups []*ParamGroup, cfg AdamWConfig) *AdamW {
	opt := &AdamW{
		Groups: groups,
		beta1:  cfg.Beta1,
		beta2:  cfg.Beta2,
		eps:    cfg.Eps,
		m:      make(map[string][]float32),
		v:      make(map[string][]float32),
	}
	for _, g := range groups {
		for _, p := range g.Params {
			opt.m[p.Name] = make([]float32, len(p.Data))
			opt.v[p.Name] = make([]float32, len(p.Data))
		}
	}
	return opt
}

// StepCount returns the number of optimization steps taken.
func (o *AdamW) StepCount() int { return o.step }

// Step performs one optimization step over all groups using the gradients
// accumulated on the parameters.
func (o *AdamW) Step() {
	o.step++
	bc1 := 1 - math.Pow(o.beta1, float64(o.step))
	bc2 := 1 - math.Pow(o.beta2, float64(o.step))
	for _, g := range o.Groups {
		lr := g.LR
		wd := g.WeightDecay
		for _, p := range g.Params {
			if p.Frozen {
				continue
			}
			m := o.m[p.Name]
			v := o.v[p.Name]
			for i, grad := range p.Grad {
				gm := float64(grad)
				mi := o.beta1*float64(m[i]) + (1-o.beta1)*gm
				vi := o.beta2*float64(v[i]) + (1-o.beta2)*gm*gm
				m[i] = float32(mi)
				v[i] = float32(vi)
				update := (mi / bc1) / (math.Sqrt(vi/bc2) + o.eps)
				p.Data[i] -= float32(lr * (update + wd*float64(p.Data[i])))
			}
		}
	}
}

// ZeroGrad clears all parameter gradients.
func (o *AdamW) ZeroGrad() {
	for _, g := range o.Groups {
		for _, p := range g.Params {
			p.ZeroGrad()
		}
	}
}

// State exports moment buffers and hyperparameters for checkpointing.
func (o *AdamW) State() *checkpoints.OptimizerState {
	state := &checkpoints.OptimizerState{
		Type: "AdamW",
		Step: o.step,
		Parameters: map[string]float64{
			"beta1": o.beta1,
			"beta2": o.beta2,
			"eps":   o.eps,
		},
	}
	for _, g := range o.Groups {
		for _, p := range g.Params {
			for _, st := range []struct {
				kind string
				data []float32
			}{{"m", o.m[p.Name]}, {"v", o.v[p.Name]}} {
				buf := make([]float32, len(st.data))
				copy(buf, st.data)
				state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
					Name:      p.Name,
					Shape:     append([]int(nil), p.Shape...),
					Data:      buf,
					StateType: st.kind,
				})
			}
		}
	}
	return state
}

// LoadState restores moment buffers from a checkpoint.
func (o *AdamW) LoadState(state *checkpoints.OptimizerState) error {
	if state.Type != "AdamW" {
		return fmt.Errorf("optimizer state type mismatch: expected AdamW, got %s", state.Type)
	}
	o.step = state.Step
	for _, st := range state.StateData {
		var dst []float32
		switch st.StateType {
		case "m":
			dst = o.m[st.Name]
		case "v":
			dst = o.v[st.Name]
		default:
			return fmt.Errorf("unknown optimizer state type %q for %s", st.StateType, st.Name)
		}
		if dst == nil {
			return fmt.Errorf("optimizer state for unknown parameter %s", st.Name)
		}
		if len(dst) != len(st.Data) {
			return fmt.Errorf("optimizer state %s: size %d, want %d", st.Name, len(st.Data), len(dst))
		}
		copy(dst, st.Data)
	}
	return nil
}
