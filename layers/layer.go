// Package layers implements the trainable building blocks of the student and
// teacher networks: linear projections, normalization, GELU, multi-head
// self-attention, the transformer-style backbone behind the architecture
// registry, and the projection head.
//
// Layers follow a closure-tape design: Apply returns the output together with
// a Backward function that propagates the output gradient to the input and
// accumulates parameter gradients. The teacher network simply discards the
// returned Backward.
package layers

import (
	"fmt"
	"math/rand"

	"github.com/computationalpathologygroup/dino/tensor"
)

// Backward propagates the gradient of the loss with respect to a layer's
// output back to its input, accumulating parameter gradients along the way.
type Backward func(grad *tensor.Tensor) *tensor.Tensor

// Layer is a differentiable module over 2-D [rows, features] tensors.
type Layer interface {
	Apply(x *tensor.Tensor) (*tensor.Tensor, Backward)
	Params() []*Parameter
}

// Parameter is a named trainable tensor with its gradient accumulator.
// Rank-1 parameters (biases, norm scales, weight-norm gains) are excluded
// from weight decay. A Frozen parameter is skipped by the optimizer
// entirely: no moment update and no weight decay.
type Parameter struct {
	Name    string
	Shape   []int
	Data    []float32
	Grad    []float32
	NoDecay bool
	Frozen  bool
}

// NewParameter wraps an initialized tensor as a parameter.
func NewParameter(name string, t *tensor.Tensor) *Parameter {
	return &Parameter{
		Name:    name,
		Shape:   append([]int(nil), t.Shape...),
		Data:    t.Data,
		Grad:    make([]float32, len(t.Data)),
		NoDecay: len(t.Shape) < 2,
	}
}

// Tensor returns a shared-storage tensor view of the parameter data.
func (p *Parameter) Tensor() *tensor.Tensor {
	return tensor.FromSlice(p.Data, p.Shape...)
}

// GradTensor returns a shared-storage tensor view of the gradient.
func (p *Parameter) GradTensor() *tensor.Tensor {
	return tensor.FromSlice(p.Grad, p.Shape...)
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// CopyFrom copies parameter data from src; shapes must match.
func (p *Parameter) CopyFrom(src *Parameter) error {
	if len(p.Data) != len(src.Data) {
		return fmt.Errorf("parameter %s: size mismatch %d vs %d", p.Name, len(p.Data), len(src.Data))
	}
	copy(p.Data, src.Data)
	return nil
}

// Sequential chains layers, threading gradients back in reverse order.
type Sequential struct {
	layers []Layer
}

func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{layers: layers}
}

func (s *Sequential) Apply(x *tensor.Tensor) (*tensor.Tensor, Backward) {
	backs := make([]Backward, len(s.layers))
	for i, l := range s.layers {
		x, backs[i] = l.Apply(x)
	}
	return x, func(grad *tensor.Tensor) *tensor.Tensor {
		for i := len(backs) - 1; i >= 0; i-- {
			grad = backs[i](grad)
		}
		return grad
	}
}

func (s *Sequential) Params() []*Parameter {
	var ps []*Parameter
	for _, l := range s.layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}

// SetTraining switches train/eval behavior on layers that distinguish the two
// (batch normalization, stochastic depth).
func (s *Sequential) SetTraining(training bool) {
	for _, l := range s.layers {
		if m, ok := l.(interface{ SetTraining(bool) }); ok {
			m.SetTraining(training)
		}
	}
}

// truncNormal fills an initialization tensor from N(0, std^2) truncated to
// two standard deviations, matching the backbone init of the reference
// vision transformers.
func truncNormal(rng *rand.Rand, std float64, shape ...int) *tensor.Tensor {
	t := tensor.New(shape...)
	for i := range t.Data {
		v := rng.NormFloat64()
		for v > 2 || v < -2 {
			v = rng.NormFloat64()
		}
		t.Data[i] = float32(v * std)
	}
	return t
}
