package layers

import (
	"math"
	"math/rand"

	"github.com/computationalpathologygroup/dino/tensor"
)

// L2Norm scales each row to unit Euclidean norm (no parameters).
type L2Norm struct{}

func (L2Norm) Apply(x *tensor.Tensor) (*tensor.Tensor, Backward) {
	rows, cols := x.Rows(), x.Cols()
	y := tensor.New(rows, cols)
	invNorm := make([]float32, rows)
	for r := 0; r < rows; r++ {
		in := x.Row(r)
		var sq float64
		for _, v := range in {
			sq += float64(v) * float64(v)
		}
		inv := float32(1 / math.Sqrt(sq+1e-12))
		invNorm[r] = inv
		out := y.Row(r)
		for c := range in {
			out[c] = in[c] * inv
		}
	}
	return y, func(grad *tensor.Tensor) *tensor.Tensor {
		dx := tensor.New(rows, cols)
		for r := 0; r < rows; r++ {
			g := grad.Row(r)
			yr := y.Row(r)
			var dot float64
			for c := 0; c < cols; c++ {
				dot += float64(g[c]) * float64(yr[c])
			}
			out := dx.Row(r)
			for c := 0; c < cols; c++ {
				out[c] = (g[c] - float32(dot)*yr[c]) * invNorm[r]
			}
		}
		return dx
	}
}

func (L2Norm) Params() []*Parameter { return nil }

// WeightNormLinear is a bias-free linear layer with weight normalization:
// each output row uses the direction of v scaled by a gain g. When the gain
// is frozen the last layer keeps unit-norm rows, which stabilizes the early
// epochs of self-distillation.
type WeightNormLinear struct {
	V          *Parameter // [out, in]
	G          *Parameter // [out]
	FrozenGain bool
}

func NewWeightNormLinear(rng *rand.Rand, name string, in, out int, frozenGain bool) *WeightNormLinear {
	gain := tensor.New(out)
	for i := range gain.Data {
		gain.Data[i] = 1
	}
	return &WeightNormLinear{
		V:          NewParameter(name+".weight_v", truncNormal(rng, 0.02, out, in)),
		G:          NewParameter(name+".weight_g", gain),
		FrozenGain: frozenGain,
	}
}

func (l *WeightNormLinear) effectiveWeight() (*tensor.Tensor, []float32) {
	out, in := l.V.Shape[0], l.V.Shape[1]
	w := tensor.New(out, in)
	norms := make([]float32, out)
	for r := 0; r < out; r++ {
		v := l.V.Tensor().Row(r)
		var sq float64
		for _, x := range v {
			sq += float64(x) * float64(x)
		}
		norm := float32(math.Sqrt(sq + 1e-12))
		norms[r] = norm
		scale := l.G.Data[r] / norm
		wr := w.Row(r)
		for c, x := range v {
			wr[c] = x * scale
		}
	}
	return w, norms
}

func (l *WeightNormLinear) Apply(x *tensor.Tensor) (*tensor.Tensor, Backward) {
	w, norms := l.effectiveWeight()
	y := tensor.MatMulBT(x, w)
	return y, func(grad *tensor.Tensor) *tensor.Tensor {
		out, in := l.V.Shape[0], l.V.Shape[1]
		dw := tensor.MatMulAT(grad, x) // [out, in]
		vT := l.V.Tensor()
		for r := 0; r < out; r++ {
			v := vT.Row(r)
			dwr := dw.Row(r)
			var dot float64 // dWr . v
			for c := 0; c < in; c++ {
				dot += float64(dwr[c]) * float64(v[c])
			}
			norm := float64(norms[r])
			if !l.FrozenGain {
				l.G.Grad[r] += float32(dot / norm)
			}
			g := float64(l.G.Data[r])
			gradRow := l.V.GradTensor().Row(r)
			for c := 0; c < in; c++ {
				dv := g/norm*float64(dwr[c]) - g*dot/(norm*norm*norm)*float64(v[c])
				gradRow[c] += float32(dv)
			}
		}
		return tensor.MatMul(grad, w)
	}
}

func (l *WeightNormLinear) Params() []*Parameter { return []*Parameter{l.V, l.G} }

// ProjectionHead maps backbone features to the output distribution logits:
// a three-layer MLP with GELU (optionally batch-normalized), an L2 bottleneck
// and a weight-normalized final projection.
type ProjectionHead struct {
	mlp  *Sequential
	last *WeightNormLinear
}

// ProjectionHeadConfig mirrors the student config group.
type ProjectionHeadConfig struct {
	InDim         int
	OutDim        int
	HiddenDim     int // default 2048
	BottleneckDim int // default 256
	UseBN         bool
	NormLastLayer bool
}

func NewProjectionHead(rng *rand.Rand, cfg ProjectionHeadConfig) *ProjectionHead {
	if cfg.HiddenDim == 0 {
		cfg.HiddenDim = 2048
	}
	if cfg.BottleneckDim == 0 {
		cfg.BottleneckDim = 256
	}
	var stack []Layer
	stack = append(stack, NewLinear(rng, "head.mlp.0", cfg.InDim, cfg.HiddenDim, true))
	if cfg.UseBN {
		stack = append(stack, NewBatchNorm("head.mlp.1", cfg.HiddenDim))
	}
	stack = append(stack, GELU{})
	stack = append(stack, NewLinear(rng, "head.mlp.2", cfg.HiddenDim, cfg.HiddenDim, true))
	if cfg.UseBN {
		stack = append(stack, NewBatchNorm("head.mlp.3", cfg.HiddenDim))
	}
	stack = append(stack, GELU{})
	stack = append(stack, NewLinear(rng, "head.mlp.4", cfg.HiddenDim, cfg.BottleneckDim, true))
	stack = append(stack, L2Norm{})
	return &ProjectionHead{
		mlp:  NewSequential(stack...),
		last: NewWeightNormLinear(rng, "head.last_layer", cfg.BottleneckDim, cfg.OutDim, cfg.NormLastLayer),
	}
}

func (h *ProjectionHead) Apply(x *tensor.Tensor) (*tensor.Tensor, Backward) {
	mid, midBack := h.mlp.Apply(x)
	out, lastBack := h.last.Apply(mid)
	return out, func(grad *tensor.Tensor) *tensor.Tensor {
		return midBack(lastBack(grad))
	}
}

func (h *ProjectionHead) Params() []*Parameter {
	return append(h.mlp.Params(), h.last.Params()...)
}

// LastLayerParams exposes the final projection parameters so the trainer can
// freeze them for the first epochs.
func (h *ProjectionHead) LastLayerParams() []*Parameter { return h.last.Params() }

func (h *ProjectionHead) SetTraining(training bool) { h.mlp.SetTraining(training) }
