package layers

import (
	"math"
	"math/rand"

	"github.com/computationalpathologygroup/dino/tensor"
)

// Linear is a fully connected layer y = x*Wᵀ + b over [n, in] inputs.
type Linear struct {
	W *Parameter // [out, in]
	B *Parameter // [out], nil when bias is disabled
}

// NewLinear creates a linear layer with truncated-normal weight init
// (std 0.02) and zero bias.
func NewLinear(rng *rand.Rand, name string, in, out int, bias bool) *Linear {
	l := &Linear{
		W: NewParameter(name+".weight", truncNormal(rng, 0.02, out, in)),
	}
	if bias {
		l.B = NewParameter(name+".bias", tensor.New(out))
	}
	return l
}

func (l *Linear) Apply(x *tensor.Tensor) (*tensor.Tensor, Backward) {
	y := tensor.MatMulBT(x, l.W.Tensor())
	if l.B != nil {
		y.AddRowVec(l.B.Data)
	}
	return y, func(grad *tensor.Tensor) *tensor.Tensor {
		tensor.AccumMatMulAT(l.W.GradTensor(), grad, x)
		if l.B != nil {
			rows, cols := grad.Rows(), grad.Cols()
			for r := 0; r < rows; r++ {
				row := grad.Row(r)
				for c := 0; c < cols; c++ {
					l.B.Grad[c] += row[c]
				}
			}
		}
		return tensor.MatMul(grad, l.W.Tensor())
	}
}

func (l *Linear) Params() []*Parameter {
	if l.B == nil {
		return []*Parameter{l.W}
	}
	return []*Parameter{l.W, l.B}
}

// GELU applies the tanh approximation of the Gaussian error linear unit.
type GELU struct{}

const geluCoef = 0.7978845608028654 // sqrt(2/pi)

func (GELU) Apply(x *tensor.Tensor) (*tensor.Tensor, Backward) {
	y := tensor.New(x.Shape...)
	for i, v := range x.Data {
		y.Data[i] = geluForward(v)
	}
	return y, func(grad *tensor.Tensor) *tensor.Tensor {
		dx := tensor.New(x.Shape...)
		for i, v := range x.Data {
			dx.Data[i] = grad.Data[i] * geluGrad(v)
		}
		return dx
	}
}

func (GELU) Params() []*Parameter { return nil }

func geluForward(v float32) float32 {
	x := float64(v)
	return float32(0.5 * x * (1 + math.Tanh(geluCoef*(x+0.044715*x*x*x))))
}

func geluGrad(v float32) float32 {
	x := float64(v)
	inner := geluCoef * (x + 0.044715*x*x*x)
	t := math.Tanh(inner)
	dInner := geluCoef * (1 + 3*0.044715*x*x)
	return float32(0.5*(1+t) + 0.5*x*(1-t*t)*dInner)
}

// LayerNorm normalizes each row to zero mean and unit variance and applies a
// learned affine transform.
type LayerNorm struct {
	Gamma *Parameter
	Beta  *Parameter
	Eps   float32
}

func NewLayerNorm(name string, dim int) *LayerNorm {
	gamma := tensor.New(dim)
	for i := range gamma.Data {
		gamma.Data[i] = 1
	}
	return &LayerNorm{
		Gamma: NewParameter(name+".weight", gamma),
		Beta:  NewParameter(name+".bias", tensor.New(dim)),
		Eps:   1e-6,
	}
}

func (ln *LayerNorm) Apply(x *tensor.Tensor) (*tensor.Tensor, Backward) {
	rows, cols := x.Rows(), x.Cols()
	y := tensor.New(x.Shape...)
	xhat := tensor.New(x.Shape...)
	invStd := make([]float32, rows)
	for r := 0; r < rows; r++ {
		in := x.Row(r)
		var mean float64
		for _, v := range in {
			mean += float64(v)
		}
		mean /= float64(cols)
		var varSum float64
		for _, v := range in {
			d := float64(v) - mean
			varSum += d * d
		}
		inv := float32(1 / math.Sqrt(varSum/float64(cols)+float64(ln.Eps)))
		invStd[r] = inv
		xh := xhat.Row(r)
		out := y.Row(r)
		for c, v := range in {
			xh[c] = (v - float32(mean)) * inv
			out[c] = xh[c]*ln.Gamma.Data[c] + ln.Beta.Data[c]
		}
	}
	return y, func(grad *tensor.Tensor) *tensor.Tensor {
		dx := tensor.New(x.Shape...)
		for r := 0; r < rows; r++ {
			g := grad.Row(r)
			xh := xhat.Row(r)
			var sumDxhat, sumDxhatXhat float64
			dxhat := make([]float32, cols)
			for c := 0; c < cols; c++ {
				dxhat[c] = g[c] * ln.Gamma.Data[c]
				sumDxhat += float64(dxhat[c])
				sumDxhatXhat += float64(dxhat[c]) * float64(xh[c])
				ln.Gamma.Grad[c] += g[c] * xh[c]
				ln.Beta.Grad[c] += g[c]
			}
			mDxhat := float32(sumDxhat / float64(cols))
			mDxhatXhat := float32(sumDxhatXhat / float64(cols))
			out := dx.Row(r)
			for c := 0; c < cols; c++ {
				out[c] = (dxhat[c] - mDxhat - xh[c]*mDxhatXhat) * invStd[r]
			}
		}
		return dx
	}
}

func (ln *LayerNorm) Params() []*Parameter { return []*Parameter{ln.Gamma, ln.Beta} }
