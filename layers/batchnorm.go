package layers

import (
	"math"

	"github.com/computationalpathologygroup/dino/tensor"
)

// BatchNorm normalizes each feature column over the batch dimension. Running
// statistics are registered as gradient-free parameters so they travel with
// snapshots and the teacher EMA view.
type BatchNorm struct {
	Gamma       *Parameter
	Beta        *Parameter
	RunningMean *Parameter
	RunningVar  *Parameter
	Momentum    float32
	Eps         float32
	training    bool
}

func NewBatchNorm(name string, dim int) *BatchNorm {
	gamma := tensor.New(dim)
	runVar := tensor.New(dim)
	for i := 0; i < dim; i++ {
		gamma.Data[i] = 1
		runVar.Data[i] = 1
	}
	return &BatchNorm{
		Gamma:       NewParameter(name+".weight", gamma),
		Beta:        NewParameter(name+".bias", tensor.New(dim)),
		RunningMean: NewParameter(name+".running_mean", tensor.New(dim)),
		RunningVar:  NewParameter(name+".running_var", runVar),
		Momentum:    0.1,
		Eps:         1e-5,
		training:    true,
	}
}

func (bn *BatchNorm) SetTraining(training bool) { bn.training = training }

func (bn *BatchNorm) Apply(x *tensor.Tensor) (*tensor.Tensor, Backward) {
	rows, cols := x.Rows(), x.Cols()
	y := tensor.New(x.Shape...)
	xhat := tensor.New(x.Shape...)
	mean := make([]float32, cols)
	invStd := make([]float32, cols)

	if bn.training {
		variance := make([]float32, cols)
		for c := 0; c < cols; c++ {
			var m float64
			for r := 0; r < rows; r++ {
				m += float64(x.Data[r*cols+c])
			}
			m /= float64(rows)
			var v float64
			for r := 0; r < rows; r++ {
				d := float64(x.Data[r*cols+c]) - m
				v += d * d
			}
			v /= float64(rows)
			mean[c] = float32(m)
			variance[c] = float32(v)
			invStd[c] = float32(1 / math.Sqrt(v+float64(bn.Eps)))
			bn.RunningMean.Data[c] = (1-bn.Momentum)*bn.RunningMean.Data[c] + bn.Momentum*mean[c]
			bn.RunningVar.Data[c] = (1-bn.Momentum)*bn.RunningVar.Data[c] + bn.Momentum*variance[c]
		}
	} else {
		for c := 0; c < cols; c++ {
			mean[c] = bn.RunningMean.Data[c]
			invStd[c] = float32(1 / math.Sqrt(float64(bn.RunningVar.Data[c])+float64(bn.Eps)))
		}
	}

	for r := 0; r < rows; r++ {
		in := x.Row(r)
		xh := xhat.Row(r)
		out := y.Row(r)
		for c := 0; c < cols; c++ {
			xh[c] = (in[c] - mean[c]) * invStd[c]
			out[c] = xh[c]*bn.Gamma.Data[c] + bn.Beta.Data[c]
		}
	}

	return y, func(grad *tensor.Tensor) *tensor.Tensor {
		dx := tensor.New(x.Shape...)
		n := float32(rows)
		for c := 0; c < cols; c++ {
			var sumDy, sumDyXhat float64
			for r := 0; r < rows; r++ {
				g := grad.Data[r*cols+c]
				sumDy += float64(g)
				sumDyXhat += float64(g) * float64(xhat.Data[r*cols+c])
				bn.Gamma.Grad[c] += g * xhat.Data[r*cols+c]
				bn.Beta.Grad[c] += g
			}
			if !bn.training {
				for r := 0; r < rows; r++ {
					dx.Data[r*cols+c] = grad.Data[r*cols+c] * bn.Gamma.Data[c] * invStd[c]
				}
				continue
			}
			for r := 0; r < rows; r++ {
				g := grad.Data[r*cols+c] * bn.Gamma.Data[c]
				xh := xhat.Data[r*cols+c]
				dx.Data[r*cols+c] = (g - float32(sumDy)*bn.Gamma.Data[c]/n - xh*float32(sumDyXhat)*bn.Gamma.Data[c]/n) * invStd[c]
			}
		}
		return dx
	}
}

func (bn *BatchNorm) Params() []*Parameter {
	return []*Parameter{bn.Gamma, bn.Beta, bn.RunningMean, bn.RunningVar}
}
