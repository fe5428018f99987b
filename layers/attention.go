package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/computationalpathologygroup/dino/tensor"
)

// Attention is multi-head self-attention over [batch, tokens, dim] inputs.
type Attention struct {
	Heads int
	Dim   int
	q     *Linear
	k     *Linear
	v     *Linear
	proj  *Linear
}

func NewAttention(rng *rand.Rand, name string, dim, heads int) *Attention {
	if dim%heads != 0 {
		panic(fmt.Sprintf("layers: attention dim %d not divisible by %d heads", dim, heads))
	}
	return &Attention{
		Heads: heads,
		Dim:   dim,
		q:     NewLinear(rng, name+".q", dim, dim, true),
		k:     NewLinear(rng, name+".k", dim, dim, true),
		v:     NewLinear(rng, name+".v", dim, dim, true),
		proj:  NewLinear(rng, name+".proj", dim, dim, true),
	}
}

// Apply consumes a [B, T, D] tensor and returns attention output of the same
// shape. Head slices are copied into contiguous buffers so the inner products
// run through blas.
func (a *Attention) Apply(x *tensor.Tensor) (*tensor.Tensor, Backward) {
	b, t, d := x.Shape[0], x.Shape[1], x.Shape[2]
	dh := d / a.Heads
	scale := float32(1 / math.Sqrt(float64(dh)))

	flat := x.Reshape(b*t, d)
	q, qBack := a.q.Apply(flat)
	k, kBack := a.k.Apply(flat)
	v, vBack := a.v.Apply(flat)

	type headTape struct {
		attn, q, k, v *tensor.Tensor
	}
	tapes := make([]headTape, b*a.Heads)
	ctx := tensor.New(b*t, d)
	for bi := 0; bi < b; bi++ {
		for h := 0; h < a.Heads; h++ {
			qh := copyHead(q, bi, t, h, dh)
			kh := copyHead(k, bi, t, h, dh)
			vh := copyHead(v, bi, t, h, dh)
			scores := tensor.MatMulBT(qh, kh).Scale(scale)
			attn := tensor.SoftmaxRows(scores, 1)
			out := tensor.MatMul(attn, vh)
			scatterHead(ctx, out, bi, t, h, dh, false)
			tapes[bi*a.Heads+h] = headTape{attn: attn, q: qh, k: kh, v: vh}
		}
	}
	y, projBack := a.proj.Apply(ctx)

	return y.Reshape(b, t, d), func(grad *tensor.Tensor) *tensor.Tensor {
		dctx := projBack(grad.Reshape(b*t, d))
		dq := tensor.New(b*t, d)
		dk := tensor.New(b*t, d)
		dv := tensor.New(b*t, d)
		for bi := 0; bi < b; bi++ {
			for h := 0; h < a.Heads; h++ {
				tape := tapes[bi*a.Heads+h]
				dOut := copyHead(dctx, bi, t, h, dh)
				dVh := tensor.MatMulAT(tape.attn, dOut)
				dAttn := tensor.MatMulBT(dOut, tape.v)
				dScores := softmaxBackward(tape.attn, dAttn)
				dQh := tensor.MatMul(dScores, tape.k).Scale(scale)
				dKh := tensor.MatMulAT(dScores, tape.q).Scale(scale)
				scatterHead(dq, dQh, bi, t, h, dh, true)
				scatterHead(dk, dKh, bi, t, h, dh, true)
				scatterHead(dv, dVh, bi, t, h, dh, true)
			}
		}
		dx := qBack(dq)
		tensor.AddInPlace(dx, kBack(dk))
		tensor.AddInPlace(dx, vBack(dv))
		return dx.Reshape(b, t, d)
	}
}

func (a *Attention) Params() []*Parameter {
	var ps []*Parameter
	for _, l := range []*Linear{a.q, a.k, a.v, a.proj} {
		ps = append(ps, l.Params()...)
	}
	return ps
}

// copyHead extracts the [T, dh] slice of head h for sample bi from a
// [B*T, D] tensor.
func copyHead(src *tensor.Tensor, bi, t, h, dh int) *tensor.Tensor {
	out := tensor.New(t, dh)
	for ti := 0; ti < t; ti++ {
		row := src.Row(bi*t + ti)
		copy(out.Row(ti), row[h*dh:(h+1)*dh])
	}
	return out
}

// scatterHead writes (or accumulates) a [T, dh] head slice back into a
// [B*T, D] tensor.
func scatterHead(dst, src *tensor.Tensor, bi, t, h, dh int, accumulate bool) {
	for ti := 0; ti < t; ti++ {
		row := dst.Row(bi*t + ti)[h*dh : (h+1)*dh]
		in := src.Row(ti)
		if accumulate {
			for c := range row {
				row[c] += in[c]
			}
		} else {
			copy(row, in)
		}
	}
}

// softmaxBackward computes the gradient through a row softmax given its
// output and the gradient at the output.
func softmaxBackward(softmaxOut, grad *tensor.Tensor) *tensor.Tensor {
	rows, cols := softmaxOut.Rows(), softmaxOut.Cols()
	dx := tensor.New(rows, cols)
	for r := 0; r < rows; r++ {
		s := softmaxOut.Row(r)
		g := grad.Row(r)
		var dot float64
		for c := 0; c < cols; c++ {
			dot += float64(g[c]) * float64(s[c])
		}
		out := dx.Row(r)
		for c := 0; c < cols; c++ {
			out[c] = s[c] * (g[c] - float32(dot))
		}
	}
	return dx
}
