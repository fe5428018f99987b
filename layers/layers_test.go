package layers

import (
	"math"
	"math/rand"
	"testing"

	"github.com/computationalpathologygroup/dino/tensor"
)

// scalarLoss contracts an output tensor against fixed coefficients so the
// analytic backward can be checked against finite differences.
func scalarLoss(y *tensor.Tensor, coef []float32) float64 {
	var total float64
	for i, v := range y.Data {
		total += float64(coef[i]) * float64(v)
	}
	return total
}

func lossCoef(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(rng.NormFloat64())
	}
	return out
}

func TestLinearForward(t *testing.T) {
	l := NewLinear(rand.New(rand.NewSource(1)), "fc", 2, 2, true)
	copy(l.W.Data, []float32{1, 2, 3, 4}) // rows are output neurons
	copy(l.B.Data, []float32{10, 20})

	x := tensor.FromSlice([]float32{1, 1}, 1, 2)
	y, _ := l.Apply(x)
	if y.Data[0] != 13 || y.Data[1] != 27 {
		t.Errorf("y = %v, want [13 27]", y.Data)
	}
}

func TestLinearGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	l := NewLinear(rng, "fc", 3, 2, true)
	x := tensor.Randn(rng, 0.5, 2, 3)
	coef := lossCoef(rng, 4)

	y, back := l.Apply(x)
	dx := back(tensor.FromSlice(coef, y.Shape...))

	const eps = 1e-2
	checkGrad := func(name string, data []float32, grad []float32, idx int) {
		t.Helper()
		orig := data[idx]
		data[idx] = orig + eps
		yp, _ := l.Apply(x)
		lp := scalarLoss(yp, coef)
		data[idx] = orig - eps
		ym, _ := l.Apply(x)
		lm := scalarLoss(ym, coef)
		data[idx] = orig

		numeric := (lp - lm) / (2 * eps)
		if math.Abs(numeric-float64(grad[idx])) > 1e-2 {
			t.Errorf("%s grad[%d] = %v, finite difference %v", name, idx, grad[idx], numeric)
		}
	}

	for _, idx := range []int{0, 3, 5} {
		checkGrad("weight", l.W.Data, l.W.Grad, idx)
		checkGrad("input", x.Data, dx.Data, idx)
	}
	checkGrad("bias", l.B.Data, l.B.Grad, 1)
}

func TestGELUDerivative(t *testing.T) {
	g := GELU{}
	for _, v := range []float32{-2, -0.5, 0, 0.5, 2} {
		x := tensor.FromSlice([]float32{v}, 1, 1)
		y, back := g.Apply(x)
		dx := back(tensor.FromSlice([]float32{1}, 1, 1))

		const eps = 1e-3
		xp := tensor.FromSlice([]float32{v + eps}, 1, 1)
		yp, _ := g.Apply(xp)
		xm := tensor.FromSlice([]float32{v - eps}, 1, 1)
		ym, _ := g.Apply(xm)
		numeric := float64(yp.Data[0]-ym.Data[0]) / (2 * eps)

		if math.Abs(numeric-float64(dx.Data[0])) > 1e-2 {
			t.Errorf("gelu'(%v) = %v, finite difference %v", v, dx.Data[0], numeric)
		}
		_ = y
	}
}

func TestLayerNormForward(t *testing.T) {
	ln := NewLayerNorm("ln", 4)
	x := tensor.FromSlice([]float32{1, 2, 3, 4}, 1, 4)
	y, _ := ln.Apply(x)

	var mean, sq float64
	for _, v := range y.Data {
		mean += float64(v)
	}
	mean /= 4
	for _, v := range y.Data {
		sq += (float64(v) - mean) * (float64(v) - mean)
	}
	if math.Abs(mean) > 1e-5 {
		t.Errorf("normalized mean = %v, want 0", mean)
	}
	if math.Abs(sq/4-1) > 1e-3 {
		t.Errorf("normalized variance = %v, want 1", sq/4)
	}
}

func TestLayerNormInputGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	ln := NewLayerNorm("ln", 4)
	x := tensor.Randn(rng, 1, 2, 4)
	coef := lossCoef(rng, 8)

	y, back := ln.Apply(x)
	dx := back(tensor.FromSlice(coef, y.Shape...))

	const eps = 1e-2
	for _, idx := range []int{0, 3, 6} {
		orig := x.Data[idx]
		x.Data[idx] = orig + eps
		yp, _ := ln.Apply(x)
		lp := scalarLoss(yp, coef)
		x.Data[idx] = orig - eps
		ym, _ := ln.Apply(x)
		lm := scalarLoss(ym, coef)
		x.Data[idx] = orig

		numeric := (lp - lm) / (2 * eps)
		if math.Abs(numeric-float64(dx.Data[idx])) > 2e-2 {
			t.Errorf("dx[%d] = %v, finite difference %v", idx, dx.Data[idx], numeric)
		}
	}
}

func TestParameterNoDecay(t *testing.T) {
	weight := NewParameter("w", tensor.New(4, 4))
	bias := NewParameter("b", tensor.New(4))
	if weight.NoDecay {
		t.Error("matrix parameter must decay")
	}
	if !bias.NoDecay {
		t.Error("rank-1 parameter must not decay")
	}
}

func TestTruncNormalBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	v := truncNormal(rng, 0.02, 64, 64)
	for _, x := range v.Data {
		if math.Abs(float64(x)) > 2*0.02+1e-9 {
			t.Fatalf("value %v outside truncation bound", x)
		}
	}
}

func TestAttentionShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	a := NewAttention(rng, "attn", 8, 2)
	x := tensor.Randn(rng, 1, 2, 3, 8) // [B=2, T=3, D=8]

	y, back := a.Apply(x)
	if y.Shape[0] != 2 || y.Shape[1] != 3 || y.Shape[2] != 8 {
		t.Fatalf("output shape = %v, want [2 3 8]", y.Shape)
	}
	dx := back(tensor.New(2, 3, 8))
	if dx.Shape[0] != 2 || dx.Shape[1] != 3 || dx.Shape[2] != 8 {
		t.Fatalf("input gradient shape = %v", dx.Shape)
	}
}

func TestBackboneForward(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	spec := ArchSpec{Name: "test", EmbedDim: 16, Depth: 2, Heads: 2, MLPRatio: 2}
	b := NewBackbone(rng, spec, 4, 0)

	for _, size := range []int{4, 8} {
		x := tensor.Randn(rng, 1, 3, 3, size, size)
		y, back := b.Forward(x)
		if y.Rows() != 3 || y.Cols() != 16 {
			t.Fatalf("size %d: features [%d %d], want [3 16]", size, y.Rows(), y.Cols())
		}
		back(tensor.New(3, 16))
	}
}

func TestBackboneRejectsBadShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := NewBackbone(rng, ArchSpec{Name: "test", EmbedDim: 8, Depth: 1, Heads: 2, MLPRatio: 2}, 4, 0)
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for size not divisible by patch size")
		}
	}()
	b.Forward(tensor.New(1, 3, 6, 6))
}

func TestArchRegistry(t *testing.T) {
	spec, err := Arch("vit_small")
	if err != nil {
		t.Fatal(err)
	}
	if spec.EmbedDim != 384 || spec.Depth != 12 || spec.Heads != 6 {
		t.Errorf("vit_small spec = %+v", spec)
	}
	if _, err := Arch("vit_giant"); err == nil {
		t.Error("expected error for unregistered architecture")
	}
	names := ArchNames()
	if len(names) != 3 || names[0] != "vit_base" {
		t.Errorf("arch names = %v", names)
	}
}

func TestWeightNormFrozenGain(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	l := NewWeightNormLinear(rng, "last", 4, 6, true)
	x := tensor.Randn(rng, 1, 2, 4)

	y, back := l.Apply(x)
	grad := tensor.New(y.Shape...)
	for i := range grad.Data {
		grad.Data[i] = 1
	}
	back(grad)

	for i, g := range l.G.Grad {
		if g != 0 {
			t.Fatalf("frozen gain received gradient %v at %d", g, i)
		}
	}
	hasV := false
	for _, g := range l.V.Grad {
		if g != 0 {
			hasV = true
			break
		}
	}
	if !hasV {
		t.Error("direction parameter received no gradient")
	}
}

func TestProjectionHeadShapesAndLastLayer(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	h := NewProjectionHead(rng, ProjectionHeadConfig{
		InDim: 16, OutDim: 32, HiddenDim: 24, BottleneckDim: 8, NormLastLayer: true,
	})

	x := tensor.Randn(rng, 1, 3, 16)
	y, back := h.Apply(x)
	if y.Rows() != 3 || y.Cols() != 32 {
		t.Fatalf("head output [%d %d], want [3 32]", y.Rows(), y.Cols())
	}
	dx := back(tensor.New(3, 32))
	if dx.Rows() != 3 || dx.Cols() != 16 {
		t.Fatalf("head input gradient [%d %d], want [3 16]", dx.Rows(), dx.Cols())
	}

	last := h.LastLayerParams()
	if len(last) != 2 {
		t.Fatalf("last layer params = %d, want 2", len(last))
	}
}

func TestBatchNormTrainEval(t *testing.T) {
	bn := NewBatchNorm("bn", 2)
	bn.SetTraining(true)
	x := tensor.FromSlice([]float32{1, 10, 3, 30, 5, 50}, 3, 2)
	y, _ := bn.Apply(x)

	for c := 0; c < 2; c++ {
		var mean float64
		for r := 0; r < 3; r++ {
			mean += float64(y.Row(r)[c])
		}
		if math.Abs(mean/3) > 1e-5 {
			t.Errorf("train-mode column %d mean = %v, want 0", c, mean/3)
		}
	}

	// Eval mode uses running statistics, which have moved off 0/1.
	bn.SetTraining(false)
	y2, _ := bn.Apply(x)
	if y2.Data[0] == y.Data[0] {
		t.Error("eval output identical to train output despite running stats")
	}
}

func TestL2NormLayer(t *testing.T) {
	var l L2Norm
	x := tensor.FromSlice([]float32{3, 4}, 1, 2)
	y, back := l.Apply(x)
	if math.Abs(float64(y.Data[0])-0.6) > 1e-6 || math.Abs(float64(y.Data[1])-0.8) > 1e-6 {
		t.Fatalf("normalized = %v, want [0.6 0.8]", y.Data)
	}

	// The gradient is orthogonal to the output direction.
	dx := back(tensor.FromSlice([]float32{1, 0}, 1, 2))
	dot := float64(dx.Data[0])*0.6 + float64(dx.Data[1])*0.8
	if math.Abs(dot) > 1e-5 {
		t.Errorf("input gradient not orthogonal to output: dot = %v", dot)
	}
}

func TestSequentialChainsBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(10))
	seq := NewSequential(
		NewLinear(rng, "a", 4, 8, true),
		GELU{},
		NewLinear(rng, "b", 8, 2, true),
	)
	x := tensor.Randn(rng, 1, 3, 4)
	y, back := seq.Apply(x)
	if y.Rows() != 3 || y.Cols() != 2 {
		t.Fatalf("output [%d %d], want [3 2]", y.Rows(), y.Cols())
	}
	dx := back(tensor.New(3, 2))
	if dx.Rows() != 3 || dx.Cols() != 4 {
		t.Fatalf("input gradient [%d %d], want [3 4]", dx.Rows(), dx.Cols())
	}
	if got := len(seq.Params()); got != 4 {
		t.Errorf("param count = %d, want 4", got)
	}
}
