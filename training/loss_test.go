package training

import (
	"math"
	"math/rand"
	"testing"

	"github.com/computationalpathologygroup/dino/tensor"
)

func testLoss(outDim, cropCount int) *DINOLoss {
	return NewDINOLoss(DINOLossConfig{
		OutDim:            outDim,
		CropCount:         cropCount,
		WarmupTeacherTemp: 0.04,
		TeacherTemp:       0.04,
		Epochs:            10,
	}, nil)
}

func randomOutputs(rng *rand.Rand, rows, cols int, scale float32) *tensor.Tensor {
	out := tensor.New(rows, cols)
	for i := range out.Data {
		out.Data[i] = scale * float32(rng.NormFloat64())
	}
	return out
}

// Adding a per-row constant to the student logits must not change the loss:
// the softmax is shift invariant.
func TestLossShiftInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const outDim, cropCount, batch = 16, 4, 3

	studentOut := randomOutputs(rng, cropCount*batch, outDim, 1)
	teacherOut := randomOutputs(rng, 2*batch, outDim, 1)

	base, _, err := testLoss(outDim, cropCount).Forward(studentOut, teacherOut, 0)
	if err != nil {
		t.Fatal(err)
	}

	shifted := studentOut.Clone()
	for i := range shifted.Data {
		shifted.Data[i] += 7.5
	}
	got, _, err := testLoss(outDim, cropCount).Forward(shifted, teacherOut, 0)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-base) > 1e-5 {
		t.Errorf("shifted loss = %v, want %v (diff %v)", got, base, math.Abs(got-base))
	}
}

// A crop must never be distilled against its own teacher view. With two
// crops the loss is the average over exactly the two cross pairs.
func TestLossSelfPairExclusion(t *testing.T) {
	const outDim, batch = 4, 2
	rng := rand.New(rand.NewSource(2))

	studentOut := randomOutputs(rng, 2*batch, outDim, 1)
	teacherOut := randomOutputs(rng, 2*batch, outDim, 1)

	loss := testLoss(outDim, 2)
	got, _, err := loss.Forward(studentOut, teacherOut, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Reference: cross-entropy over (teacher q, student v) with v != q only,
	// zero center, averaged over the 2 pairs and the batch.
	tt := loss.TeacherTemp(0)
	teacherProbs := tensor.SoftmaxRows(teacherOut, tt)
	studentLog := tensor.LogSoftmaxRows(studentOut, loss.StudentTemp)
	var want float64
	for q := 0; q < 2; q++ {
		v := 1 - q
		for b := 0; b < batch; b++ {
			tp := teacherProbs.Row(q*batch + b)
			lp := studentLog.Row(v*batch + b)
			for k := 0; k < outDim; k++ {
				want -= float64(tp[k]) * float64(lp[k])
			}
		}
	}
	want /= 2 * batch

	if math.Abs(got-want) > 1e-6 {
		t.Errorf("loss = %v, want %v", got, want)
	}
}

func TestLossCenterEMA(t *testing.T) {
	const outDim, cropCount, batch = 4, 2, 3
	rng := rand.New(rand.NewSource(3))

	studentOut := randomOutputs(rng, cropCount*batch, outDim, 1)
	teacherOut := randomOutputs(rng, 2*batch, outDim, 1)

	loss := testLoss(outDim, cropCount)
	if _, _, err := loss.Forward(studentOut, teacherOut, 0); err != nil {
		t.Fatal(err)
	}

	batchMean := tensor.ColMean(teacherOut)
	for k := 0; k < outDim; k++ {
		want := 0.1 * batchMean[k] // center starts at zero, momentum 0.9
		if math.Abs(float64(loss.Center()[k]-want)) > 1e-6 {
			t.Errorf("center[%d] = %v, want %v", k, loss.Center()[k], want)
		}
	}
}

func TestLossCenterRoundTrip(t *testing.T) {
	loss := testLoss(4, 2)
	if err := loss.LoadCenter([]float32{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if loss.Center()[2] != 3 {
		t.Errorf("center[2] = %v, want 3", loss.Center()[2])
	}
	if err := loss.LoadCenter([]float32{1, 2}); err == nil {
		t.Fatal("expected error on center length mismatch")
	}
}

func TestLossGradientMatchesFiniteDifference(t *testing.T) {
	const outDim, cropCount, batch = 6, 3, 2
	rng := rand.New(rand.NewSource(4))

	studentOut := randomOutputs(rng, cropCount*batch, outDim, 0.5)
	teacherOut := randomOutputs(rng, 2*batch, outDim, 0.5)

	_, grad, err := testLoss(outDim, cropCount).Forward(studentOut, teacherOut, 0)
	if err != nil {
		t.Fatal(err)
	}

	const eps = 1e-3
	for _, idx := range []int{0, 7, outDim*cropCount*batch - 1} {
		plus := studentOut.Clone()
		plus.Data[idx] += eps
		lp, _, _ := testLoss(outDim, cropCount).Forward(plus, teacherOut, 0)
		minus := studentOut.Clone()
		minus.Data[idx] -= eps
		lm, _, _ := testLoss(outDim, cropCount).Forward(minus, teacherOut, 0)

		numeric := (lp - lm) / (2 * eps)
		analytic := float64(grad.Data[idx])
		if math.Abs(numeric-analytic) > 2e-3 {
			t.Errorf("grad[%d] = %v, finite difference %v", idx, analytic, numeric)
		}
	}
}

// Centering plus the low teacher temperature must keep the teacher output
// distribution away from collapse over a short run: its mean entropy stays
// above a floor even when the raw outputs drift toward a constant.
func TestTeacherEntropyFloor(t *testing.T) {
	const outDim, cropCount, batch = 16, 2, 4
	rng := rand.New(rand.NewSource(5))

	loss := testLoss(outDim, cropCount)
	drift := make([]float32, outDim)
	for k := range drift {
		drift[k] = float32(rng.NormFloat64())
	}

	for step := 0; step < 50; step++ {
		// Outputs drift toward one shared direction, emulating early collapse.
		teacherOut := tensor.New(2*batch, outDim)
		for r := 0; r < 2*batch; r++ {
			row := teacherOut.Row(r)
			for k := range row {
				row[k] = drift[k] + 0.05*float32(rng.NormFloat64())
			}
		}
		studentOut := randomOutputs(rng, cropCount*batch, outDim, 1)
		if _, _, err := loss.Forward(studentOut, teacherOut, 0); err != nil {
			t.Fatal(err)
		}

		centered := tensor.SubRowVec(teacherOut, loss.Center())
		probs := tensor.SoftmaxRows(centered, loss.TeacherTemp(0))
		if entropy := MeanRowEntropy(probs); step >= 40 && entropy < 0.1 {
			t.Fatalf("teacher entropy collapsed to %v at step %d", entropy, step)
		}
	}
}
