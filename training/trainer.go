package training

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/computationalpathologygroup/dino/layers"
	"github.com/computationalpathologygroup/dino/optimizer"
	"github.com/computationalpathologygroup/dino/tensor"
)

// Network is the canonical-parameter-view accessor: it returns the
// unwrapped parameter-owning network regardless of any replication wrapper
// around it.
type Network interface {
	Canonical() *MultiCropWrapper
}

// CropBatch is one training batch: an ordered list of crop tensors, each
// [batch, 3, S, S], two globals first.
type CropBatch struct {
	Crops []*tensor.Tensor
}

// CropBatcher yields the per-epoch batch stream. Steps must be constant
// across epochs: the schedule tables are indexed by epoch*Steps()+step.
type CropBatcher interface {
	Steps() int
	Batches(epoch int) <-chan CropBatch
}

// ParamGroups splits parameters the way the optimizer expects: weights in a
// regularized group, rank-1 parameters (biases, norm scales, gains) in a
// group that never receives weight decay.
func ParamGroups(net Network) (regularized, notRegularized *optimizer.ParamGroup) {
	regularized = &optimizer.ParamGroup{}
	notRegularized = &optimizer.ParamGroup{}
	for _, p := range net.Canonical().Params() {
		if p.NoDecay {
			notRegularized.Params = append(notRegularized.Params, p)
		} else {
			regularized.Params = append(regularized.Params, p)
		}
	}
	return regularized, notRegularized
}

// Trainer drives one gradient epoch of self-distillation: student forward
// over all crops, teacher forward over the two global crops, centered
// cross-entropy, gradient step on the student only, then the teacher EMA
// update with the per-step momentum.
type Trainer struct {
	Student Network
	Teacher Network
	Loss    *DINOLoss
	Opt     *optimizer.AdamW

	LRSchedule       []float64
	WDSchedule       []float64
	MomentumSchedule []float64

	Scaler                *LossScaler // nil without fp16
	ClipGrad              float64
	FreezeLastLayerEpochs int
	Reducer               Reducer // nil in single-process runs
	Log                   *slog.Logger

	regularized    *optimizer.ParamGroup
	notRegularized *optimizer.ParamGroup
	studentParams  []*layers.Parameter
	teacherParams  []*layers.Parameter
	lastLayer      []*layers.Parameter
	flatGrads      []float32
}

func (t *Trainer) init() {
	if t.studentParams != nil {
		return
	}
	t.studentParams = t.Student.Canonical().Params()
	t.teacherParams = t.Teacher.Canonical().Params()
	t.lastLayer = t.Student.Canonical().Head.LastLayerParams()
	if len(t.Opt.Groups) == 2 {
		t.regularized = t.Opt.Groups[0]
		t.notRegularized = t.Opt.Groups[1]
	}
	total := 0
	for _, p := range t.studentParams {
		total += len(p.Grad)
	}
	t.flatGrads = make([]float32, total)
}

// TrainOneEpoch runs every batch of one epoch and returns the averaged
// training statistics (loss, lr, wd).
func (t *Trainer) TrainOneEpoch(epoch int, loader CropBatcher) (map[string]float64, error) {
	t.init()
	// Frozen parameters are skipped by the optimizer wholesale, so the
	// freeze suppresses weight decay as well as the gradient step.
	frozen := epoch < t.FreezeLastLayerEpochs
	for _, p := range t.lastLayer {
		p.Frozen = frozen
	}
	steps := loader.Steps()
	metrics := NewMetricLogger()
	student := t.Student.Canonical()
	teacher := t.Teacher.Canonical()

	step := 0
	for batch := range loader.Batches(epoch) {
		it := epoch*steps + step
		if it >= len(t.LRSchedule) {
			it = len(t.LRSchedule) - 1
		}
		lr := t.LRSchedule[it]
		wd := t.WDSchedule[it]
		if t.regularized != nil {
			t.regularized.LR = lr
			t.regularized.WeightDecay = wd
			t.notRegularized.LR = lr
			t.notRegularized.WeightDecay = 0
		}

		teacherOut, _ := teacher.Forward(batch.Crops[:2])
		studentOut, studentBack := student.Forward(batch.Crops)

		lossVal, grad, err := t.Loss.Forward(studentOut, teacherOut, epoch)
		if err != nil {
			return nil, fmt.Errorf("loss at epoch %d step %d: %w", epoch, step, err)
		}
		if math.IsNaN(lossVal) || math.IsInf(lossVal, 0) {
			// Not auto-corrected: surfaced for external inspection.
			t.Log.Warn("non-finite training loss", "epoch", epoch, "step", step, "loss", lossVal)
		}

		t.Opt.ZeroGrad()
		if t.Scaler != nil {
			grad.Scale(float32(t.Scaler.Scale))
		}
		studentBack(grad)

		if t.Reducer != nil {
			if err := t.syncGradients(); err != nil {
				return nil, fmt.Errorf("gradient sync at epoch %d step %d: %w", epoch, step, err)
			}
		}

		if t.Scaler != nil {
			inv := float32(1 / t.Scaler.Scale)
			nonFinite := false
			for _, p := range t.studentParams {
				for i := range p.Grad {
					p.Grad[i] *= inv
				}
				if !nonFinite && hasNonFinite(p.Grad) {
					nonFinite = true
				}
			}
			if !t.Scaler.Update(nonFinite) {
				t.Log.Warn("gradient overflow, skipping step", "epoch", epoch, "step", step, "scale", t.Scaler.Scale)
				step++
				continue
			}
		}

		if t.ClipGrad > 0 {
			clipGradients(t.studentParams, t.ClipGrad)
		}
		if epoch < t.FreezeLastLayerEpochs {
			for _, p := range t.lastLayer {
				p.ZeroGrad()
			}
		}

		t.Opt.Step()

		momentum := t.MomentumSchedule[it]
		if err := EMAUpdate(t.studentParams, t.teacherParams, momentum); err != nil {
			return nil, fmt.Errorf("teacher ema update: %w", err)
		}

		metrics.Update("loss", lossVal)
		metrics.Update("lr", lr)
		metrics.Update("wd", wd)
		step++
	}

	return metrics.Averages(), nil
}

// syncGradients mean-reduces all student gradients across the process group
// in one flat collective.
func (t *Trainer) syncGradients() error {
	offset := 0
	for _, p := range t.studentParams {
		copy(t.flatGrads[offset:], p.Grad)
		offset += len(p.Grad)
	}
	if err := t.Reducer.AllReduceMean(t.flatGrads); err != nil {
		return err
	}
	offset = 0
	for _, p := range t.studentParams {
		copy(p.Grad, t.flatGrads[offset:offset+len(p.Grad)])
		offset += len(p.Grad)
	}
	return nil
}

// clipGradients rescales each parameter gradient whose norm exceeds the
// clip threshold, parameter by parameter.
func clipGradients(params []*layers.Parameter, clip float64) {
	for _, p := range params {
		var sq float64
		for _, g := range p.Grad {
			sq += float64(g) * float64(g)
		}
		norm := math.Sqrt(sq)
		if norm == 0 {
			continue
		}
		coef := clip / (norm + 1e-6)
		if coef < 1 {
			c := float32(coef)
			for i := range p.Grad {
				p.Grad[i] *= c
			}
		}
	}
}
