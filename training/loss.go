package training

import (
	"fmt"

	"github.com/computationalpathologygroup/dino/tensor"
)

// Reducer averages a vector across all processes in the training group.
// A nil Reducer means single-process training.
type Reducer interface {
	AllReduceMean(values []float32) error
}

// DINOLoss computes the centered, temperature-scaled cross-entropy between
// teacher and student output distributions over non-identical crop pairs.
//
// The loss is stateful: it keeps an exponential moving average of teacher
// output batches (the center) which is subtracted from teacher logits before
// the softmax. Centering plus a low teacher temperature is what prevents the
// two networks from collapsing onto a constant output.
type DINOLoss struct {
	OutDim      int
	CropCount   int // 2 global + K local
	StudentTemp float32

	centerMomentum float32
	center         []float32
	teacherTemps   []float64
	reducer        Reducer
}

// DINOLossConfig collects the teacher config group values.
type DINOLossConfig struct {
	OutDim                 int
	CropCount              int
	WarmupTeacherTemp      float64
	TeacherTemp            float64
	WarmupTeacherTempEpoch int
	Epochs                 int
	StudentTemp            float64 // default 0.1
	CenterMomentum         float64 // default 0.9
}

func NewDINOLoss(cfg DINOLossConfig, reducer Reducer) *DINOLoss {
	if cfg.StudentTemp == 0 {
		cfg.StudentTemp = 0.1
	}
	if cfg.CenterMomentum == 0 {
		cfg.CenterMomentum = 0.9
	}
	return &DINOLoss{
		OutDim:         cfg.OutDim,
		CropCount:      cfg.CropCount,
		StudentTemp:    float32(cfg.StudentTemp),
		centerMomentum: float32(cfg.CenterMomentum),
		center:         make([]float32, cfg.OutDim),
		teacherTemps:   TeacherTempSchedule(cfg.WarmupTeacherTemp, cfg.TeacherTemp, cfg.WarmupTeacherTempEpoch, cfg.Epochs),
		reducer:        reducer,
	}
}

// TeacherTemp returns the teacher temperature for an epoch.
func (l *DINOLoss) TeacherTemp(epoch int) float32 {
	if epoch >= len(l.teacherTemps) {
		epoch = len(l.teacherTemps) - 1
	}
	return float32(l.teacherTemps[epoch])
}

// Forward computes the distillation loss and its analytic gradient with
// respect to the student outputs.
//
// studentOut holds all CropCount crops, [CropCount*batch, OutDim], crops in
// order; teacherOut holds the two global crops only, [2*batch, OutDim]. A
// crop is never distilled against its own teacher view: same-index pairs are
// excluded from the average. The center buffer is updated from the teacher
// batch after the loss is computed.
func (l *DINOLoss) Forward(studentOut, teacherOut *tensor.Tensor, epoch int) (float64, *tensor.Tensor, error) {
	if studentOut.Rows()%l.CropCount != 0 {
		return 0, nil, fmt.Errorf("student rows %d not divisible by crop count %d", studentOut.Rows(), l.CropCount)
	}
	batch := studentOut.Rows() / l.CropCount
	if teacherOut.Rows() != 2*batch {
		return 0, nil, fmt.Errorf("teacher rows %d, want %d (two global crops)", teacherOut.Rows(), 2*batch)
	}

	teacherProbs := tensor.SoftmaxRows(tensor.SubRowVec(teacherOut, l.center), l.TeacherTemp(epoch))
	studentLogProbs := tensor.LogSoftmaxRows(studentOut, l.StudentTemp)
	studentProbs := tensor.SoftmaxRows(studentOut, l.StudentTemp)

	grad := tensor.New(studentOut.Shape...)
	var total float64
	pairs := 0
	for q := 0; q < 2; q++ {
		for v := 0; v < l.CropCount; v++ {
			if v == q {
				continue
			}
			pairs++
			for b := 0; b < batch; b++ {
				t := teacherProbs.Row(q*batch + b)
				lp := studentLogProbs.Row(v*batch + b)
				var ce float64
				for k := 0; k < l.OutDim; k++ {
					ce -= float64(t[k]) * float64(lp[k])
				}
				total += ce
			}
		}
	}
	norm := 1 / (float64(pairs) * float64(batch))
	total *= norm

	gradScale := float32(norm) / l.StudentTemp
	for q := 0; q < 2; q++ {
		for v := 0; v < l.CropCount; v++ {
			if v == q {
				continue
			}
			for b := 0; b < batch; b++ {
				t := teacherProbs.Row(q*batch + b)
				p := studentProbs.Row(v*batch + b)
				g := grad.Row(v*batch + b)
				for k := 0; k < l.OutDim; k++ {
					g[k] += (p[k] - t[k]) * gradScale
				}
			}
		}
	}

	if err := l.updateCenter(teacherOut); err != nil {
		return 0, nil, err
	}
	return total, grad, nil
}

// updateCenter applies the EMA center update from one teacher output batch,
// averaging the batch mean across processes when distributed.
func (l *DINOLoss) updateCenter(teacherOut *tensor.Tensor) error {
	batchCenter := tensor.ColMean(teacherOut)
	if l.reducer != nil {
		if err := l.reducer.AllReduceMean(batchCenter); err != nil {
			return fmt.Errorf("reduce teacher center: %w", err)
		}
	}
	m := l.centerMomentum
	for i := range l.center {
		l.center[i] = m*l.center[i] + (1-m)*batchCenter[i]
	}
	return nil
}

// Center returns the EMA center buffer (shared storage).
func (l *DINOLoss) Center() []float32 { return l.center }

// LoadCenter restores the center buffer from a snapshot.
func (l *DINOLoss) LoadCenter(center []float32) error {
	if len(center) != len(l.center) {
		return fmt.Errorf("center length %d, want %d", len(center), len(l.center))
	}
	copy(l.center, center)
	return nil
}
