package training

import (
	"fmt"

	"github.com/computationalpathologygroup/dino/layers"
	"github.com/computationalpathologygroup/dino/tensor"
)

// MultiCropWrapper routes an ordered list of crops through one shared
// backbone and projection head. Crops are grouped by spatial resolution so
// each distinct resolution costs a single batched forward pass instead of
// one pass per crop; the head output is reassembled in original crop order,
// shape [total_crops*batch, out_dim].
type MultiCropWrapper struct {
	Backbone *layers.Backbone
	Head     *layers.ProjectionHead

	fp16 bool
}

func NewMultiCropWrapper(backbone *layers.Backbone, head *layers.ProjectionHead) *MultiCropWrapper {
	return &MultiCropWrapper{Backbone: backbone, Head: head}
}

// SetFP16 enables emulated half-precision: backbone features are rounded
// through IEEE float16 before the head, mirroring a mixed-precision forward.
func (w *MultiCropWrapper) SetFP16(enabled bool) { w.fp16 = enabled }

func (w *MultiCropWrapper) SetTraining(training bool) {
	w.Backbone.SetTraining(training)
	w.Head.SetTraining(training)
}

// Params returns backbone parameters followed by head parameters. The order
// is construction order and therefore identical for two networks built from
// the same config, which the EMA updater relies on.
func (w *MultiCropWrapper) Params() []*layers.Parameter {
	return append(w.Backbone.Params(), w.Head.Params()...)
}

// Canonical returns the unwrapped parameter-owning network. The plain
// wrapper is its own canonical view; the distributed replica overrides this.
func (w *MultiCropWrapper) Canonical() *MultiCropWrapper { return w }

type cropGroup struct {
	size    int
	indices []int
}

func groupByResolution(crops []*tensor.Tensor) []cropGroup {
	var groups []cropGroup
	for i, c := range crops {
		size := c.Shape[2]
		placed := false
		for gi := range groups {
			if groups[gi].size == size {
				groups[gi].indices = append(groups[gi].indices, i)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, cropGroup{size: size, indices: []int{i}})
		}
	}
	return groups
}

// Forward runs all crops through the backbone (batched per resolution group)
// and the head, returning [len(crops)*batch, out_dim] logits in crop order.
func (w *MultiCropWrapper) Forward(crops []*tensor.Tensor) (*tensor.Tensor, layers.Backward) {
	if len(crops) == 0 {
		panic("training: multicrop forward with no crops")
	}
	batch := crops[0].Shape[0]
	for _, c := range crops {
		if len(c.Shape) != 4 || c.Shape[0] != batch {
			panic(fmt.Sprintf("training: inconsistent crop batch shapes %v", c.Shape))
		}
	}

	groups := groupByResolution(crops)
	dim := w.Backbone.EmbedDim()
	features := tensor.New(len(crops)*batch, dim)
	backs := make([]layers.Backward, len(groups))

	for gi, g := range groups {
		stacked := stackCrops(crops, g.indices)
		feat, back := w.Backbone.Forward(stacked)
		backs[gi] = back
		for slot, cropIdx := range g.indices {
			for b := 0; b < batch; b++ {
				copy(features.Row(cropIdx*batch+b), feat.Row(slot*batch+b))
			}
		}
	}

	if w.fp16 {
		roundTripFloat16(features.Data)
	}
	out, headBack := w.Head.Apply(features)

	return out, func(grad *tensor.Tensor) *tensor.Tensor {
		dFeat := headBack(grad)
		for gi, g := range groups {
			dGroup := tensor.New(len(g.indices)*batch, dim)
			for slot, cropIdx := range g.indices {
				for b := 0; b < batch; b++ {
					copy(dGroup.Row(slot*batch+b), dFeat.Row(cropIdx*batch+b))
				}
			}
			backs[gi](dGroup)
		}
		// Gradients stop at the pixel crops.
		return nil
	}
}

// Features runs the backbone only, used for tuning-time feature extraction.
func (w *MultiCropWrapper) Features(crops *tensor.Tensor) *tensor.Tensor {
	feat, _ := w.Backbone.Forward(crops)
	return feat
}

// stackCrops concatenates the selected [B,3,S,S] crops into one
// [len(sel)*B,3,S,S] batch, crop-major.
func stackCrops(crops []*tensor.Tensor, sel []int) *tensor.Tensor {
	first := crops[sel[0]]
	b, s := first.Shape[0], first.Shape[2]
	out := tensor.New(len(sel)*b, 3, s, s)
	per := b * 3 * s * s
	for slot, idx := range sel {
		copy(out.Data[slot*per:(slot+1)*per], crops[idx].Data)
	}
	return out
}
