package tune

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/computationalpathologygroup/dino/tensor"
)

// meanPoolNet reduces each image to per-channel means, so images built as
// solid class colors map to trivially separable features.
type meanPoolNet struct{}

func (meanPoolNet) Features(images *tensor.Tensor) *tensor.Tensor {
	b, c := images.Shape[0], images.Shape[1]
	pixels := images.Shape[2] * images.Shape[3]
	out := tensor.New(b, c)
	for i := 0; i < b; i++ {
		for ch := 0; ch < c; ch++ {
			var sum float32
			base := (i*c + ch) * pixels
			for p := 0; p < pixels; p++ {
				sum += images.Data[base+p]
			}
			out.Data[i*c+ch] = sum / float32(pixels)
		}
	}
	return out
}

type sliceBatcher struct {
	batches []LabeledBatch
}

func (s *sliceBatcher) Batches() <-chan LabeledBatch {
	out := make(chan LabeledBatch, len(s.batches))
	for _, b := range s.batches {
		out <- b
	}
	close(out)
	return out
}

// solidBatch builds n solid-color images per class: class 0 lights up
// channel 0, class 1 channel 1.
func solidBatch(n, classes, size int) LabeledBatch {
	images := tensor.New(n*classes, 3, size, size)
	labels := make([]int, n*classes)
	pixels := size * size
	for class := 0; class < classes; class++ {
		for i := 0; i < n; i++ {
			idx := class*n + i
			labels[idx] = class
			base := (idx*3 + class) * pixels
			for p := 0; p < pixels; p++ {
				images.Data[base+p] = 1 + 0.01*float32(i)
			}
		}
	}
	return LabeledBatch{Images: images, Labels: labels}
}

func TestEvaluatorPerfectSeparation(t *testing.T) {
	e := &Evaluator{
		Net:         meanPoolNet{},
		Query:       &sliceBatcher{batches: []LabeledBatch{solidBatch(4, 2, 4)}},
		Reference:   &sliceBatcher{batches: []LabeledBatch{solidBatch(8, 2, 4)}},
		NumClasses:  2,
		K:           5,
		Temperature: 0.07,
		Log:         slog.Default(),
	}
	acc, err := e.Evaluate(0)
	if err != nil {
		t.Fatal(err)
	}
	if acc != 1.0 {
		t.Errorf("accuracy = %v on separable classes, want 1.0", acc)
	}
}

func TestEvaluatorWritesFeatures(t *testing.T) {
	dir := t.TempDir()
	e := &Evaluator{
		Net:         meanPoolNet{},
		Query:       &sliceBatcher{batches: []LabeledBatch{solidBatch(2, 2, 4)}},
		Reference:   &sliceBatcher{batches: []LabeledBatch{solidBatch(3, 2, 4)}},
		NumClasses:  2,
		K:           3,
		Temperature: 0.07,
		FeatureDir:  dir,
		Log:         slog.Default(),
	}
	if _, err := e.Evaluate(7); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"query_epoch_007.f16", "reference_epoch_007.f16"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("missing feature file %s: %v", name, err)
		}
		feats, err := ReadFeatures(path)
		if err != nil {
			t.Fatal(err)
		}
		if feats.Cols() != 3 {
			t.Errorf("%s: feature dim = %d, want 3", name, feats.Cols())
		}
	}
	if feats, err := ReadFeatures(filepath.Join(dir, "query_epoch_007.f16")); err != nil {
		t.Fatal(err)
	} else if feats.Rows() != 4 {
		t.Errorf("query rows = %d, want 4", feats.Rows())
	}
}

func TestEvaluatorEmptySet(t *testing.T) {
	e := &Evaluator{
		Net:         meanPoolNet{},
		Query:       &sliceBatcher{},
		Reference:   &sliceBatcher{batches: []LabeledBatch{solidBatch(2, 2, 4)}},
		NumClasses:  2,
		K:           3,
		Temperature: 0.07,
		Log:         slog.Default(),
	}
	if _, err := e.Evaluate(0); err == nil {
		t.Error("expected error for an empty query set")
	}
}
