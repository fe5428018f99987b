package tune

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/computationalpathologygroup/dino/tensor"
)

// FeatureExtractor produces backbone features for a batch of images.
type FeatureExtractor interface {
	Features(images *tensor.Tensor) *tensor.Tensor
}

// LabeledBatch is one evaluation batch: images [B,3,S,S] with class labels.
type LabeledBatch struct {
	Images *tensor.Tensor
	Labels []int
}

// LabeledBatcher yields the evaluation batches of one labeled set.
type LabeledBatcher interface {
	Batches() <-chan LabeledBatch
}

// Evaluator scores the frozen teacher backbone with a weighted kNN
// classifier: query-set features are classified against reference-set
// features by cosine similarity. Runs on the coordinating process only.
type Evaluator struct {
	Net         FeatureExtractor
	Query       LabeledBatcher
	Reference   LabeledBatcher
	NumClasses  int
	K           int
	Temperature float64
	FeatureDir  string // when set, per-epoch feature matrices are written here
	Log         *slog.Logger
}

// Evaluate extracts features for both sets and returns the kNN accuracy.
func (e *Evaluator) Evaluate(epoch int) (float64, error) {
	queryFeats, queryLabels, err := e.extract(e.Query)
	if err != nil {
		return 0, fmt.Errorf("query features: %w", err)
	}
	refFeats, refLabels, err := e.extract(e.Reference)
	if err != nil {
		return 0, fmt.Errorf("reference features: %w", err)
	}

	if e.FeatureDir != "" {
		if err := e.saveFeatures(epoch, queryFeats, refFeats); err != nil {
			return 0, err
		}
	}

	acc := KNNAccuracy(queryFeats, refFeats, queryLabels, refLabels, e.K, e.Temperature, e.NumClasses)
	e.Log.Info("knn evaluation", "epoch", epoch, "accuracy", acc,
		"query", queryFeats.Rows(), "reference", refFeats.Rows(), "k", e.K)
	return acc, nil
}

// extract runs the backbone over every batch of one set and returns the
// L2-normalized feature matrix with labels.
func (e *Evaluator) extract(loader LabeledBatcher) (*tensor.Tensor, []int, error) {
	var chunks []*tensor.Tensor
	var labels []int
	rows, dim := 0, 0
	for batch := range loader.Batches() {
		feat := e.Net.Features(batch.Images)
		chunks = append(chunks, feat)
		labels = append(labels, batch.Labels...)
		rows += feat.Rows()
		dim = feat.Cols()
	}
	if rows == 0 {
		return nil, nil, fmt.Errorf("evaluation set produced no batches")
	}

	out := tensor.New(rows, dim)
	offset := 0
	for _, c := range chunks {
		copy(out.Data[offset:], c.Data)
		offset += len(c.Data)
	}
	return tensor.L2NormalizeRows(out), labels, nil
}

func (e *Evaluator) saveFeatures(epoch int, query, reference *tensor.Tensor) error {
	pairs := []struct {
		name string
		t    *tensor.Tensor
	}{
		{fmt.Sprintf("query_epoch_%03d.f16", epoch), query},
		{fmt.Sprintf("reference_epoch_%03d.f16", epoch), reference},
	}
	for _, p := range pairs {
		path := filepath.Join(e.FeatureDir, p.name)
		if err := WriteFeatures(path, p.t); err != nil {
			return fmt.Errorf("save %s: %w", p.name, err)
		}
	}
	return nil
}
