// Package tune evaluates the frozen teacher backbone during pretraining and
// decides when to stop. Evaluation is a weighted k-nearest-neighbor
// classification over backbone features; results feed an early-stopping
// state machine and are persisted to a per-run sqlite database.
package tune

import (
	"math"
	"sort"

	"github.com/computationalpathologygroup/dino/tensor"
)

// KNNAccuracy classifies each query row against the reference rows with a
// weighted kNN vote and returns the fraction classified correctly. Rows must
// be L2-normalized so the matrix product is cosine similarity. Votes are
// weighted exp(sim/temperature) over the top k neighbors.
func KNNAccuracy(query, reference *tensor.Tensor, queryLabels, refLabels []int, k int, temperature float64, numClasses int) float64 {
	nq := query.Rows()
	nr := reference.Rows()
	if nq == 0 || nr == 0 {
		return 0
	}
	if k > nr {
		k = nr
	}

	// The query and reference folders may disagree on their class lists;
	// size the vote table to cover every label actually present.
	classes := numClasses
	for _, l := range refLabels {
		if l+1 > classes {
			classes = l + 1
		}
	}
	for _, l := range queryLabels {
		if l+1 > classes {
			classes = l + 1
		}
	}

	sims := tensor.MatMulBT(query, reference)
	votes := make([]float64, classes)
	type neighbor struct {
		sim   float32
		label int
	}
	neighbors := make([]neighbor, nr)

	correct := 0
	for q := 0; q < nq; q++ {
		row := sims.Row(q)
		for r := 0; r < nr; r++ {
			neighbors[r] = neighbor{sim: row[r], label: refLabels[r]}
		}
		sort.Slice(neighbors, func(i, j int) bool { return neighbors[i].sim > neighbors[j].sim })

		for c := range votes {
			votes[c] = 0
		}
		for _, n := range neighbors[:k] {
			votes[n.label] += math.Exp(float64(n.sim) / temperature)
		}
		pred := 0
		for c := 1; c < len(votes); c++ {
			if votes[c] > votes[pred] {
				pred = c
			}
		}
		if pred == queryLabels[q] {
			correct++
		}
	}
	return float64(correct) / float64(nq)
}
