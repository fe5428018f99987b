// Package dataloader turns datasets into batch streams: shuffled, sharded
// multi-crop batches for training and sequential labeled batches for
// tuning-time evaluation. Decoding and augmentation run on a prefetch worker
// pool so the training loop never waits on image I/O.
package dataloader

import (
	"fmt"
	"math/rand"

	"golang.org/x/sync/errgroup"

	"github.com/computationalpathologygroup/dino/tensor"
	"github.com/computationalpathologygroup/dino/training"
	"github.com/computationalpathologygroup/dino/tune"
	"github.com/computationalpathologygroup/dino/vision/augment"
	"github.com/computationalpathologygroup/dino/vision/dataset"
)

// Config controls batching and sharding for the training loader.
type Config struct {
	BatchSize int
	Workers   int
	Seed      int64
	Rank      int
	WorldSize int
}

// Loader is the training batch source. Each epoch the full dataset is
// reshuffled with a seed derived from the base seed and the epoch number, so
// the permutation is identical on every process, then split rank-strided
// across the group. The trailing partial batch is dropped so every process
// runs the same number of steps.
type Loader struct {
	ds     *dataset.PatchDataset
	augCfg augment.Config
	cfg    Config

	err error
}

func NewLoader(ds *dataset.PatchDataset, augCfg augment.Config, cfg Config) (*Loader, error) {
	if cfg.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.WorldSize < 1 {
		cfg.WorldSize = 1
	}
	l := &Loader{ds: ds, augCfg: augCfg, cfg: cfg}
	if l.Steps() == 0 {
		return nil, fmt.Errorf("dataset shard too small: %d samples per process, batch size %d",
			l.shardLen(), cfg.BatchSize)
	}
	return l, nil
}

func (l *Loader) shardLen() int {
	n := l.ds.Len() / l.cfg.WorldSize
	if l.cfg.Rank < l.ds.Len()%l.cfg.WorldSize {
		n++
	}
	return n
}

// Steps is the per-epoch step count, constant across epochs and ranks.
func (l *Loader) Steps() int {
	// Use the smallest shard so all ranks agree even when the dataset does
	// not divide evenly.
	return (l.ds.Len() / l.cfg.WorldSize) / l.cfg.BatchSize
}

// Err reports the first decode failure of the most recent epoch. The batch
// channel closes early on failure; the caller must check Err afterwards.
func (l *Loader) Err() error { return l.err }

// epochIndices returns this rank's shard of the epoch permutation.
func (l *Loader) epochIndices(epoch int) []int {
	rng := rand.New(rand.NewSource(l.cfg.Seed + int64(epoch)))
	perm := rng.Perm(l.ds.Len())
	shard := make([]int, 0, l.shardLen())
	for i := l.cfg.Rank; i < len(perm); i += l.cfg.WorldSize {
		shard = append(shard, perm[i])
	}
	return shard
}

type loadResult struct {
	batch training.CropBatch
	err   error
}

// Batches streams the epoch's batches in order. Workers build whole batches
// in parallel; results are reassembled in sequence.
func (l *Loader) Batches(epoch int) <-chan training.CropBatch {
	out := make(chan training.CropBatch, l.cfg.Workers)
	l.err = nil

	go func() {
		defer close(out)
		indices := l.epochIndices(epoch)
		steps := l.Steps()
		bs := l.cfg.BatchSize

		results := make([]chan loadResult, steps)
		for i := range results {
			results[i] = make(chan loadResult, 1)
		}

		var g errgroup.Group
		for w := 0; w < l.cfg.Workers; w++ {
			worker := w
			rng := rand.New(rand.NewSource(l.cfg.Seed<<20 ^ int64(epoch)<<8 ^ int64(l.cfg.Rank)<<4 ^ int64(worker)))
			aug := augment.NewPatchAugmenter(l.augCfg, rng)
			g.Go(func() error {
				for b := worker; b < steps; b += l.cfg.Workers {
					batch, err := l.buildBatch(indices[b*bs:(b+1)*bs], aug)
					results[b] <- loadResult{batch: batch, err: err}
					if err != nil {
						return err
					}
				}
				return nil
			})
		}
		go func() { _ = g.Wait() }()

		for b := 0; b < steps; b++ {
			res := <-results[b]
			if res.err != nil {
				l.err = res.err
				return
			}
			out <- res.batch
		}
	}()
	return out
}

// buildBatch decodes and augments one batch of samples, stacking the crop
// views into [batch, 3, S, S] tensors in crop order.
func (l *Loader) buildBatch(sampleIdx []int, aug *augment.PatchAugmenter) (training.CropBatch, error) {
	bs := len(sampleIdx)
	crops := make([]*tensor.Tensor, aug.CropCount())

	for b, idx := range sampleIdx {
		img, err := l.ds.Image(idx)
		if err != nil {
			return training.CropBatch{}, fmt.Errorf("load sample %d: %w", idx, err)
		}
		views := aug.Crops(img)
		for c, view := range views {
			if crops[c] == nil {
				s := view.Shape[1]
				crops[c] = tensor.New(bs, 3, s, s)
			}
			copy(crops[c].Data[b*view.NumElems:], view.Data)
		}
	}
	return training.CropBatch{Crops: crops}, nil
}

// EvalLoader batches a labeled dataset sequentially for kNN evaluation,
// applying the deterministic resize-and-normalize transform.
type EvalLoader struct {
	ds        *dataset.ImageFolder
	size      int
	batchSize int
}

func NewEvalLoader(ds *dataset.ImageFolder, imageSize, batchSize int) *EvalLoader {
	if batchSize < 1 {
		batchSize = 1
	}
	return &EvalLoader{ds: ds, size: imageSize, batchSize: batchSize}
}

// NumClasses returns the labeled class count.
func (l *EvalLoader) NumClasses() int { return len(l.ds.Classes()) }

// Batches streams the dataset in order. A decode failure skips the sample.
func (l *EvalLoader) Batches() <-chan tune.LabeledBatch {
	out := make(chan tune.LabeledBatch, 1)
	go func() {
		defer close(out)
		for start := 0; start < l.ds.Len(); start += l.batchSize {
			end := start + l.batchSize
			if end > l.ds.Len() {
				end = l.ds.Len()
			}
			var images []*tensor.Tensor
			var labels []int
			for i := start; i < end; i++ {
				img, label, err := l.ds.Sample(i)
				if err != nil {
					continue
				}
				images = append(images, augment.EvalTransform(img, l.size))
				labels = append(labels, label)
			}
			if len(images) == 0 {
				continue
			}
			stacked := tensor.New(len(images), 3, l.size, l.size)
			for b, img := range images {
				copy(stacked.Data[b*img.NumElems:], img.Data)
			}
			out <- tune.LabeledBatch{Images: stacked, Labels: labels}
		}
	}()
	return out
}
