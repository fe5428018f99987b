package augment

import (
	"fmt"
	"math/rand"

	"github.com/computationalpathologygroup/dino/tensor"
)

// RegionConfig controls the patch-grid crop geometry. Scales are fractions
// of the grid side, not of area.
type RegionConfig struct {
	GlobalScale float64
	LocalScale  float64
	LocalCrops  int
}

func DefaultRegionConfig() RegionConfig {
	return RegionConfig{GlobalScale: 0.75, LocalScale: 0.375, LocalCrops: 8}
}

// RegionAugmenter builds multi-crop views of a region represented as a grid
// of precomputed patch features rather than pixels. The input is [m, dim]
// with m a perfect square; it is viewed as a [dim, n, n] feature map and
// cropped spatially, with a random horizontal flip. No photometric ops apply
// to feature grids.
type RegionAugmenter struct {
	cfg RegionConfig
	rng *rand.Rand
}

func NewRegionAugmenter(cfg RegionConfig, rng *rand.Rand) *RegionAugmenter {
	return &RegionAugmenter{cfg: cfg, rng: rng}
}

// CropCount is the number of views per region.
func (a *RegionAugmenter) CropCount() int { return 2 + a.cfg.LocalCrops }

// Crops returns the ordered view list: two global crops then the locals,
// each [dim, s, s].
func (a *RegionAugmenter) Crops(features *tensor.Tensor) ([]*tensor.Tensor, error) {
	grid, n, err := toGrid(features)
	if err != nil {
		return nil, err
	}
	globalSide := scaledSide(n, a.cfg.GlobalScale)
	localSide := scaledSide(n, a.cfg.LocalScale)

	out := make([]*tensor.Tensor, 0, a.CropCount())
	for i := 0; i < 2; i++ {
		out = append(out, a.cropFlip(grid, n, globalSide))
	}
	for i := 0; i < a.cfg.LocalCrops; i++ {
		out = append(out, a.cropFlip(grid, n, localSide))
	}
	return out, nil
}

// toGrid reshapes [m, dim] row-major patch features into [dim, n, n] with
// n = sqrt(m).
func toGrid(features *tensor.Tensor) (*tensor.Tensor, int, error) {
	m := features.Rows()
	dim := features.Cols()
	n := 1
	for n*n < m {
		n++
	}
	if n*n != m {
		return nil, 0, fmt.Errorf("region has %d patches, not a square grid", m)
	}
	grid := tensor.New(dim, n, n)
	for p := 0; p < m; p++ {
		row := features.Row(p)
		for d := 0; d < dim; d++ {
			grid.Data[d*m+p] = row[d]
		}
	}
	return grid, n, nil
}

func scaledSide(n int, scale float64) int {
	s := int(float64(n)*scale + 0.5)
	if s < 1 {
		s = 1
	}
	if s > n {
		s = n
	}
	return s
}

// cropFlip takes one random s x s spatial crop of the [dim, n, n] grid and
// flips it horizontally with probability one half.
func (a *RegionAugmenter) cropFlip(grid *tensor.Tensor, n, s int) *tensor.Tensor {
	dim := grid.Shape[0]
	y0 := a.rng.Intn(n - s + 1)
	x0 := a.rng.Intn(n - s + 1)
	flip := a.rng.Float64() < 0.5

	out := tensor.New(dim, s, s)
	for d := 0; d < dim; d++ {
		src := grid.Data[d*n*n : (d+1)*n*n]
		dst := out.Data[d*s*s : (d+1)*s*s]
		for y := 0; y < s; y++ {
			for x := 0; x < s; x++ {
				sx := x0 + x
				if flip {
					sx = x0 + s - 1 - x
				}
				dst[y*s+x] = src[(y0+y)*n+sx]
			}
		}
	}
	return out
}
