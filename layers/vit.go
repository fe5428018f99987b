package layers

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/computationalpathologygroup/dino/tensor"
)

// ArchSpec describes one backbone variant. The finite set of recognized
// architectures lives in an explicit registry so configuration errors are
// caught at parse time instead of at first forward pass.
type ArchSpec struct {
	Name     string
	EmbedDim int
	Depth    int
	Heads    int
	MLPRatio int
}

var archRegistry = map[string]ArchSpec{
	"vit_tiny":  {Name: "vit_tiny", EmbedDim: 192, Depth: 12, Heads: 3, MLPRatio: 4},
	"vit_small": {Name: "vit_small", EmbedDim: 384, Depth: 12, Heads: 6, MLPRatio: 4},
	"vit_base":  {Name: "vit_base", EmbedDim: 768, Depth: 12, Heads: 12, MLPRatio: 4},
}

// Arch resolves an architecture identifier against the registry.
func Arch(name string) (ArchSpec, error) {
	spec, ok := archRegistry[name]
	if !ok {
		return ArchSpec{}, fmt.Errorf("unknown architecture %q (known: %v)", name, ArchNames())
	}
	return spec, nil
}

// ArchNames returns the registered architecture identifiers in sorted order.
func ArchNames() []string {
	names := make([]string, 0, len(archRegistry))
	for name := range archRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Backbone is a transformer-style feature extractor over square pixel crops.
// Crops are split into non-overlapping patches, linearly embedded, tagged
// with fixed sinusoidal position encodings, run through pre-norm transformer
// blocks and mean-pooled into one feature vector per crop. Crops of different
// resolutions share all parameters; only the token count differs.
type Backbone struct {
	Spec       ArchSpec
	PatchSize  int
	patchEmbed *Linear
	blocks     []*Block
	norm       *LayerNorm
	posCache   map[int]*tensor.Tensor
}

func NewBackbone(rng *rand.Rand, spec ArchSpec, patchSize int, dropPathRate float64) *Backbone {
	patchDim := 3 * patchSize * patchSize
	b := &Backbone{
		Spec:       spec,
		PatchSize:  patchSize,
		patchEmbed: NewLinear(rng, "patch_embed", patchDim, spec.EmbedDim, true),
		norm:       NewLayerNorm("norm", spec.EmbedDim),
		posCache:   make(map[int]*tensor.Tensor),
	}
	for i := 0; i < spec.Depth; i++ {
		// Stochastic depth rate grows linearly with depth.
		rate := dropPathRate * float64(i) / float64(max(spec.Depth-1, 1))
		b.blocks = append(b.blocks, NewBlock(rng, fmt.Sprintf("blocks.%d", i), spec.EmbedDim, spec.Heads, spec.MLPRatio, rate))
	}
	return b
}

// EmbedDim returns the output feature dimension.
func (b *Backbone) EmbedDim() int { return b.Spec.EmbedDim }

func (b *Backbone) SetTraining(training bool) {
	for _, blk := range b.blocks {
		blk.SetTraining(training)
	}
}

// Forward consumes a [B, 3, S, S] crop batch and returns [B, D] features.
func (b *Backbone) Forward(x *tensor.Tensor) (*tensor.Tensor, Backward) {
	if len(x.Shape) != 4 || x.Shape[1] != 3 {
		panic(fmt.Sprintf("layers: backbone expects [B,3,S,S], got %v", x.Shape))
	}
	batch, size := x.Shape[0], x.Shape[2]
	if x.Shape[3] != size || size%b.PatchSize != 0 {
		panic(fmt.Sprintf("layers: crop size %dx%d not divisible by patch size %d", x.Shape[2], x.Shape[3], b.PatchSize))
	}
	grid := size / b.PatchSize
	tokens := grid * grid

	patches := b.patchify(x, batch, size, grid)
	emb, embBack := b.patchEmbed.Apply(patches)
	pos := b.positionEncoding(tokens)
	for bi := 0; bi < batch; bi++ {
		for t := 0; t < tokens; t++ {
			row := emb.Row(bi*tokens + t)
			p := pos.Row(t)
			for c := range row {
				row[c] += p[c]
			}
		}
	}

	h := emb.Reshape(batch, tokens, b.Spec.EmbedDim)
	backs := make([]Backward, len(b.blocks))
	for i, blk := range b.blocks {
		h, backs[i] = blk.Apply(h)
	}
	normed, normBack := b.norm.Apply(h.Reshape(batch*tokens, b.Spec.EmbedDim))

	features := tensor.New(batch, b.Spec.EmbedDim)
	invT := float32(1) / float32(tokens)
	for bi := 0; bi < batch; bi++ {
		out := features.Row(bi)
		for t := 0; t < tokens; t++ {
			row := normed.Row(bi*tokens + t)
			for c := range out {
				out[c] += row[c] * invT
			}
		}
	}

	return features, func(grad *tensor.Tensor) *tensor.Tensor {
		dNormed := tensor.New(batch*tokens, b.Spec.EmbedDim)
		for bi := 0; bi < batch; bi++ {
			g := grad.Row(bi)
			for t := 0; t < tokens; t++ {
				row := dNormed.Row(bi*tokens + t)
				for c := range row {
					row[c] = g[c] * invT
				}
			}
		}
		dh := normBack(dNormed).Reshape(batch, tokens, b.Spec.EmbedDim)
		for i := len(backs) - 1; i >= 0; i-- {
			dh = backs[i](dh)
		}
		// Position encodings are constant; the embedding gradient passes
		// straight through to the patch projection.
		return embBack(dh.Reshape(batch*tokens, b.Spec.EmbedDim))
	}
}

func (b *Backbone) Params() []*Parameter {
	ps := b.patchEmbed.Params()
	for _, blk := range b.blocks {
		ps = append(ps, blk.Params()...)
	}
	ps = append(ps, b.norm.Params()...)
	return ps
}

// patchify rearranges [B,3,S,S] pixels into [B*T, 3*p*p] patch rows.
func (b *Backbone) patchify(x *tensor.Tensor, batch, size, grid int) *tensor.Tensor {
	p := b.PatchSize
	tokens := grid * grid
	out := tensor.New(batch*tokens, 3*p*p)
	plane := size * size
	for bi := 0; bi < batch; bi++ {
		base := bi * 3 * plane
		for gy := 0; gy < grid; gy++ {
			for gx := 0; gx < grid; gx++ {
				row := out.Row(bi*tokens + gy*grid + gx)
				idx := 0
				for c := 0; c < 3; c++ {
					for py := 0; py < p; py++ {
						src := base + c*plane + (gy*p+py)*size + gx*p
						copy(row[idx:idx+p], x.Data[src:src+p])
						idx += p
					}
				}
			}
		}
	}
	return out
}

// positionEncoding returns the fixed sinusoidal encoding for a token count,
// cached per resolution so global and local crops reuse their tables.
func (b *Backbone) positionEncoding(tokens int) *tensor.Tensor {
	if cached, ok := b.posCache[tokens]; ok {
		return cached
	}
	dim := b.Spec.EmbedDim
	pos := tensor.New(tokens, dim)
	for t := 0; t < tokens; t++ {
		row := pos.Row(t)
		for i := 0; i < dim/2; i++ {
			freq := math.Pow(10000, -2*float64(i)/float64(dim))
			angle := float64(t) * freq
			row[2*i] = float32(math.Sin(angle))
			row[2*i+1] = float32(math.Cos(angle))
		}
	}
	b.posCache[tokens] = pos
	return pos
}
