package layers

import (
	"math/rand"

	"github.com/computationalpathologygroup/dino/tensor"
)

// Block is a pre-norm transformer block: x + drop(attn(ln(x))) followed by
// x + drop(mlp(ln(x))). Stochastic depth drops a residual branch per sample
// with probability dropPath during training, scaling survivors by 1/(1-p).
type Block struct {
	norm1    *LayerNorm
	attn     *Attention
	norm2    *LayerNorm
	mlp      *Sequential
	dropPath float64
	rng      *rand.Rand
	training bool
}

func NewBlock(rng *rand.Rand, name string, dim, heads, mlpRatio int, dropPath float64) *Block {
	hidden := dim * mlpRatio
	return &Block{
		norm1: NewLayerNorm(name+".norm1", dim),
		attn:  NewAttention(rng, name+".attn", dim, heads),
		norm2: NewLayerNorm(name+".norm2", dim),
		mlp: NewSequential(
			NewLinear(rng, name+".mlp.fc1", dim, hidden, true),
			GELU{},
			NewLinear(rng, name+".mlp.fc2", hidden, dim, true),
		),
		dropPath: dropPath,
		rng:      rng,
		training: true,
	}
}

func (b *Block) SetTraining(training bool) { b.training = training }

// branchMask returns the per-sample stochastic depth mask, or nil when the
// branch is kept everywhere.
func (b *Block) branchMask(batch int) []float32 {
	if !b.training || b.dropPath <= 0 {
		return nil
	}
	keep := float32(1 / (1 - b.dropPath))
	mask := make([]float32, batch)
	for i := range mask {
		if b.rng.Float64() >= b.dropPath {
			mask[i] = keep
		}
	}
	return mask
}

func applyMask(branch *tensor.Tensor, mask []float32, batch, tokens, dim int) {
	if mask == nil {
		return
	}
	for bi := 0; bi < batch; bi++ {
		m := mask[bi]
		rows := branch.Data[bi*tokens*dim : (bi+1)*tokens*dim]
		for i := range rows {
			rows[i] *= m
		}
	}
}

// Apply consumes and produces [B, T, D] tensors.
func (b *Block) Apply(x *tensor.Tensor) (*tensor.Tensor, Backward) {
	batch, tokens, dim := x.Shape[0], x.Shape[1], x.Shape[2]

	n1, n1Back := b.norm1.Apply(x.Reshape(batch*tokens, dim))
	attnOut, attnBack := b.attn.Apply(n1.Reshape(batch, tokens, dim))
	mask1 := b.branchMask(batch)
	applyMask(attnOut, mask1, batch, tokens, dim)
	y1 := tensor.Add(x, attnOut)

	n2, n2Back := b.norm2.Apply(y1.Reshape(batch*tokens, dim))
	mlpOut, mlpBack := b.mlp.Apply(n2)
	mlpOut = mlpOut.Reshape(batch, tokens, dim)
	mask2 := b.branchMask(batch)
	applyMask(mlpOut, mask2, batch, tokens, dim)
	y2 := tensor.Add(y1, mlpOut)

	return y2, func(grad *tensor.Tensor) *tensor.Tensor {
		dBranch2 := grad.Clone()
		applyMask(dBranch2, mask2, batch, tokens, dim)
		dn2 := mlpBack(dBranch2.Reshape(batch*tokens, dim))
		dy1 := n2Back(dn2).Reshape(batch, tokens, dim)
		tensor.AddInPlace(dy1, grad)

		dBranch1 := dy1.Clone()
		applyMask(dBranch1, mask1, batch, tokens, dim)
		dn1 := attnBack(dBranch1)
		dx := n1Back(dn1.Reshape(batch*tokens, dim)).Reshape(batch, tokens, dim)
		tensor.AddInPlace(dx, dy1)
		return dx
	}
}

func (b *Block) Params() []*Parameter {
	var ps []*Parameter
	ps = append(ps, b.norm1.Params()...)
	ps = append(ps, b.attn.Params()...)
	ps = append(ps, b.norm2.Params()...)
	ps = append(ps, b.mlp.Params()...)
	return ps
}
