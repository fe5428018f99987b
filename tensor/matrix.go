package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(t *Tensor) blas32.General {
	return blas32.General{
		Rows:   t.Shape[0],
		Cols:   t.Shape[1],
		Stride: t.Shape[1],
		Data:   t.Data,
	}
}

// MatMul computes a[m,k] * b[k,n] into a new [m,n] tensor.
func MatMul(a, b *Tensor) *Tensor {
	a.mustRank(2)
	b.mustRank(2)
	if a.Shape[1] != b.Shape[0] {
		panicShapes("MatMul", a, b)
	}
	c := New(a.Shape[0], b.Shape[1])
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, general(a), general(b), 0, general(c))
	return c
}

// MatMulAT computes aᵀ[k,m] * b[k,n] into a new [m,n] tensor.
func MatMulAT(a, b *Tensor) *Tensor {
	a.mustRank(2)
	b.mustRank(2)
	if a.Shape[0] != b.Shape[0] {
		panicShapes("MatMulAT", a, b)
	}
	c := New(a.Shape[1], b.Shape[1])
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(a), general(b), 0, general(c))
	return c
}

// MatMulBT computes a[m,k] * bᵀ[n,k] into a new [m,n] tensor.
func MatMulBT(a, b *Tensor) *Tensor {
	a.mustRank(2)
	b.mustRank(2)
	if a.Shape[1] != b.Shape[1] {
		panicShapes("MatMulBT", a, b)
	}
	c := New(a.Shape[0], b.Shape[0])
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, general(a), general(b), 0, general(c))
	return c
}

// AccumMatMulAT adds aᵀ * b into dst, used for gradient accumulation.
func AccumMatMulAT(dst, a, b *Tensor) {
	a.mustRank(2)
	b.mustRank(2)
	dst.mustRank(2)
	if a.Shape[0] != b.Shape[0] || dst.Shape[0] != a.Shape[1] || dst.Shape[1] != b.Shape[1] {
		panicShapes("AccumMatMulAT", a, b)
	}
	blas32.Gemm(blas.Trans, blas.NoTrans, 1, general(a), general(b), 1, general(dst))
}

func panicShapes(op string, a, b *Tensor) {
	panic(fmt.Sprintf("tensor: %s shape mismatch %v vs %v", op, a.Shape, b.Shape))
}
