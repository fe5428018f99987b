// Package tensor provides the minimal dense float32 tensor used by the
// pretraining stack. Tensors are CPU-resident and row-major; matrix products
// are delegated to gonum's blas32 reference implementation.
//
// Shape errors are programmer errors, not runtime conditions, so operations
// panic on mismatched dimensions (gonum convention) rather than returning an
// error the caller cannot act on.
package tensor

import (
	"fmt"
	"math/rand"
)

// Tensor is a dense row-major float32 tensor.
type Tensor struct {
	Shape    []int
	Data     []float32
	NumElems int
}

// New creates a zero-filled tensor with the given shape.
func New(shape ...int) *Tensor {
	n := numElems(shape)
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Data:     make([]float32, n),
		NumElems: n,
	}
}

// FromSlice wraps an existing slice in a tensor. The slice is not copied.
func FromSlice(data []float32, shape ...int) *Tensor {
	n := numElems(shape)
	if n != len(data) {
		panic(fmt.Sprintf("tensor: data length %d does not match shape %v", len(data), shape))
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Data:     data,
		NumElems: n,
	}
}

// Randn creates a tensor with entries drawn from N(0, std^2) using the
// supplied source. Every component takes its randomness from an explicit
// *rand.Rand so runs are reproducible per process.
func Randn(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64() * std)
	}
	return t
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.Shape...)
	copy(c.Data, t.Data)
	return c
}

// Rows returns the leading dimension of a 2-D tensor.
func (t *Tensor) Rows() int {
	t.mustRank(2)
	return t.Shape[0]
}

// Cols returns the trailing dimension of a 2-D tensor.
func (t *Tensor) Cols() int {
	t.mustRank(2)
	return t.Shape[1]
}

// Row returns the i-th row of a 2-D tensor as a shared-storage slice.
func (t *Tensor) Row(i int) []float32 {
	cols := t.Cols()
	return t.Data[i*cols : (i+1)*cols]
}

// Reshape returns a view of the same storage with a new shape.
func (t *Tensor) Reshape(shape ...int) *Tensor {
	n := numElems(shape)
	if n != t.NumElems {
		panic(fmt.Sprintf("tensor: cannot reshape %v to %v", t.Shape, shape))
	}
	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Data:     t.Data,
		NumElems: n,
	}
}

func (t *Tensor) mustRank(r int) {
	if len(t.Shape) != r {
		panic(fmt.Sprintf("tensor: expected rank %d, have shape %v", r, t.Shape))
	}
}

func sameShape(a, b *Tensor) {
	if len(a.Shape) != len(b.Shape) {
		panic(fmt.Sprintf("tensor: shape mismatch %v vs %v", a.Shape, b.Shape))
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			panic(fmt.Sprintf("tensor: shape mismatch %v vs %v", a.Shape, b.Shape))
		}
	}
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			panic(fmt.Sprintf("tensor: invalid dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}
