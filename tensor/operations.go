package tensor

import (
	"math"
)

// Add returns a + b elementwise.
func Add(a, b *Tensor) *Tensor {
	sameShape(a, b)
	c := New(a.Shape...)
	for i := range c.Data {
		c.Data[i] = a.Data[i] + b.Data[i]
	}
	return c
}

// AddInPlace accumulates src into dst.
func AddInPlace(dst, src *Tensor) {
	sameShape(dst, src)
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
}

// Scale multiplies every element by s in place and returns the tensor.
func (t *Tensor) Scale(s float32) *Tensor {
	for i := range t.Data {
		t.Data[i] *= s
	}
	return t
}

// AddRowVec adds a length-Cols vector to every row of a 2-D tensor in place.
func (t *Tensor) AddRowVec(v []float32) *Tensor {
	cols := t.Cols()
	if len(v) != cols {
		panicShapes("AddRowVec", t, FromSlice(v, len(v)))
	}
	for r := 0; r < t.Shape[0]; r++ {
		row := t.Row(r)
		for c := range row {
			row[c] += v[c]
		}
	}
	return t
}

// SubRowVec subtracts a length-Cols vector from every row, into a new tensor.
func SubRowVec(t *Tensor, v []float32) *Tensor {
	cols := t.Cols()
	if len(v) != cols {
		panicShapes("SubRowVec", t, FromSlice(v, len(v)))
	}
	out := t.Clone()
	for r := 0; r < out.Shape[0]; r++ {
		row := out.Row(r)
		for c := range row {
			row[c] -= v[c]
		}
	}
	return out
}

// SoftmaxRows applies a numerically stable softmax with the given temperature
// to each row of a 2-D tensor, returning a new tensor.
func SoftmaxRows(t *Tensor, temperature float32) *Tensor {
	out := New(t.Shape...)
	rows, cols := t.Rows(), t.Cols()
	for r := 0; r < rows; r++ {
		in := t.Row(r)
		o := out.Data[r*cols : (r+1)*cols]
		maxv := in[0] / temperature
		for c := 1; c < cols; c++ {
			if v := in[c] / temperature; v > maxv {
				maxv = v
			}
		}
		var sum float64
		for c := 0; c < cols; c++ {
			e := math.Exp(float64(in[c]/temperature - maxv))
			o[c] = float32(e)
			sum += e
		}
		inv := float32(1 / sum)
		for c := 0; c < cols; c++ {
			o[c] *= inv
		}
	}
	return out
}

// LogSoftmaxRows applies log-softmax with the given temperature per row.
func LogSoftmaxRows(t *Tensor, temperature float32) *Tensor {
	out := New(t.Shape...)
	rows, cols := t.Rows(), t.Cols()
	for r := 0; r < rows; r++ {
		in := t.Row(r)
		o := out.Data[r*cols : (r+1)*cols]
		maxv := in[0] / temperature
		for c := 1; c < cols; c++ {
			if v := in[c] / temperature; v > maxv {
				maxv = v
			}
		}
		var sum float64
		for c := 0; c < cols; c++ {
			sum += math.Exp(float64(in[c]/temperature - maxv))
		}
		lse := float32(math.Log(sum)) + maxv
		for c := 0; c < cols; c++ {
			o[c] = in[c]/temperature - lse
		}
	}
	return out
}

// ColMean returns the per-column mean of a 2-D tensor.
func ColMean(t *Tensor) []float32 {
	rows, cols := t.Rows(), t.Cols()
	mean := make([]float64, cols)
	for r := 0; r < rows; r++ {
		row := t.Row(r)
		for c := 0; c < cols; c++ {
			mean[c] += float64(row[c])
		}
	}
	out := make([]float32, cols)
	inv := 1 / float64(rows)
	for c := 0; c < cols; c++ {
		out[c] = float32(mean[c] * inv)
	}
	return out
}

// L2NormalizeRows scales every row of a 2-D tensor to unit Euclidean norm,
// returning a new tensor. Zero rows are left untouched.
func L2NormalizeRows(t *Tensor) *Tensor {
	out := t.Clone()
	rows := out.Rows()
	for r := 0; r < rows; r++ {
		row := out.Row(r)
		var sq float64
		for _, v := range row {
			sq += float64(v) * float64(v)
		}
		if sq == 0 {
			continue
		}
		inv := float32(1 / math.Sqrt(sq))
		for c := range row {
			row[c] *= inv
		}
	}
	return out
}
