// Package tensor provides a dense, row-major float32 tensor with the small
// set of shape operations the inference pipeline needs. The heavy numeric
// work lives in the collaborator networks; latents and embeddings only need
// slicing, stacking and pooling here.
package tensor

import (
	"errors"
	"fmt"
)

// Tensor is a dense, row-major float32 tensor.
type Tensor struct {
	shape []int64
	data  []float32
}

// New creates a tensor from data and shape.
func New(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	return &Tensor{
		shape: append([]int64(nil), shape...),
		data:  append([]float32(nil), data...),
	}, nil
}

// Zeros creates a zero-initialized tensor.
func Zeros(shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	return &Tensor{
		shape: append([]int64(nil), shape...),
		data:  make([]float32, total),
	}, nil
}

// FromRows builds a [1, rows, cols] tensor from a row-major matrix. All rows
// must have equal length.
func FromRows(rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, errors.New("tensor: FromRows requires at least one row")
	}

	cols := len(rows[0])
	data := make([]float32, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("tensor: row %d has %d values, want %d", i, len(r), cols)
		}
		data = append(data, r...)
	}

	return New(data, []int64{1, int64(len(rows)), int64(cols)})
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}
	return append([]int64(nil), t.shape...)
}

// Data returns a copy of the underlying tensor data.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}
	return append([]float32(nil), t.data...)
}

// RawData returns the underlying data slice.
// Callers must treat it as read-only.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}
	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}
	return len(t.data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}
	dup, _ := New(t.data, t.shape)
	return dup
}

// Reshape returns a tensor with a new shape sharing the same values.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}
	if total != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.shape, len(t.data), shape, total)
	}

	return New(t.data, shape)
}

// Narrow slices the tensor along a single dimension. Unlike general strided
// views, only contiguous prefix dimensions are supported here: shapes are
// assumed row-major and the slice is materialized.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}
	if dim < 0 || dim >= len(t.shape) {
		return nil, fmt.Errorf("tensor: narrow dim %d out of range for rank %d", dim, len(t.shape))
	}
	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, t.shape[dim])
	}

	outer := int64(1)
	for _, s := range t.shape[:dim] {
		outer *= s
	}
	inner := int64(1)
	for _, s := range t.shape[dim+1:] {
		inner *= s
	}

	outShape := append([]int64(nil), t.shape...)
	outShape[dim] = length

	out := make([]float32, 0, outer*length*inner)
	srcDim := t.shape[dim]
	for o := int64(0); o < outer; o++ {
		base := o * srcDim * inner
		out = append(out, t.data[base+start*inner:base+(start+length)*inner]...)
	}

	return New(out, outShape)
}

// Concat concatenates tensors along dim. All shapes must agree except in dim.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	first := tensors[0]
	if first == nil {
		return nil, errors.New("tensor: concat tensor 0 is nil")
	}
	rank := len(first.shape)
	if dim < 0 || dim >= rank {
		return nil, fmt.Errorf("tensor: concat dim %d out of range for rank %d", dim, rank)
	}

	outShape := append([]int64(nil), first.shape...)
	outShape[dim] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}
		if len(t.shape) != rank {
			return nil, fmt.Errorf("tensor: concat tensor %d rank %d does not match rank %d", i, len(t.shape), rank)
		}
		for d := range rank {
			if d != dim && t.shape[d] != first.shape[d] {
				return nil, fmt.Errorf("tensor: concat tensor %d shape %v incompatible with %v along dim %d", i, t.shape, first.shape, dim)
			}
		}
		outShape[dim] += t.shape[dim]
	}

	outer := int64(1)
	for _, s := range first.shape[:dim] {
		outer *= s
	}
	inner := int64(1)
	for _, s := range first.shape[dim+1:] {
		inner *= s
	}

	total, _ := shapeElemCount(outShape)
	out := make([]float32, 0, total)
	for o := int64(0); o < outer; o++ {
		for _, t := range tensors {
			span := t.shape[dim] * inner
			out = append(out, t.data[o*span:(o+1)*span]...)
		}
	}

	return New(out, outShape)
}

// MeanStack averages tensors of identical shape element-wise. Used for
// multi-reference speaker-embedding pooling.
func MeanStack(tensors []*Tensor) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: mean of zero tensors")
	}

	first := tensors[0]
	acc := make([]float64, first.ElemCount())
	for i, t := range tensors {
		if t.ElemCount() != len(acc) {
			return nil, fmt.Errorf("tensor: mean tensor %d has %d elements, want %d", i, t.ElemCount(), len(acc))
		}
		for j, v := range t.data {
			acc[j] += float64(v)
		}
	}

	out := make([]float32, len(acc))
	n := float64(len(tensors))
	for j, v := range acc {
		out[j] = float32(v / n)
	}

	return New(out, first.shape)
}

func shapeElemCount(shape []int64) (int, error) {
	total := int64(1)
	for _, s := range shape {
		if s < 0 {
			return 0, fmt.Errorf("tensor: negative dimension %d in shape %v", s, shape)
		}
		total *= s
	}
	return int(total), nil
}
