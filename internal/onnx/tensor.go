package onnx

import (
	"fmt"
	"math"

	"github.com/example/go-xtts/internal/tensor"
)

type TensorDType string

const (
	DTypeFloat32 TensorDType = "float32"
	DTypeInt64   TensorDType = "int64"
)

// Tensor is a typed graph input/output: float32 or int64 data with an
// explicit shape. Instances are immutable once constructed.
type Tensor struct {
	dtype TensorDType
	shape []int64
	data  any
}

func NewTensor[T ~int64 | ~float32](data []T, shape []int64) (*Tensor, error) {
	dtype, err := dtypeFromSlice(data)
	if err != nil {
		return nil, err
	}
	if err := validateShapeAgainstData(shape, len(data)); err != nil {
		return nil, err
	}

	t := &Tensor{
		dtype: dtype,
		shape: append([]int64(nil), shape...),
	}
	switch dtype {
	case DTypeFloat32:
		converted := make([]float32, len(data))
		for i, v := range data {
			converted[i] = float32(v)
		}
		t.data = converted
	case DTypeInt64:
		converted := make([]int64, len(data))
		for i, v := range data {
			converted[i] = int64(v)
		}
		t.data = converted
	default:
		return nil, fmt.Errorf("unsupported tensor dtype %q", dtype)
	}
	return t, nil
}

func (t *Tensor) DType() TensorDType {
	return t.dtype
}

func (t *Tensor) Shape() []int64 {
	return append([]int64(nil), t.shape...)
}

func (t *Tensor) Data() any {
	switch v := t.data.(type) {
	case []float32:
		return append([]float32(nil), v...)
	case []int64:
		return append([]int64(nil), v...)
	default:
		return nil
	}
}

// Clone returns an independent copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		dtype: t.dtype,
		shape: append([]int64(nil), t.shape...),
		data:  t.Data(),
	}
}

// Float32 returns the backing float32 data, failing for other dtypes.
func (t *Tensor) Float32() ([]float32, error) {
	data, ok := t.data.([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %s", t.dtype)
	}
	return append([]float32(nil), data...), nil
}

// Int64 returns the backing int64 data, failing for other dtypes.
func (t *Tensor) Int64() ([]int64, error) {
	data, ok := t.data.([]int64)
	if !ok {
		return nil, fmt.Errorf("expected int64 tensor, got %s", t.dtype)
	}
	return append([]int64(nil), data...), nil
}

// FromTensor bridges an internal float32 tensor into a graph input.
func FromTensor(t *tensor.Tensor) (*Tensor, error) {
	return NewTensor(t.Data(), t.Shape())
}

// ToTensor bridges a float32 graph output into the internal tensor type.
func ToTensor(t *Tensor) (*tensor.Tensor, error) {
	data, err := t.Float32()
	if err != nil {
		return nil, err
	}
	return tensor.New(data, t.shape)
}

func dtypeFromSlice[T ~int64 | ~float32](data []T) (TensorDType, error) {
	var zero T
	switch any(zero).(type) {
	case int64:
		return DTypeInt64, nil
	case float32:
		return DTypeFloat32, nil
	default:
		return "", fmt.Errorf("unsupported tensor data type %T", zero)
	}
}

func validateShapeAgainstData(shape []int64, dataLen int) error {
	count, err := elementCount(shape)
	if err != nil {
		return err
	}
	if count != dataLen {
		return fmt.Errorf("shape %v expects %d elements, got %d", shape, count, dataLen)
	}
	return nil
}

func elementCount(shape []int64) (int, error) {
	if len(shape) == 0 {
		return 1, nil
	}
	count := int64(1)
	for i, dim := range shape {
		if dim < 1 {
			return 0, fmt.Errorf("shape[%d]=%d is not positive", i, dim)
		}
		if count > math.MaxInt64/dim {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}
		count *= dim
	}
	if count > int64(math.MaxInt) {
		return 0, fmt.Errorf("shape %v exceeds platform int capacity", shape)
	}
	return int(count), nil
}
