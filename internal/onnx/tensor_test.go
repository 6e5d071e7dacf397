package onnx

import (
	"testing"

	"github.com/example/go-xtts/internal/tensor"
)

func TestNewTensor(t *testing.T) {
	t.Run("float32", func(t *testing.T) {
		got, err := NewTensor([]float32{1, 2, 3, 4}, []int64{2, 2})
		if err != nil {
			t.Fatalf("NewTensor: %v", err)
		}
		if got.DType() != DTypeFloat32 {
			t.Errorf("dtype = %s, want float32", got.DType())
		}
		data, err := got.Float32()
		if err != nil || len(data) != 4 || data[3] != 4 {
			t.Errorf("Float32() = %v, %v", data, err)
		}
		if _, err := got.Int64(); err == nil {
			t.Error("Int64() on a float32 tensor must fail")
		}
	})

	t.Run("int64", func(t *testing.T) {
		got, err := NewTensor([]int64{7, 8}, []int64{1, 2})
		if err != nil {
			t.Fatalf("NewTensor: %v", err)
		}
		if got.DType() != DTypeInt64 {
			t.Errorf("dtype = %s, want int64", got.DType())
		}
		data, err := got.Int64()
		if err != nil || data[0] != 7 || data[1] != 8 {
			t.Errorf("Int64() = %v, %v", data, err)
		}
		if _, err := got.Float32(); err == nil {
			t.Error("Float32() on an int64 tensor must fail")
		}
	})

	t.Run("scalar shape holds one element", func(t *testing.T) {
		if _, err := NewTensor([]int64{42}, nil); err != nil {
			t.Errorf("scalar tensor: %v", err)
		}
	})

	t.Run("shape mismatch", func(t *testing.T) {
		if _, err := NewTensor([]float32{1, 2, 3}, []int64{2, 2}); err == nil {
			t.Error("want error for 3 elements against shape [2 2]")
		}
	})

	t.Run("non-positive dim", func(t *testing.T) {
		if _, err := NewTensor([]float32{}, []int64{1, 0}); err == nil {
			t.Error("want error for zero dimension")
		}
	})
}

func TestTensor_copiesOut(t *testing.T) {
	src := []float32{1, 2}
	got, err := NewTensor(src, []int64{2})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	src[0] = 99
	data, _ := got.Float32()
	if data[0] != 1 {
		t.Error("constructor aliased caller data")
	}

	data[1] = 99
	again, _ := got.Float32()
	if again[1] != 2 {
		t.Error("Float32 exposed backing storage")
	}

	shape := got.Shape()
	shape[0] = 99
	if got.Shape()[0] != 2 {
		t.Error("Shape exposed backing storage")
	}
}

func TestTensor_Clone(t *testing.T) {
	orig, err := NewTensor([]int64{1, 2, 3}, []int64{3})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}

	clone := orig.Clone()
	cloneData := clone.Data().([]int64)
	cloneData[0] = 99

	origData, _ := orig.Int64()
	if origData[0] != 1 {
		t.Error("Clone shares data with the original")
	}
	if clone.DType() != DTypeInt64 {
		t.Errorf("clone dtype = %s", clone.DType())
	}
}

func TestFromToTensor(t *testing.T) {
	internal, err := tensor.New([]float32{1, 2, 3, 4, 5, 6}, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}

	bridged, err := FromTensor(internal)
	if err != nil {
		t.Fatalf("FromTensor: %v", err)
	}
	if bridged.DType() != DTypeFloat32 {
		t.Errorf("dtype = %s", bridged.DType())
	}

	back, err := ToTensor(bridged)
	if err != nil {
		t.Fatalf("ToTensor: %v", err)
	}

	if s := back.Shape(); s[0] != 1 || s[1] != 2 || s[2] != 3 {
		t.Errorf("round-trip shape = %v", s)
	}
	for i, v := range back.Data() {
		if v != float32(i+1) {
			t.Errorf("round-trip data[%d] = %f", i, v)
		}
	}
}

func TestToTensor_rejectsInt64(t *testing.T) {
	ints, err := NewTensor([]int64{1}, []int64{1})
	if err != nil {
		t.Fatalf("NewTensor: %v", err)
	}
	if _, err := ToTensor(ints); err == nil {
		t.Error("ToTensor must reject int64 tensors")
	}
}
