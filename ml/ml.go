// Package ml provides some fundamental machine learning primitives.
package ml

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"gorgonia.org/tensor"
)

// Tensors are a data structure to hold the input and output map of tensors, as well as
// provide helpful functions on them.
type Tensors map[string]*tensor.Dense

// TensorNames returns all the names of the tensors.
func TensorNames(t Tensors) []string {
	names := []string{}
	for name := range t {
		names = append(names, name)
	}
	return names
}

// NewFloat32Tensor builds a dense tensor of the given shape around the data slice. The
// data is used as the backing array, not copied.
func NewFloat32Tensor(shape []int, data []float32) (*tensor.Dense, error) {
	if len(data) != NumElements(shape) {
		return nil, errors.Errorf("%d data elements do not fit shape %v", len(data), shape)
	}
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

// number interface for converting between numbers.
type number interface {
	constraints.Integer | constraints.Float
}

// convertNumberSlice converts any number slice into another number slice.
func convertNumberSlice[T1, T2 number](t1 []T1) []T2 {
	t2 := make([]T2, len(t1))
	for i := range t1 {
		t2[i] = T2(t1[i])
	}
	return t2
}

// Float32Data returns the tensor's backing data as a []float32, converting from
// whatever numeric type the tensor holds.
func Float32Data(t *tensor.Dense) ([]float32, error) {
	switch v := t.Data().(type) {
	case []float32:
		return v, nil
	case float32:
		return []float32{v}, nil
	case []float64:
		return convertNumberSlice[float64, float32](v), nil
	case float64:
		return []float32{float32(v)}, nil
	case []int:
		return convertNumberSlice[int, float32](v), nil
	case []int8:
		return convertNumberSlice[int8, float32](v), nil
	case []int16:
		return convertNumberSlice[int16, float32](v), nil
	case []int32:
		return convertNumberSlice[int32, float32](v), nil
	case []int64:
		return convertNumberSlice[int64, float32](v), nil
	case []uint8:
		return convertNumberSlice[uint8, float32](v), nil
	case []uint16:
		return convertNumberSlice[uint16, float32](v), nil
	case []uint32:
		return convertNumberSlice[uint32, float32](v), nil
	case []uint64:
		return convertNumberSlice[uint64, float32](v), nil
	default:
		return nil, errors.Errorf("dont know how to convert %T into a []float32", t.Data())
	}
}

// Float64Data is Float32Data for []float64.
func Float64Data(t *tensor.Dense) ([]float64, error) {
	switch v := t.Data().(type) {
	case []float64:
		return v, nil
	case float64:
		return []float64{v}, nil
	case []float32:
		return convertNumberSlice[float32, float64](v), nil
	case float32:
		return []float64{float64(v)}, nil
	case []int:
		return convertNumberSlice[int, float64](v), nil
	case []int8:
		return convertNumberSlice[int8, float64](v), nil
	case []int16:
		return convertNumberSlice[int16, float64](v), nil
	case []int32:
		return convertNumberSlice[int32, float64](v), nil
	case []int64:
		return convertNumberSlice[int64, float64](v), nil
	case []uint8:
		return convertNumberSlice[uint8, float64](v), nil
	case []uint16:
		return convertNumberSlice[uint16, float64](v), nil
	case []uint32:
		return convertNumberSlice[uint32, float64](v), nil
	case []uint64:
		return convertNumberSlice[uint64, float64](v), nil
	default:
		return nil, errors.Errorf("dont know how to convert %T into a []float64", t.Data())
	}
}
