package ml

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// NumElements returns the number of elements a tensor of the given shape holds. An
// empty shape describes a scalar and has one element.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// ShapeEquals reports whether two shapes have the same rank and extents.
func ShapeEquals(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Squeeze returns a tensor with the given unit axis removed. The returned tensor
// shares the input's backing data. The extent at the axis must be 1.
func Squeeze(t *tensor.Dense, axis int) (*tensor.Dense, error) {
	shape := t.Shape()
	if axis < 0 || axis >= len(shape) {
		return nil, errors.Errorf("cannot squeeze axis %d of a rank %d tensor", axis, len(shape))
	}
	if shape[axis] != 1 {
		return nil, errors.Errorf("cannot squeeze axis %d of shape %v: extent is %d, not 1", axis, shape, shape[axis])
	}

	newShape := make([]int, 0, len(shape)-1)
	newShape = append(newShape, shape[:axis]...)
	newShape = append(newShape, shape[axis+1:]...)
	return tensor.New(tensor.WithShape(newShape...), tensor.WithBacking(t.Data())), nil
}

// Unsqueeze returns a tensor with a unit axis inserted at the given position. The
// returned tensor shares the input's backing data. The axis may range up to the rank
// of the input, which appends a trailing unit axis.
func Unsqueeze(t *tensor.Dense, axis int) (*tensor.Dense, error) {
	shape := t.Shape()
	if axis < 0 || axis > len(shape) {
		return nil, errors.Errorf("cannot insert axis %d into a rank %d tensor", axis, len(shape))
	}

	newShape := make([]int, 0, len(shape)+1)
	newShape = append(newShape, shape[:axis]...)
	newShape = append(newShape, 1)
	newShape = append(newShape, shape[axis:]...)
	return tensor.New(tensor.WithShape(newShape...), tensor.WithBacking(t.Data())), nil
}
