package volume

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/slicewise/slicewise/ml"
)

// ToTensor views the volume as a rank 5 (N, C, D, H, W) tensor with singleton batch
// and channel axes. The tensor shares the volume's backing data.
func (v *Volume) ToTensor() *tensor.Dense {
	dims := v.Dims()
	return tensor.New(
		tensor.WithShape(1, 1, dims[0], dims[1], dims[2]),
		tensor.WithBacking(v.data),
	)
}

// FromTensor copies a rank 5 (1, 1, D, H, W) tensor into a new volume with the given
// spacing.
func FromTensor(t *tensor.Dense, spacing [3]float64) (*Volume, error) {
	shape := t.Shape()
	if len(shape) != 5 || shape[0] != 1 || shape[1] != 1 {
		return nil, errors.Errorf("expected a (1, 1, D, H, W) tensor, got shape %v", shape)
	}
	data, err := ml.Float32Data(t)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	copy(out, data)
	return NewVolumeFromData([3]int{shape[2], shape[3], shape[4]}, spacing, out)
}
