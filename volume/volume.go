// Package volume holds 3D scalar volumes and readers and writers for the formats
// they commonly arrive in.
package volume

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// A Volume is a dense 3D scalar grid. Voxels are stored as float32 in plane major
// order, the depth axis varying slowest. Dims and spacing are ordered (D, H, W).
type Volume struct {
	dims    [3]int
	spacing [3]float64

	data []float32
}

// NewVolume allocates a zero filled volume. Spacing entries at or below zero become 1.
func NewVolume(dims [3]int, spacing [3]float64) (*Volume, error) {
	if err := checkDims(dims); err != nil {
		return nil, err
	}
	for i := range spacing {
		if spacing[i] <= 0 {
			spacing[i] = 1
		}
	}
	return &Volume{
		dims:    dims,
		spacing: spacing,
		data:    make([]float32, dims[0]*dims[1]*dims[2]),
	}, nil
}

// NewVolumeFromData wraps an existing voxel slice. The data is used as the backing
// array, not copied.
func NewVolumeFromData(dims [3]int, spacing [3]float64, data []float32) (*Volume, error) {
	vol, err := NewVolume(dims, spacing)
	if err != nil {
		return nil, err
	}
	if len(data) != vol.NumVoxels() {
		return nil, errors.Errorf("%d voxels do not fit dims %v", len(data), dims)
	}
	vol.data = data
	return vol, nil
}

func checkDims(dims [3]int) error {
	for _, d := range dims {
		if d <= 0 || d >= 100000 {
			return errors.Errorf("bad dims for volume %v", dims)
		}
	}
	return nil
}

func (v *Volume) Dims() [3]int {
	return v.dims
}

func (v *Volume) Spacing() [3]float64 {
	return v.spacing
}

func (v *Volume) Data() []float32 {
	return v.data
}

func (v *Volume) NumVoxels() int {
	return v.dims[0] * v.dims[1] * v.dims[2]
}

func (v *Volume) At(d, h, w int) float32 {
	return v.data[(d*v.dims[1]+h)*v.dims[2]+w]
}

func (v *Volume) Set(d, h, w int, val float32) {
	v.data[(d*v.dims[1]+h)*v.dims[2]+w] = val
}

// Clone deep copies the volume.
func (v *Volume) Clone() *Volume {
	data := make([]float32, len(v.data))
	copy(data, v.data)
	return &Volume{dims: v.dims, spacing: v.spacing, data: data}
}

// MinMax returns the smallest and largest voxel values.
func (v *Volume) MinMax() (float32, float32) {
	if len(v.data) == 0 {
		return 0, 0
	}
	minV, maxV := v.data[0], v.data[0]
	for _, val := range v.data {
		if val < minV {
			minV = val
		}
		if val > maxV {
			maxV = val
		}
	}
	return minV, maxV
}

// Parse reads a volume off disk, picking the format from the path. NIfTI files end in
// .nii or .nii.gz, anything that is a directory is read as an image stack.
func Parse(fn string) (*Volume, error) {
	info, err := os.Stat(fn)
	if err == nil && info.IsDir() {
		return ParseImageStack(fn)
	}
	switch {
	case strings.HasSuffix(fn, ".nii"), strings.HasSuffix(fn, ".nii.gz"):
		return ParseNIfTI(fn)
	}
	return nil, errors.Errorf("do not know how to read a volume from %s", fn)
}

// WriteToFile writes a volume, picking the format from the path the same way Parse
// does. Paths ending in a separator are written as image stacks.
func WriteToFile(fn string, v *Volume) error {
	switch {
	case strings.HasSuffix(fn, ".nii"), strings.HasSuffix(fn, ".nii.gz"):
		return WriteNIfTIToFile(fn, v)
	case strings.HasSuffix(fn, ".raw"), strings.HasSuffix(fn, ".raw.gz"):
		return WriteRawToFile(fn, v)
	case strings.HasSuffix(fn, string(filepath.Separator)):
		return WriteImageStack(fn, v)
	}
	if info, err := os.Stat(fn); err == nil && info.IsDir() {
		return WriteImageStack(fn, v)
	}
	return errors.Errorf("do not know how to write a volume to %s", fn)
}
