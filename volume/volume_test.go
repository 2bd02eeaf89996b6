package volume

import (
	"path/filepath"
	"testing"

	"go.viam.com/test"
	"gorgonia.org/tensor"
)

func makeRamp(t *testing.T, dims [3]int) *Volume {
	t.Helper()
	vol, err := NewVolume(dims, [3]float64{1, 1, 1})
	test.That(t, err, test.ShouldBeNil)
	for i := range vol.Data() {
		vol.Data()[i] = float32(i)
	}
	return vol
}

func TestNewVolume(t *testing.T) {
	vol, err := NewVolume([3]int{2, 3, 4}, [3]float64{2.5, 1, 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vol.NumVoxels(), test.ShouldEqual, 24)
	test.That(t, vol.Spacing(), test.ShouldResemble, [3]float64{2.5, 1, 1})

	_, err = NewVolume([3]int{0, 3, 4}, [3]float64{1, 1, 1})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bad dims")

	// Non positive spacing gets replaced.
	vol, err = NewVolume([3]int{1, 1, 1}, [3]float64{0, -2, 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, vol.Spacing(), test.ShouldResemble, [3]float64{1, 1, 1})
}

func TestVolumeIndexing(t *testing.T) {
	vol := makeRamp(t, [3]int{2, 3, 4})
	// (d, h, w) walks the flat data plane major.
	test.That(t, vol.At(0, 0, 0), test.ShouldEqual, 0)
	test.That(t, vol.At(0, 0, 3), test.ShouldEqual, 3)
	test.That(t, vol.At(0, 1, 0), test.ShouldEqual, 4)
	test.That(t, vol.At(1, 0, 0), test.ShouldEqual, 12)
	test.That(t, vol.At(1, 2, 3), test.ShouldEqual, 23)

	vol.Set(1, 2, 3, -8)
	test.That(t, vol.At(1, 2, 3), test.ShouldEqual, -8)
}

func TestVolumeClone(t *testing.T) {
	vol := makeRamp(t, [3]int{1, 2, 2})
	clone := vol.Clone()
	clone.Set(0, 0, 0, 99)
	test.That(t, vol.At(0, 0, 0), test.ShouldEqual, 0)
	test.That(t, clone.At(0, 0, 0), test.ShouldEqual, 99)
}

func TestMinMax(t *testing.T) {
	vol := makeRamp(t, [3]int{2, 2, 2})
	vol.Set(1, 1, 1, -5)
	minV, maxV := vol.MinMax()
	test.That(t, minV, test.ShouldEqual, -5)
	test.That(t, maxV, test.ShouldEqual, 6)
}

func TestParseDispatch(t *testing.T) {
	dir := t.TempDir()

	vol := makeRamp(t, [3]int{2, 3, 4})
	niiPath := filepath.Join(dir, "scan.nii.gz")
	test.That(t, WriteToFile(niiPath, vol), test.ShouldBeNil)
	back, err := Parse(niiPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Dims(), test.ShouldResemble, vol.Dims())

	_, err = Parse(filepath.Join(dir, "scan.xyz"))
	test.That(t, err, test.ShouldNotBeNil)

	err = WriteToFile(filepath.Join(dir, "scan.xyz"), vol)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "do not know how to write")
}

func TestTensorRoundTrip(t *testing.T) {
	vol := makeRamp(t, [3]int{2, 3, 4})
	tt := vol.ToTensor()
	test.That(t, tt.Shape(), test.ShouldResemble, tensor.Shape{1, 1, 2, 3, 4})

	back, err := FromTensor(tt, vol.Spacing())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, back.Dims(), test.ShouldResemble, vol.Dims())
	test.That(t, back.Data(), test.ShouldResemble, vol.Data())

	// FromTensor copies; the original volume stays untouched.
	back.Set(0, 0, 0, 42)
	test.That(t, vol.At(0, 0, 0), test.ShouldEqual, 0)

	wrongShape := tensor.New(tensor.WithShape(2, 3, 4), tensor.WithBacking(make([]float32, 24)))
	_, err = FromTensor(wrongShape, vol.Spacing())
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "(1, 1, D, H, W)")
}
