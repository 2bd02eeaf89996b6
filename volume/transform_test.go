package volume

import (
	"math"
	"testing"

	"go.viam.com/test"
)

func TestUnitScale(t *testing.T) {
	vol := makeRamp(t, [3]int{1, 2, 2})
	test.That(t, Apply(vol, NewUnitScale()), test.ShouldBeNil)
	test.That(t, vol.At(0, 0, 0), test.ShouldEqual, 0)
	test.That(t, vol.At(0, 1, 1), test.ShouldEqual, 1)
	test.That(t, vol.At(0, 0, 1), test.ShouldAlmostEqual, 1.0/3.0, 1e-6)

	// A flat volume has no range to scale.
	flat, err := NewVolume([3]int{1, 1, 4}, [3]float64{1, 1, 1})
	test.That(t, err, test.ShouldBeNil)
	for i := range flat.Data() {
		flat.Data()[i] = 7
	}
	test.That(t, Apply(flat, NewUnitScale()), test.ShouldBeNil)
	test.That(t, flat.Data(), test.ShouldResemble, []float32{0, 0, 0, 0})
}

func TestIntensityRange(t *testing.T) {
	vol := makeRamp(t, [3]int{1, 1, 4})
	test.That(t, Apply(vol, NewIntensityRange(0, 3, 0, 300, false)), test.ShouldBeNil)
	test.That(t, vol.Data(), test.ShouldResemble, []float32{0, 100, 200, 300})

	err := Apply(vol, NewIntensityRange(5, 5, 0, 1, false))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bad intensity input range")
}

func TestIntensityRangeClips(t *testing.T) {
	vol := makeRamp(t, [3]int{1, 1, 4})
	// Input range narrower than the data; clipping pins the ends.
	test.That(t, Apply(vol, NewIntensityRange(1, 2, 0, 1, true)), test.ShouldBeNil)
	test.That(t, vol.Data(), test.ShouldResemble, []float32{0, 0, 1, 1})
}

func TestPercentileClip(t *testing.T) {
	vol := makeRamp(t, [3]int{1, 1, 10})
	vol.Set(0, 0, 9, 1000)
	test.That(t, Apply(vol, NewPercentileClip(0, 90)), test.ShouldBeNil)
	_, maxV := vol.MinMax()
	test.That(t, maxV, test.ShouldBeLessThan, 1000)

	err := Apply(vol, NewPercentileClip(60, 40))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "bad percentile range")
}

func TestZScore(t *testing.T) {
	vol := makeRamp(t, [3]int{1, 1, 5})
	test.That(t, Apply(vol, NewZScore()), test.ShouldBeNil)

	var sum float64
	for _, v := range vol.Data() {
		sum += float64(v)
	}
	test.That(t, sum/5, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, vol.At(0, 0, 0), test.ShouldBeLessThan, 0)
	test.That(t, vol.At(0, 0, 4), test.ShouldBeGreaterThan, 0)
}

func TestApplyOrder(t *testing.T) {
	vol := makeRamp(t, [3]int{1, 1, 4})
	// Unit scale then range expansion compose left to right.
	test.That(t, Apply(vol, NewUnitScale(), NewIntensityRange(0, 1, 0, 10, false)), test.ShouldBeNil)
	test.That(t, vol.At(0, 0, 3), test.ShouldEqual, 10)
}

func TestResamplePlane(t *testing.T) {
	// Identity when extents match.
	src := []float32{1, 2, 3, 4}
	out := ResamplePlane(src, 2, 2, 2, 2)
	test.That(t, out, test.ShouldResemble, src)

	// Upsampling a constant plane stays constant.
	flat := []float32{5, 5, 5, 5}
	up := ResamplePlane(flat, 2, 2, 4, 4)
	test.That(t, up, test.ShouldHaveLength, 16)
	for _, v := range up {
		test.That(t, v, test.ShouldAlmostEqual, 5, 1e-6)
	}

	// Downsampling averages neighbors.
	ramp := []float32{0, 1, 2, 3}
	down := ResamplePlane(ramp, 1, 4, 1, 2)
	test.That(t, down, test.ShouldHaveLength, 2)
	test.That(t, float64(down[0]), test.ShouldBeLessThan, float64(down[1]))

	// Values stay finite on degenerate extents.
	test.That(t, math.IsNaN(float64(ResamplePlane(nil, 0, 0, 1, 1)[0])), test.ShouldBeFalse)
}
