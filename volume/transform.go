package volume

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/slicewise/slicewise/utils"
)

// Transform modifies a volume's intensities in place.
type Transform func(v *Volume) error

// Apply runs the transforms on the volume in order.
func Apply(v *Volume, transforms ...Transform) error {
	for _, transform := range transforms {
		if err := transform(v); err != nil {
			return err
		}
	}
	return nil
}

// NewUnitScale returns a transform that rescales the volume to [0, 1]. A flat volume
// becomes all zero.
func NewUnitScale() Transform {
	return func(v *Volume) error {
		minV, maxV := v.MinMax()
		if maxV <= minV {
			for i := range v.data {
				v.data[i] = 0
			}
			return nil
		}
		scale := 1 / (maxV - minV)
		applyParallel(v.data, func(val float32) float32 {
			return (val - minV) * scale
		})
		return nil
	}
}

// NewIntensityRange returns a transform that maps [inMin, inMax] onto
// [outMin, outMax]. When clip is set, values outside the output range are clamped.
func NewIntensityRange(inMin, inMax, outMin, outMax float64, clip bool) Transform {
	return func(v *Volume) error {
		if inMax <= inMin {
			return errors.Errorf("bad intensity input range [%v, %v]", inMin, inMax)
		}
		scale := (outMax - outMin) / (inMax - inMin)
		applyParallel(v.data, func(val float32) float32 {
			out := (float64(val)-inMin)*scale + outMin
			if clip {
				out = utils.Clamp(out, outMin, outMax)
			}
			return float32(out)
		})
		return nil
	}
}

// NewPercentileClip returns a transform that clamps intensities to the lo and hi
// percentiles, given in [0, 100].
func NewPercentileClip(lo, hi float64) Transform {
	return func(v *Volume) error {
		if lo < 0 || hi > 100 || lo >= hi {
			return errors.Errorf("bad percentile range [%v, %v]", lo, hi)
		}
		sorted := float64Data(v.data)
		sort.Float64s(sorted)
		lower := stat.Quantile(lo/100, stat.Empirical, sorted, nil)
		upper := stat.Quantile(hi/100, stat.Empirical, sorted, nil)
		applyParallel(v.data, func(val float32) float32 {
			return float32(utils.Clamp(float64(val), lower, upper))
		})
		return nil
	}
}

// NewZScore returns a transform that centers the volume on its mean and divides by
// its standard deviation.
func NewZScore() Transform {
	return func(v *Volume) error {
		mean, std := stat.MeanStdDev(float64Data(v.data), nil)
		if std == 0 {
			std = 1
		}
		applyParallel(v.data, func(val float32) float32 {
			return float32((float64(val) - mean) / std)
		})
		return nil
	}
}

func float64Data(data []float32) []float64 {
	out := make([]float64, len(data))
	for i, v := range data {
		out[i] = float64(v)
	}
	return out
}

// applyParallel maps f over the data, fanning the work out over worker groups.
func applyParallel(data []float32, f func(float32) float32) {
	//nolint:errcheck
	utils.GroupWorkParallel(
		context.Background(),
		len(data),
		func(groupSize int) {},
		func(groupNum, groupSize, from, to int) (utils.MemberWorkFunc, utils.GroupWorkDoneFunc) {
			return func(memberNum, workNum int) {
				data[workNum] = f(data[workNum])
			}, nil
		},
	)
}

// ResamplePlane bilinearly resamples an h by w plane of float32 values to outH by
// outW. Image resamplers work on 8 bit pixels, which would quantize score planes, so
// this stays in float.
func ResamplePlane(src []float32, h, w, outH, outW int) []float32 {
	out := make([]float32, outH*outW)
	if h <= 0 || w <= 0 || outH <= 0 || outW <= 0 {
		return out
	}
	if h == outH && w == outW {
		copy(out, src)
		return out
	}

	scaleY := float64(h) / float64(outH)
	scaleX := float64(w) / float64(outW)
	for y := 0; y < outH; y++ {
		srcY := (float64(y)+0.5)*scaleY - 0.5
		y0 := int(srcY)
		if srcY < 0 {
			srcY, y0 = 0, 0
		}
		y1 := utils.MinInt(y0+1, h-1)
		fy := float32(srcY - float64(y0))
		for x := 0; x < outW; x++ {
			srcX := (float64(x)+0.5)*scaleX - 0.5
			x0 := int(srcX)
			if srcX < 0 {
				srcX, x0 = 0, 0
			}
			x1 := utils.MinInt(x0+1, w-1)
			fx := float32(srcX - float64(x0))

			top := src[y0*w+x0]*(1-fx) + src[y0*w+x1]*fx
			bottom := src[y1*w+x0]*(1-fx) + src[y1*w+x1]*fx
			out[y*outW+x] = top*(1-fy) + bottom*fy
		}
	}
	return out
}
