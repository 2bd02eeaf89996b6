package slicer

import (
	"github.com/pkg/errors"

	"github.com/slicewise/slicewise/volume"
)

// Spatial axes of a (N, C, D, H, W) tensor, counted over the spatial dims only.
const (
	AxisDepth  = 0
	AxisHeight = 1
	AxisWidth  = 2
)

// PadROISize inserts a unit extent into a 2 element (h, w) region size at the walked
// axis, producing the 3 element region a plane occupies inside the volume. A slice
// walk along depth turns (h, w) into (1, h, w).
func PadROISize(roiSize []int, axis int) ([]int, error) {
	if len(roiSize) != 2 {
		return nil, errors.Errorf("roi_size must have 2 elements, got %d", len(roiSize))
	}
	if axis < AxisDepth || axis > AxisWidth {
		return nil, errors.Errorf("axis must be 0, 1, or 2, got %d", axis)
	}
	padded := make([]int, 0, 3)
	padded = append(padded, roiSize[:axis]...)
	padded = append(padded, 1)
	padded = append(padded, roiSize[axis:]...)
	return padded, nil
}

// extractPlane copies plane idx along the spatial axis out of a flat (N, C, D, H, W)
// buffer. The returned shape still carries the unit extent at the walked axis.
func extractPlane(data []float32, shape []int, axis, idx int) ([]float32, []int) {
	n, c, d, h, w := shape[0], shape[1], shape[2], shape[3], shape[4]

	outShape := []int{n, c, d, h, w}
	outShape[2+axis] = 1
	out := make([]float32, n*c*d*h*w/shape[2+axis])

	switch axis {
	case AxisDepth:
		planeSize := h * w
		for b := 0; b < n*c; b++ {
			src := (b*d + idx) * planeSize
			copy(out[b*planeSize:(b+1)*planeSize], data[src:src+planeSize])
		}
	case AxisHeight:
		row := 0
		for b := 0; b < n*c; b++ {
			for dd := 0; dd < d; dd++ {
				src := ((b*d+dd)*h + idx) * w
				copy(out[row*w:(row+1)*w], data[src:src+w])
				row++
			}
		}
	case AxisWidth:
		for b := 0; b < n*c; b++ {
			for dd := 0; dd < d; dd++ {
				for hh := 0; hh < h; hh++ {
					src := ((b*d+dd)*h+hh)*w + idx
					out[(b*d+dd)*h+hh] = data[src]
				}
			}
		}
	}
	return out, outShape
}

// insertPlane writes a plane back into a flat (N, C, D, H, W) buffer at plane idx
// along the spatial axis. The plane layout matches what extractPlane produces.
func insertPlane(dst []float32, shape []int, plane []float32, axis, idx int) {
	n, c, d, h, w := shape[0], shape[1], shape[2], shape[3], shape[4]

	switch axis {
	case AxisDepth:
		planeSize := h * w
		for b := 0; b < n*c; b++ {
			dstOff := (b*d + idx) * planeSize
			copy(dst[dstOff:dstOff+planeSize], plane[b*planeSize:(b+1)*planeSize])
		}
	case AxisHeight:
		row := 0
		for b := 0; b < n*c; b++ {
			for dd := 0; dd < d; dd++ {
				dstOff := ((b*d+dd)*h + idx) * w
				copy(dst[dstOff:dstOff+w], plane[row*w:(row+1)*w])
				row++
			}
		}
	case AxisWidth:
		for b := 0; b < n*c; b++ {
			for dd := 0; dd < d; dd++ {
				for hh := 0; hh < h; hh++ {
					dst[((b*d+dd)*h+hh)*w+idx] = plane[(b*d+dd)*h+hh]
				}
			}
		}
	}
}

// resamplePlanes resamples every (batch, channel) plane of a flat 4D buffer from
// (h, w) to (outH, outW).
func resamplePlanes(data []float32, batches, h, w, outH, outW int) []float32 {
	if h == outH && w == outW {
		return data
	}
	out := make([]float32, batches*outH*outW)
	for b := 0; b < batches; b++ {
		plane := volume.ResamplePlane(data[b*h*w:(b+1)*h*w], h, w, outH, outW)
		copy(out[b*outH*outW:(b+1)*outH*outW], plane)
	}
	return out
}
