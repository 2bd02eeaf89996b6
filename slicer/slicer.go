// Package slicer runs 2D segmentation models across 3D volumes one plane at a time.
//
// A model that only understands (N, C, H, W) images gets walked across a
// (N, C, D, H, W) volume along one spatial axis. Each plane is squeezed down to 4D,
// resampled to the model's region size, run through the model, resampled back and
// stacked into the output volume at its original position.
package slicer

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
	goutils "go.viam.com/utils"

	"github.com/slicewise/slicewise/logging"
	"github.com/slicewise/slicewise/ml"
	"github.com/slicewise/slicewise/ml/inference"
	"github.com/slicewise/slicewise/utils"
)

// Options configure how a SliceInferer walks a volume.
type Options struct {
	// ROISize is the (height, width) extent the model consumes. Planes are resampled
	// to this extent before inference and the results resampled back.
	ROISize []int `json:"roi_size"`
	// Axis is the spatial axis to walk: 0 for depth, 1 for height, 2 for width.
	Axis int `json:"axis"`
	// Workers bounds how many planes run concurrently. Non positive picks a default
	// from the machine size.
	Workers int `json:"workers"`
}

// Validate ensures all parts of the config are valid.
func (o *Options) Validate(path string) error {
	if len(o.ROISize) == 0 {
		return goutils.NewConfigValidationFieldRequiredError(path, "roi_size")
	}
	if len(o.ROISize) != 2 {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("roi_size must have 2 elements, got %d", len(o.ROISize)))
	}
	for _, extent := range o.ROISize {
		if extent <= 0 {
			return goutils.NewConfigValidationError(path,
				errors.Errorf("roi_size extents must be positive, got %v", o.ROISize))
		}
	}
	if o.Axis < AxisDepth || o.Axis > AxisWidth {
		return goutils.NewConfigValidationError(path,
			errors.Errorf("axis must be 0, 1, or 2, got %d", o.Axis))
	}
	return nil
}

// SliceInferer adapts a 2D model to volumes by walking planes along one axis.
type SliceInferer struct {
	model     inference.Model
	opts      Options
	inputName string
	logger    logging.Logger
}

// New builds a SliceInferer around a loaded model.
func New(ctx context.Context, model inference.Model, opts Options, logger logging.Logger) (*SliceInferer, error) {
	if err := opts.Validate(""); err != nil {
		return nil, err
	}
	if opts.Workers <= 0 {
		opts.Workers = utils.ParallelFactor
	}

	inputName := "input"
	if md, err := model.Metadata(ctx); err == nil && len(md.Inputs) > 0 && md.Inputs[0].Name != "" {
		inputName = md.Inputs[0].Name
	}

	return &SliceInferer{
		model:     model,
		opts:      opts,
		inputName: inputName,
		logger:    logger,
	}, nil
}

// Infer runs the model across the input. A rank 5 (N, C, D, H, W) tensor is walked
// plane by plane along the configured axis; a rank 4 (N, C, H, W) tensor goes
// through in one call. The output keeps the input's rank and spatial extents.
func (s *SliceInferer) Infer(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
	ctx, span := trace.StartSpan(ctx, "slicer::SliceInferer::Infer")
	defer span.End()

	switch len(input.Shape()) {
	case 4:
		return s.inferWhole(ctx, input)
	case 5:
		return s.inferSliced(ctx, input)
	default:
		return nil, errors.Errorf("expected a 4D or 5D input tensor, got rank %d", len(input.Shape()))
	}
}

// inferWhole handles 2D inputs, which need no slice walk.
func (s *SliceInferer) inferWhole(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
	shape := input.Shape()
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]

	data, err := ml.Float32Data(input)
	if err != nil {
		return nil, err
	}
	out, outC, err := s.runPlane(ctx, data, n, c, h, w)
	if err != nil {
		return nil, err
	}
	return ml.NewFloat32Tensor([]int{n, outC, h, w}, out)
}

// inferSliced walks a 5D input plane by plane.
func (s *SliceInferer) inferSliced(ctx context.Context, input *tensor.Dense) (*tensor.Dense, error) {
	shape := []int(input.Shape())
	axis := s.opts.Axis
	planes := shape[2+axis]

	paddedROI, err := PadROISize(s.opts.ROISize, axis)
	if err != nil {
		return nil, err
	}
	s.logger.Debugw("slice walk", "axis", axis, "planes", planes, "roi", paddedROI, "workers", s.opts.Workers)

	data, err := ml.Float32Data(input)
	if err != nil {
		return nil, err
	}

	// The two spatial extents that survive the squeeze, in order.
	spatial := []int{shape[2], shape[3], shape[4]}
	remaining := make([]int, 0, 2)
	remaining = append(remaining, spatial[:axis]...)
	remaining = append(remaining, spatial[axis+1:]...)
	a, b := remaining[0], remaining[1]

	// The first plane runs synchronously to learn the model's output geometry.
	first, outC, err := s.inferPlane(ctx, data, shape, axis, 0, a, b)
	if err != nil {
		return nil, err
	}

	outShape := []int{shape[0], outC, shape[2], shape[3], shape[4]}
	dst := make([]float32, ml.NumElements(outShape))
	insertPlane(dst, outShape, first, axis, 0)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(s.opts.Workers)
	for p := 1; p < planes; p++ {
		p := p
		group.Go(func() error {
			plane, c, err := s.inferPlane(gctx, data, shape, axis, p, a, b)
			if err != nil {
				return errors.Wrapf(err, "plane %d", p)
			}
			if c != outC {
				return errors.Errorf("plane %d changed output channels from %d to %d", p, outC, c)
			}
			// Planes land at disjoint offsets, so no lock is needed.
			insertPlane(dst, outShape, plane, axis, p)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return ml.NewFloat32Tensor(outShape, dst)
}

// inferPlane extracts plane idx, squeezes away the walked axis, runs the model and
// unsqueezes the result back to 5D plane layout.
func (s *SliceInferer) inferPlane(
	ctx context.Context, data []float32, shape []int, axis, idx, a, b int,
) ([]float32, int, error) {
	planeData, planeShape := extractPlane(data, shape, axis, idx)
	plane5, err := ml.NewFloat32Tensor(planeShape, planeData)
	if err != nil {
		return nil, 0, err
	}
	plane4, err := ml.Squeeze(plane5, 2+axis)
	if err != nil {
		return nil, 0, err
	}
	squeezed, err := ml.Float32Data(plane4)
	if err != nil {
		return nil, 0, err
	}

	out, outC, err := s.runPlane(ctx, squeezed, shape[0], shape[1], a, b)
	if err != nil {
		return nil, 0, err
	}

	out4, err := ml.NewFloat32Tensor([]int{shape[0], outC, a, b}, out)
	if err != nil {
		return nil, 0, err
	}
	out5, err := ml.Unsqueeze(out4, 2+axis)
	if err != nil {
		return nil, 0, err
	}
	restored, err := ml.Float32Data(out5)
	if err != nil {
		return nil, 0, err
	}
	return restored, outC, nil
}

// runPlane resamples a flat (n, c, a, b) plane to the ROI extent, runs the model and
// resamples the result back to (a, b). Returns the plane data and its channel count.
func (s *SliceInferer) runPlane(ctx context.Context, data []float32, n, c, a, b int) ([]float32, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	roiH, roiW := s.opts.ROISize[0], s.opts.ROISize[1]

	resampled := resamplePlanes(data, n*c, a, b, roiH, roiW)
	in, err := ml.NewFloat32Tensor([]int{n, c, roiH, roiW}, resampled)
	if err != nil {
		return nil, 0, err
	}

	outputs, err := s.model.Infer(ctx, ml.Tensors{s.inputName: in})
	if err != nil {
		return nil, 0, err
	}
	outT, err := singleOutput(outputs)
	if err != nil {
		return nil, 0, err
	}

	outShape := outT.Shape()
	if len(outShape) != 4 || outShape[0] != n {
		return nil, 0, errors.Errorf(
			"expected a (%d, C, H, W) output from the model, got shape %v", n, outShape)
	}
	outData, err := ml.Float32Data(outT)
	if err != nil {
		return nil, 0, err
	}

	outC := outShape[1]
	back := resamplePlanes(outData, n*outC, outShape[2], outShape[3], a, b)
	if sameSlice(back, outData) {
		// Do not alias model owned memory in the stitched output.
		back = make([]float32, len(outData))
		copy(back, outData)
	}
	return back, outC, nil
}

func singleOutput(outputs ml.Tensors) (*tensor.Dense, error) {
	if len(outputs) == 1 {
		for _, t := range outputs {
			return t, nil
		}
	}
	return nil, errors.Errorf(
		"expected a single output tensor, got [%s]", strings.Join(ml.TensorNames(outputs), ", "))
}

func sameSlice(a, b []float32) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}
