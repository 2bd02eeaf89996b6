package slicer

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/slicewise/slicewise/logging"
	"github.com/slicewise/slicewise/ml"
	"github.com/slicewise/slicewise/ml/inference"
)

func onlyTensor(tensors ml.Tensors) *tensor.Dense {
	for _, tt := range tensors {
		return tt
	}
	return nil
}

// mapModel builds a fake model that applies f to every value of its single 4D input.
func mapModel(t *testing.T, f func(float32) float32) *inference.FakeModel {
	t.Helper()
	return &inference.FakeModel{
		InferFunc: func(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
			in := onlyTensor(tensors)
			test.That(t, len(in.Shape()), test.ShouldEqual, 4)
			data, err := ml.Float32Data(in)
			test.That(t, err, test.ShouldBeNil)
			out := make([]float32, len(data))
			for i, v := range data {
				out[i] = f(v)
			}
			pred, err := ml.NewFloat32Tensor([]int(in.Shape()), out)
			test.That(t, err, test.ShouldBeNil)
			return ml.Tensors{"pred": pred}, nil
		},
	}
}

func TestOptionsValidate(t *testing.T) {
	opts := Options{ROISize: []int{64, 64}}
	test.That(t, opts.Validate("slicer"), test.ShouldBeNil)

	opts = Options{}
	err := opts.Validate("slicer")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "roi_size")

	opts = Options{ROISize: []int{64, 64, 64}}
	err = opts.Validate("slicer")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "2 elements")

	opts = Options{ROISize: []int{64, 0}}
	err = opts.Validate("slicer")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "positive")

	opts = Options{ROISize: []int{64, 64}, Axis: 3}
	err = opts.Validate("slicer")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "axis")
}

func TestNewDefaultsWorkers(t *testing.T) {
	logger := logging.NewTestLogger(t)
	inferer, err := New(context.Background(), inference.NewEchoModel(""), Options{ROISize: []int{4, 4}}, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, inferer.opts.Workers, test.ShouldBeGreaterThan, 0)

	_, err = New(context.Background(), inference.NewEchoModel(""), Options{}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestInferWalksEveryAxis(t *testing.T) {
	logger := logging.NewTestLogger(t)
	shape := []int{1, 1, 3, 4, 5}
	data := rampData(ml.NumElements(shape))
	input, err := ml.NewFloat32Tensor(shape, data)
	test.That(t, err, test.ShouldBeNil)

	for axis := AxisDepth; axis <= AxisWidth; axis++ {
		spatial := []int{shape[2], shape[3], shape[4]}
		roi := make([]int, 0, 2)
		roi = append(roi, spatial[:axis]...)
		roi = append(roi, spatial[axis+1:]...)

		model := mapModel(t, func(v float32) float32 { return -v })
		inferer, err := New(context.Background(), model, Options{ROISize: roi, Axis: axis, Workers: 2}, logger)
		test.That(t, err, test.ShouldBeNil)

		out, err := inferer.Infer(context.Background(), input)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, out.Shape(), test.ShouldResemble, input.Shape())

		// Negation makes every voxel position checkable: planes must land exactly
		// where they came from no matter the completion order.
		outData, err := ml.Float32Data(out)
		test.That(t, err, test.ShouldBeNil)
		for i, v := range outData {
			test.That(t, v, test.ShouldEqual, -data[i])
		}
		test.That(t, model.InferCount(), test.ShouldEqual, spatial[axis])
	}
}

func TestInferPreservesBatch(t *testing.T) {
	logger := logging.NewTestLogger(t)
	shape := []int{2, 1, 2, 3, 3}
	data := rampData(ml.NumElements(shape))
	input, err := ml.NewFloat32Tensor(shape, data)
	test.That(t, err, test.ShouldBeNil)

	model := mapModel(t, func(v float32) float32 { return v + 100 })
	inferer, err := New(context.Background(), model, Options{ROISize: []int{3, 3}}, logger)
	test.That(t, err, test.ShouldBeNil)

	out, err := inferer.Infer(context.Background(), input)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Shape(), test.ShouldResemble, input.Shape())
	outData, err := ml.Float32Data(out)
	test.That(t, err, test.ShouldBeNil)
	for i, v := range outData {
		test.That(t, v, test.ShouldEqual, data[i]+100)
	}
}

func TestInferChannelExpansion(t *testing.T) {
	logger := logging.NewTestLogger(t)
	model := &inference.FakeModel{
		InferFunc: func(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
			in := onlyTensor(tensors)
			shape := in.Shape()
			data, err := ml.Float32Data(in)
			if err != nil {
				return nil, err
			}
			// One input channel becomes two output channels: scores for
			// "background" and "foreground".
			out := make([]float32, 2*len(data))
			copy(out, data)
			for i, v := range data {
				out[len(data)+i] = 1 - v
			}
			pred, err := ml.NewFloat32Tensor([]int{shape[0], 2, shape[2], shape[3]}, out)
			if err != nil {
				return nil, err
			}
			return ml.Tensors{"pred": pred}, nil
		},
	}

	shape := []int{1, 1, 4, 3, 3}
	input, err := ml.NewFloat32Tensor(shape, rampData(ml.NumElements(shape)))
	test.That(t, err, test.ShouldBeNil)

	inferer, err := New(context.Background(), model, Options{ROISize: []int{3, 3}}, logger)
	test.That(t, err, test.ShouldBeNil)
	out, err := inferer.Infer(context.Background(), input)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Shape(), test.ShouldResemble, tensor.Shape{1, 2, 4, 3, 3})
}

func TestInferResamplesToROI(t *testing.T) {
	logger := logging.NewTestLogger(t)
	const roiH, roiW = 4, 6
	model := &inference.FakeModel{
		InferFunc: func(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
			in := onlyTensor(tensors)
			// The model must only ever see its configured region size.
			if got := []int(in.Shape()); got[2] != roiH || got[3] != roiW {
				return nil, errors.Errorf("model saw shape %v", got)
			}
			return ml.Tensors{"pred": in}, nil
		},
	}

	// Planes are 8x10, twice the ROI in each direction. A constant volume is
	// unchanged by the resample down and back up.
	shape := []int{1, 1, 2, 8, 10}
	data := make([]float32, ml.NumElements(shape))
	for i := range data {
		data[i] = 7
	}
	input, err := ml.NewFloat32Tensor(shape, data)
	test.That(t, err, test.ShouldBeNil)

	inferer, err := New(context.Background(), model, Options{ROISize: []int{roiH, roiW}}, logger)
	test.That(t, err, test.ShouldBeNil)
	out, err := inferer.Infer(context.Background(), input)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Shape(), test.ShouldResemble, input.Shape())
	outData, err := ml.Float32Data(out)
	test.That(t, err, test.ShouldBeNil)
	for _, v := range outData {
		test.That(t, v, test.ShouldEqual, 7)
	}
}

func TestInfer4DPassthrough(t *testing.T) {
	logger := logging.NewTestLogger(t)
	model := mapModel(t, func(v float32) float32 { return 2 * v })
	inferer, err := New(context.Background(), model, Options{ROISize: []int{3, 4}}, logger)
	test.That(t, err, test.ShouldBeNil)

	shape := []int{1, 1, 3, 4}
	data := rampData(ml.NumElements(shape))
	input, err := ml.NewFloat32Tensor(shape, data)
	test.That(t, err, test.ShouldBeNil)

	out, err := inferer.Infer(context.Background(), input)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Shape(), test.ShouldResemble, input.Shape())
	// A 4D input is a single model call, no slice walk.
	test.That(t, model.InferCount(), test.ShouldEqual, 1)
	outData, err := ml.Float32Data(out)
	test.That(t, err, test.ShouldBeNil)
	for i, v := range outData {
		test.That(t, v, test.ShouldEqual, 2*data[i])
	}
}

func TestInferRejectsBadRank(t *testing.T) {
	logger := logging.NewTestLogger(t)
	inferer, err := New(context.Background(), inference.NewEchoModel(""), Options{ROISize: []int{2, 2}}, logger)
	test.That(t, err, test.ShouldBeNil)

	input, err := ml.NewFloat32Tensor([]int{2, 2, 2}, rampData(8))
	test.That(t, err, test.ShouldBeNil)
	_, err = inferer.Infer(context.Background(), input)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "4D or 5D")
}

func TestInferFailedPlaneNamesIndex(t *testing.T) {
	logger := logging.NewTestLogger(t)
	calls := 0
	model := &inference.FakeModel{
		InferFunc: func(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
			calls++
			if calls >= 3 {
				return nil, errors.New("engine fault")
			}
			return ml.Tensors{"pred": onlyTensor(tensors)}, nil
		},
	}

	shape := []int{1, 1, 5, 2, 2}
	input, err := ml.NewFloat32Tensor(shape, rampData(ml.NumElements(shape)))
	test.That(t, err, test.ShouldBeNil)

	// One worker keeps the plane order deterministic for the failure.
	inferer, err := New(context.Background(), model, Options{ROISize: []int{2, 2}, Workers: 1}, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = inferer.Infer(context.Background(), input)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "plane 2")
	test.That(t, err.Error(), test.ShouldContainSubstring, "engine fault")
}

func TestInferCancelledContext(t *testing.T) {
	logger := logging.NewTestLogger(t)
	inferer, err := New(context.Background(), inference.NewEchoModel(""), Options{ROISize: []int{2, 2}}, logger)
	test.That(t, err, test.ShouldBeNil)

	shape := []int{1, 1, 4, 2, 2}
	input, err := ml.NewFloat32Tensor(shape, rampData(ml.NumElements(shape)))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = inferer.Infer(ctx, input)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
}

func TestInferSinglePlaneVolume(t *testing.T) {
	logger := logging.NewTestLogger(t)
	model := mapModel(t, func(v float32) float32 { return v * v })
	inferer, err := New(context.Background(), model, Options{ROISize: []int{2, 2}}, logger)
	test.That(t, err, test.ShouldBeNil)

	shape := []int{1, 1, 1, 2, 2}
	input, err := ml.NewFloat32Tensor(shape, []float32{1, 2, 3, 4})
	test.That(t, err, test.ShouldBeNil)

	out, err := inferer.Infer(context.Background(), input)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.Shape(), test.ShouldResemble, input.Shape())
	outData, err := ml.Float32Data(out)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, outData, test.ShouldResemble, []float32{1, 4, 9, 16})
	test.That(t, model.InferCount(), test.ShouldEqual, 1)
}

func TestInferThroughPool(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
	pool, err := inference.NewPool(ctx, 3, func() (inference.Model, error) {
		return mapModel(t, func(v float32) float32 { return v + 1 }), nil
	})
	test.That(t, err, test.ShouldBeNil)
	defer pool.Close(ctx)

	shape := []int{1, 1, 6, 3, 3}
	data := rampData(ml.NumElements(shape))
	input, err := ml.NewFloat32Tensor(shape, data)
	test.That(t, err, test.ShouldBeNil)

	inferer, err := New(ctx, pool, Options{ROISize: []int{3, 3}, Workers: 3}, logger)
	test.That(t, err, test.ShouldBeNil)
	out, err := inferer.Infer(ctx, input)
	test.That(t, err, test.ShouldBeNil)
	outData, err := ml.Float32Data(out)
	test.That(t, err, test.ShouldBeNil)
	for i, v := range outData {
		test.That(t, v, test.ShouldEqual, data[i]+1)
	}
}
