package inference

import (
	"context"
	"testing"

	"go.viam.com/test"
	"gorgonia.org/tensor"

	"github.com/slicewise/slicewise/logging"
	"github.com/slicewise/slicewise/ml"
)

func TestNewRejectsUnknownRuntime(t *testing.T) {
	logger := logging.NewTestLogger(t)
	_, err := New(context.Background(), Config{Runtime: "caffe"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "unknown model runtime")
}

func TestNewFakeRuntime(t *testing.T) {
	logger := logging.NewTestLogger(t)
	model, err := New(context.Background(), Config{Runtime: RuntimeFake}, logger)
	test.That(t, err, test.ShouldBeNil)

	md, err := model.Metadata(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, md.ModelType, test.ShouldEqual, RuntimeFake)
	test.That(t, model.Close(context.Background()), test.ShouldBeNil)
}

func TestEchoModel(t *testing.T) {
	model := NewEchoModel("test")
	in := ml.Tensors{
		"image": tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking([]float32{1, 2, 3, 4})),
	}
	out, err := model.Infer(context.Background(), in)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out["image"], test.ShouldEqual, in["image"])
	test.That(t, model.InferCount(), test.ShouldEqual, 1)

	test.That(t, model.Close(context.Background()), test.ShouldBeNil)
	test.That(t, model.Closed(), test.ShouldBeTrue)
	_, err = model.Infer(context.Background(), in)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestEchoModelHonorsContext(t *testing.T) {
	model := NewEchoModel("test")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := model.Infer(ctx, ml.Tensors{})
	test.That(t, err, test.ShouldBeError, context.Canceled)
}

func TestFindInputTensor(t *testing.T) {
	named := tensor.New(tensor.WithShape(2), tensor.WithBacking([]float32{1, 2}))
	tensors := ml.Tensors{"image": named}

	found, err := findInputTensor(tensors, "image", 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldEqual, named)

	// A single unnamed tensor matches a single input model under any name.
	found, err = findInputTensor(tensors, "serving_default_input", 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, found, test.ShouldEqual, named)

	// With several inputs the names have to match.
	_, err = findInputTensor(tensors, "serving_default_input", 2)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no tensor named")
}
