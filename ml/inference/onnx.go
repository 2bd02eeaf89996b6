package inference

import (
	"context"
	fp "path/filepath"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"gorgonia.org/tensor"

	"github.com/slicewise/slicewise/logging"
	"github.com/slicewise/slicewise/ml"
)

// The onnxruntime environment is process wide and outlives any one model.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initONNXRuntime(libraryPath string) error {
	ortInitOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNXModel runs an onnx model file through the onnxruntime shared library. The C API
// bindings cannot introspect tensor geometry, so input and output names and shapes
// come from the config. Tensors are preallocated once and reused, which fixes the
// batch size, so Infer serializes callers.
type ONNXModel struct {
	mu       sync.Mutex
	session  *ort.AdvancedSession
	input    *ort.Tensor[float32]
	output   *ort.Tensor[float32]
	conf     Config
	metadata MLMetadata
	closed   bool
}

// NewONNXModel creates a session for the onnx model file at conf.Path.
func NewONNXModel(ctx context.Context, conf Config, logger logging.Logger) (*ONNXModel, error) {
	_, span := trace.StartSpan(ctx, "inference::NewONNXModel")
	defer span.End()

	if len(conf.InputShape) == 0 || len(conf.OutputShape) == 0 {
		return nil, errors.New("onnx models need input_shape and output_shape configured")
	}
	if conf.InputName == "" || conf.OutputName == "" {
		return nil, errors.New("onnx models need input_name and output_name configured")
	}
	if err := initONNXRuntime(conf.LibraryPath); err != nil {
		return nil, errors.Wrap(err, "failed to initialize onnx runtime environment")
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating session options")
	}
	defer options.Destroy()

	numThreads := conf.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	if err := options.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, errors.Wrap(err, "error setting intra op threads")
	}
	if err := options.SetInterOpNumThreads(numThreads); err != nil {
		return nil, errors.Wrap(err, "error setting inter op threads")
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ortShape(conf.InputShape))
	if err != nil {
		return nil, errors.Wrap(err, "error creating input tensor")
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ortShape(conf.OutputShape))
	if err != nil {
		inputTensor.Destroy()
		return nil, errors.Wrap(err, "error creating output tensor")
	}

	session, err := ort.NewAdvancedSession(
		conf.Path,
		[]string{conf.InputName},
		[]string{conf.OutputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, errors.Wrap(err, "error creating session")
	}

	m := &ONNXModel{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		conf:    conf,
	}
	m.metadata = MLMetadata{
		ModelName: fp.Base(conf.Path),
		ModelType: RuntimeONNX,
		Inputs: []TensorInfo{{
			Name:     conf.InputName,
			DataType: "float32",
			Shape:    conf.InputShape,
		}},
		Outputs: []TensorInfo{{
			Name:     conf.OutputName,
			DataType: "float32",
			Shape:    conf.OutputShape,
		}},
	}
	if conf.LabelPath != "" {
		m.metadata.Inputs[0].Extra = map[string]interface{}{"labels": conf.LabelPath}
	}
	return m, nil
}

// Infer copies the input into the preallocated session tensor, runs the session and
// returns a copy of the output.
func (m *ONNXModel) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	_, span := trace.StartSpan(ctx, "inference::ONNXModel::Infer")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("model is closed")
	}

	src, err := findInputTensor(tensors, m.conf.InputName, 1)
	if err != nil {
		return nil, err
	}
	data, err := ml.Float32Data(src)
	if err != nil {
		return nil, errors.Wrapf(err, "input tensor %q", m.conf.InputName)
	}
	dst := m.input.GetData()
	if len(data) != len(dst) {
		return nil, errors.Errorf(
			"input tensor %q has %d elements, expected %d for shape %v",
			m.conf.InputName, len(data), len(dst), m.conf.InputShape)
	}
	copy(dst, data)

	if err := m.session.Run(); err != nil {
		return nil, errors.Wrap(err, "model inference")
	}

	raw := m.output.GetData()
	out := make([]float32, len(raw))
	copy(out, raw)
	outTensor := tensor.New(tensor.WithShape(m.conf.OutputShape...), tensor.WithBacking(out))
	return ml.Tensors{m.conf.OutputName: outTensor}, nil
}

// Metadata returns the configured tensor descriptions.
func (m *ONNXModel) Metadata(ctx context.Context) (MLMetadata, error) {
	return m.metadata, nil
}

// Close destroys the session and its preallocated tensors.
func (m *ONNXModel) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return multierr.Combine(m.session.Destroy(), m.input.Destroy(), m.output.Destroy())
}

func ortShape(shape []int) ort.Shape {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return ort.NewShape(dims...)
}
