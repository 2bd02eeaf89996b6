//go:build !no_tflite && !no_cgo

package inference

import (
	"context"
	"math"
	fp "path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	tflite "github.com/mattn/go-tflite"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"gorgonia.org/tensor"

	"github.com/slicewise/slicewise/logging"
	"github.com/slicewise/slicewise/ml"
)

// TFLiteModel runs a tflite model file on the host's CPU. A tflite interpreter is not
// reentrant, so Infer serializes callers.
type TFLiteModel struct {
	mu                 sync.Mutex
	model              *tflite.Model
	interpreter        *tflite.Interpreter
	interpreterOptions *tflite.InterpreterOptions
	conf               Config
	metadata           MLMetadata
	closed             bool
}

// NewTFLiteModel loads the tflite model file at conf.Path and allocates its tensors.
func NewTFLiteModel(ctx context.Context, conf Config, logger logging.Logger) (*TFLiteModel, error) {
	_, span := trace.StartSpan(ctx, "inference::NewTFLiteModel")
	defer span.End()

	fullpath, err := fp.Abs(conf.Path)
	if err != nil {
		fullpath = conf.Path
	}
	model := tflite.NewModelFromFile(fullpath)
	if model == nil {
		return nil, errors.Errorf("failed to load model at %s", fullpath)
	}

	numThreads := conf.NumThreads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	if options == nil {
		model.Delete()
		return nil, errors.New("interpreter options failed to be created")
	}
	options.SetNumThread(numThreads)
	options.SetErrorReporter(func(msg string, userData interface{}) {
		logger.Warnw("tflite error", "error", msg)
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, errors.New("failed to create interpreter")
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		options.Delete()
		model.Delete()
		return nil, errors.New("failed to allocate tensors")
	}

	m := &TFLiteModel{
		model:              model,
		interpreter:        interpreter,
		interpreterOptions: options,
		conf:               conf,
	}
	m.metadata = m.readMetadata(fullpath)
	return m, nil
}

// Infer runs the loaded model on the input tensors and returns the named output
// tensors. Non float32 inputs are quantized using the model's quantization params.
func (m *TFLiteModel) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	_, span := trace.StartSpan(ctx, "inference::TFLiteModel::Infer")
	defer span.End()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("model is closed")
	}

	inCount := m.interpreter.GetInputTensorCount()
	for i := 0; i < inCount; i++ {
		inputTensor := m.interpreter.GetInputTensor(i)
		src, err := findInputTensor(tensors, tensorName(inputTensor.Name(), "in", i), inCount)
		if err != nil {
			return nil, err
		}
		if err := fillInputTensor(inputTensor, src); err != nil {
			return nil, err
		}
	}

	if status := m.interpreter.Invoke(); status != tflite.OK {
		return nil, errors.New("invoke failed")
	}

	outputs := ml.Tensors{}
	outCount := m.interpreter.GetOutputTensorCount()
	for i := 0; i < outCount; i++ {
		outputTensor := m.interpreter.GetOutputTensor(i)
		out, err := readOutputTensor(outputTensor)
		if err != nil {
			return nil, err
		}
		outputs[tensorName(outputTensor.Name(), "out", i)] = out
	}
	return outputs, nil
}

// Metadata returns the tensor shapes and types read off the loaded interpreter.
func (m *TFLiteModel) Metadata(ctx context.Context) (MLMetadata, error) {
	return m.metadata, nil
}

// Close should be called at the end of using the interpreter to delete the instance
// and related parts.
func (m *TFLiteModel) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.interpreter.Delete()
	m.interpreterOptions.Delete()
	m.model.Delete()
	return nil
}

func (m *TFLiteModel) readMetadata(fullpath string) MLMetadata {
	md := MLMetadata{
		ModelName: fp.Base(fullpath),
		ModelType: RuntimeTFLite,
	}

	inCount := m.interpreter.GetInputTensorCount()
	for i := 0; i < inCount; i++ {
		t := m.interpreter.GetInputTensor(i)
		info := TensorInfo{
			Name:     tensorName(t.Name(), "in", i),
			DataType: strings.ToLower(t.Type().String()),
			Shape:    tensorDims(t),
		}
		if i == 0 && m.conf.LabelPath != "" {
			info.Extra = map[string]interface{}{"labels": m.conf.LabelPath}
		}
		md.Inputs = append(md.Inputs, info)
	}
	outCount := m.interpreter.GetOutputTensorCount()
	for i := 0; i < outCount; i++ {
		t := m.interpreter.GetOutputTensor(i)
		md.Outputs = append(md.Outputs, TensorInfo{
			Name:     tensorName(t.Name(), "out", i),
			DataType: strings.ToLower(t.Type().String()),
			Shape:    tensorDims(t),
		})
	}
	return md
}

// tensorName strips the ordinal a tflite converter hangs off tensor names, e.g.
// "StatefulPartitionedCall:0". Unnamed tensors get prefix plus their index.
func tensorName(name, prefix string, index int) string {
	if idx := strings.Index(name, ":"); idx > 0 {
		name = name[:idx]
	}
	if name == "" {
		return prefix + strconv.Itoa(index)
	}
	return name
}

func tensorDims(t *tflite.Tensor) []int {
	dims := make([]int, 0, t.NumDims())
	for d := 0; d < t.NumDims(); d++ {
		dims = append(dims, t.Dim(d))
	}
	return dims
}

// fillInputTensor copies src into the interpreter's input, converting and quantizing
// as the input type requires.
func fillInputTensor(dst *tflite.Tensor, src *tensor.Dense) error {
	data, err := ml.Float32Data(src)
	if err != nil {
		return errors.Wrapf(err, "input tensor %q", dst.Name())
	}
	expected := ml.NumElements(tensorDims(dst))
	if len(data) != expected {
		return errors.Errorf(
			"input tensor %q has %d elements, expected %d for shape %v", dst.Name(), len(data), expected, tensorDims(dst))
	}

	switch dst.Type() {
	case tflite.Float32:
		if status := dst.SetFloat32s(data); status != tflite.OK {
			return errors.Errorf("failed to copy into input tensor %q", dst.Name())
		}
	case tflite.UInt8:
		params := dst.QuantizationParams()
		scale := params.Scale
		if scale == 0 {
			scale = 1
		}
		quantized := make([]uint8, len(data))
		for i, v := range data {
			q := math.Round(float64(v)/scale) + float64(params.ZeroPoint)
			if q < 0 {
				q = 0
			} else if q > 255 {
				q = 255
			}
			quantized[i] = uint8(q)
		}
		if status := dst.SetUint8s(quantized); status != tflite.OK {
			return errors.Errorf("failed to copy into input tensor %q", dst.Name())
		}
	default:
		return errors.Errorf("input tensor type %s is not supported", dst.Type())
	}
	return nil
}

// readOutputTensor copies an interpreter output into a fresh dense tensor,
// dequantizing uint8 outputs back to float32.
func readOutputTensor(src *tflite.Tensor) (*tensor.Dense, error) {
	dims := tensorDims(src)
	n := ml.NumElements(dims)

	switch src.Type() {
	case tflite.Float32:
		out := make([]float32, n)
		copy(out, src.Float32s())
		return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(out)), nil
	case tflite.UInt8:
		params := src.QuantizationParams()
		scale := params.Scale
		if scale == 0 {
			scale = 1
		}
		raw := src.UInt8s()
		out := make([]float32, n)
		for i := 0; i < n && i < len(raw); i++ {
			out[i] = float32(scale * float64(int(raw[i])-params.ZeroPoint))
		}
		return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(out)), nil
	default:
		return nil, errors.Errorf("output tensor type %s is not supported", src.Type())
	}
}
