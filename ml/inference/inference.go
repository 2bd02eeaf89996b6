// Package inference loads 2D segmentation models and runs tensors through them.
package inference

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/slicewise/slicewise/logging"
	"github.com/slicewise/slicewise/ml"
)

// Well known runtime names for Config.Runtime.
const (
	RuntimeTFLite = "tflite"
	RuntimeONNX   = "onnx"
	RuntimeFake   = "fake"
)

var validRuntimes = [...]string{RuntimeTFLite, RuntimeONNX, RuntimeFake}

// Model is a 2D model that can run inference on named input tensors. Implementations
// are safe for concurrent use, though a single underlying interpreter may serialize
// calls. Use a Pool for real parallelism.
type Model interface {
	// Infer runs the model on the input tensors and returns the named output tensors.
	Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error)
	// Metadata returns the input and output tensor descriptions of the model.
	Metadata(ctx context.Context) (MLMetadata, error)
	// Close releases the underlying interpreter or session.
	Close(ctx context.Context) error
}

// MLMetadata to be stored with the model.
type MLMetadata struct {
	ModelName        string
	ModelType        string // e.g. tflite, onnx
	ModelDescription string
	Inputs           []TensorInfo
	Outputs          []TensorInfo
}

// TensorInfo contains all the information necessary to use a tensor.
type TensorInfo struct {
	Name     string // e.g. input_image
	DataType string // e.g. uint8, float32
	Shape    []int
	Extra    map[string]interface{}
}

// Config describes how to load a model.
type Config struct {
	// Runtime selects the engine, one of "tflite", "onnx" or "fake".
	Runtime string `json:"runtime"`
	// Path is the location of the model file on disk.
	Path string `json:"path"`
	// NumThreads bounds the intra op thread count. Zero means one thread per CPU.
	NumThreads int `json:"num_threads"`
	// LabelPath optionally names a file with one class label per line.
	LabelPath string `json:"label_path"`

	// The ONNX runtime cannot introspect tensor shapes through the C API bindings, so
	// they have to be configured up front.
	LibraryPath string `json:"library_path"`
	InputName   string `json:"input_name"`
	OutputName  string `json:"output_name"`
	InputShape  []int  `json:"input_shape"`
	OutputShape []int  `json:"output_shape"`
}

// New loads a model according to the config.
func New(ctx context.Context, conf Config, logger logging.Logger) (Model, error) {
	if !isValidRuntime(conf.Runtime) {
		return nil, errors.Errorf("unknown model runtime %q", conf.Runtime)
	}

	switch conf.Runtime {
	case RuntimeTFLite:
		return NewTFLiteModel(ctx, conf, logger)
	case RuntimeONNX:
		return NewONNXModel(ctx, conf, logger)
	case RuntimeFake:
		return NewEchoModel(conf.Path), nil
	}
	return nil, errors.Errorf("unknown model runtime %q", conf.Runtime)
}

// isValidRuntime checks if the input is a type of model that the inference library
// supports.
func isValidRuntime(runtime string) bool {
	for _, val := range validRuntimes {
		if val == runtime {
			return true
		}
	}
	return false
}

// findInputTensor picks the tensor for a named model input out of the input map. A
// single unnamed tensor matches any single input model for convenience.
func findInputTensor(tensors ml.Tensors, name string, inputCount int) (*tensor.Dense, error) {
	if t, ok := tensors[name]; ok {
		return t, nil
	}
	if inputCount == 1 && len(tensors) == 1 {
		for _, t := range tensors {
			return t, nil
		}
	}
	return nil, errors.Errorf(
		"no tensor named %q among input tensors [%s]", name, strings.Join(ml.TensorNames(tensors), ", "))
}
