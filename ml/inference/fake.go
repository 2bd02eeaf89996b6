package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/slicewise/slicewise/ml"
)

var _ = Model(&FakeModel{})

// FakeModel is an in memory Model for tests and dry runs. The zero value echoes its
// inputs back as outputs.
type FakeModel struct {
	// InferFunc, when set, handles Infer calls.
	InferFunc func(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error)
	// Meta is returned from Metadata.
	Meta MLMetadata

	mu         sync.Mutex
	inferCount int
	closed     bool
}

// NewEchoModel returns a fake model that hands every input tensor back unchanged.
func NewEchoModel(name string) *FakeModel {
	if name == "" {
		name = "echo"
	}
	return &FakeModel{
		Meta: MLMetadata{
			ModelName:        name,
			ModelType:        RuntimeFake,
			ModelDescription: "echoes input tensors back unchanged",
		},
	}
}

// Infer runs InferFunc, or echoes the inputs when InferFunc is nil.
func (f *FakeModel) Infer(ctx context.Context, tensors ml.Tensors) (ml.Tensors, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errors.New("model is closed")
	}
	f.inferCount++
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.InferFunc != nil {
		return f.InferFunc(ctx, tensors)
	}

	out := ml.Tensors{}
	for name, t := range tensors {
		out[name] = t
	}
	return out, nil
}

// Metadata returns the configured metadata.
func (f *FakeModel) Metadata(ctx context.Context) (MLMetadata, error) {
	return f.Meta, nil
}

// Close marks the model closed.
func (f *FakeModel) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// InferCount reports how many times Infer was called.
func (f *FakeModel) InferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inferCount
}

// Closed reports whether Close was called.
func (f *FakeModel) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
