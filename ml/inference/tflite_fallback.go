//go:build no_tflite || no_cgo

package inference

import (
	"context"

	"github.com/pkg/errors"

	"github.com/slicewise/slicewise/logging"
)

// NewTFLiteModel is not supported on this build.
func NewTFLiteModel(ctx context.Context, conf Config, logger logging.Logger) (Model, error) {
	return nil, errors.New("tflite is not supported on this build")
}
