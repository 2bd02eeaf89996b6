// Package segmentation turns per voxel model scores into discrete label volumes.
package segmentation

import (
	"math"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/slicewise/slicewise/ml"
	"github.com/slicewise/slicewise/volume"
)

// DefaultThreshold binarizes single channel scores when no threshold is configured.
const DefaultThreshold = 0.5

// A LabelVolume assigns an integer class to every voxel of a volume, along with the
// winning class score. Dims are ordered (D, H, W) like volume.Volume.
type LabelVolume struct {
	dims [3]int

	labels []int32
	scores []float32
}

// NewLabelVolume allocates a label volume of all background.
func NewLabelVolume(dims [3]int) *LabelVolume {
	n := dims[0] * dims[1] * dims[2]
	return &LabelVolume{
		dims:   dims,
		labels: make([]int32, n),
		scores: make([]float32, n),
	}
}

func (lv *LabelVolume) Dims() [3]int {
	return lv.dims
}

func (lv *LabelVolume) NumVoxels() int {
	return lv.dims[0] * lv.dims[1] * lv.dims[2]
}

// Labels returns the flat per voxel class assignments, plane major.
func (lv *LabelVolume) Labels() []int32 {
	return lv.labels
}

// Scores returns the winning class score per voxel, aligned with Labels.
func (lv *LabelVolume) Scores() []float32 {
	return lv.scores
}

func (lv *LabelVolume) At(d, h, w int) int32 {
	return lv.labels[(d*lv.dims[1]+h)*lv.dims[2]+w]
}

// Clone deep copies the label volume.
func (lv *LabelVolume) Clone() *LabelVolume {
	out := NewLabelVolume(lv.dims)
	copy(out.labels, lv.labels)
	copy(out.scores, lv.scores)
	return out
}

// ToVolume converts the labels into a scalar volume so the volume codecs can write
// them out.
func (lv *LabelVolume) ToVolume(spacing [3]float64) (*volume.Volume, error) {
	vol, err := volume.NewVolume(lv.dims, spacing)
	if err != nil {
		return nil, err
	}
	data := vol.Data()
	for i, label := range lv.labels {
		data[i] = float32(label)
	}
	return vol, nil
}

// ScoreOptions control how raw model scores become labels.
type ScoreOptions struct {
	// Threshold binarizes single channel scores. At or below zero picks
	// DefaultThreshold.
	Threshold float64
}

// FromScores converts a (1, C, D, H, W) score tensor into a label volume. Multi
// channel scores pick the argmax class, run through a softmax first when they look
// like logits. Single channel scores are compared against the threshold, run through
// a sigmoid first when they look like logits. A (1, C, H, W) tensor is treated as a
// single plane volume.
func FromScores(t *tensor.Dense, opts ScoreOptions) (*LabelVolume, error) {
	shape := []int(t.Shape())
	switch len(shape) {
	case 4:
		shape = []int{shape[0], shape[1], 1, shape[2], shape[3]}
	case 5:
	default:
		return nil, errors.Errorf("expected a rank 4 or 5 score tensor, got shape %v", shape)
	}
	if shape[0] != 1 {
		return nil, errors.Errorf("expected batch extent 1, got %d", shape[0])
	}
	channels := shape[1]
	if channels < 1 {
		return nil, errors.Errorf("expected at least one channel, got shape %v", shape)
	}

	data, err := ml.Float32Data(t)
	if err != nil {
		return nil, err
	}
	lv := NewLabelVolume([3]int{shape[2], shape[3], shape[4]})
	voxels := lv.NumVoxels()

	if channels == 1 {
		threshold := opts.Threshold
		if threshold <= 0 {
			threshold = DefaultThreshold
		}
		probs := checkBinaryScores(data)
		for i, p := range probs {
			if p >= float32(threshold) {
				lv.labels[i] = 1
				lv.scores[i] = p
			} else {
				lv.scores[i] = 1 - p
			}
		}
		return lv, nil
	}

	needsSoftmax := scoresLookLikeLogits(data)
	classScores := make([]float64, channels)
	for i := 0; i < voxels; i++ {
		for ch := 0; ch < channels; ch++ {
			classScores[ch] = float64(data[ch*voxels+i])
		}
		if needsSoftmax {
			classScores = softmax(classScores)
		}
		best := 0
		for ch := 1; ch < channels; ch++ {
			if classScores[ch] > classScores[best] {
				best = ch
			}
		}
		lv.labels[i] = int32(best)
		lv.scores[i] = float32(classScores[best])
	}
	return lv, nil
}

// scoresLookLikeLogits reports whether any score falls outside [0, 1]. Probabilities
// never do, so such scores still need their activation applied.
func scoresLookLikeLogits(data []float32) bool {
	for _, v := range data {
		if v < 0 || v > 1 {
			return true
		}
	}
	return false
}

// checkBinaryScores ensures single channel scores represent probabilities, applying a
// sigmoid when they look like logits.
func checkBinaryScores(data []float32) []float32 {
	if !scoresLookLikeLogits(data) {
		return data
	}
	in := make([]float64, len(data))
	for i, v := range data {
		in[i] = float64(v)
	}
	sig, err := stats.Sigmoid(in)
	if err != nil {
		return data
	}
	out := make([]float32, len(sig))
	for i, v := range sig {
		out[i] = float32(v)
	}
	return out
}

// softmax takes the input slice and applies the softmax function.
func softmax(in []float64) []float64 {
	out := make([]float64, 0, len(in))
	bigSum := 0.0
	for _, x := range in {
		bigSum += math.Exp(x)
	}
	for _, x := range in {
		out = append(out, math.Exp(x)/bigSum)
	}
	return out
}
