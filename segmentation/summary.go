package segmentation

import (
	"sort"

	"github.com/montanaflynn/stats"
)

// ClassSummary describes one class of a label volume.
type ClassSummary struct {
	// Label is the class index the model assigned.
	Label int32 `json:"label"`
	// Name is the class name when a label file is known, otherwise empty.
	Name string `json:"name,omitempty"`
	// Voxels counts how many voxels the class claimed.
	Voxels int `json:"voxels"`
	// MeanScore is the mean winning score over the class's voxels.
	MeanScore float64 `json:"mean_score"`
	// VolumeMM3 is the physical volume of the class under the given voxel spacing.
	VolumeMM3 float64 `json:"volume_mm3"`
}

// Summarize reports voxel counts, mean scores and physical volumes per class, ordered
// by class index. Classes take their names from the labels slice when it is long
// enough. Spacing entries at or below zero count as 1mm.
func Summarize(lv *LabelVolume, spacing [3]float64, labels []string) []ClassSummary {
	voxelMM3 := 1.0
	for _, s := range spacing {
		if s <= 0 {
			s = 1
		}
		voxelMM3 *= s
	}

	byClass := map[int32][]float64{}
	for i, label := range lv.labels {
		byClass[label] = append(byClass[label], float64(lv.scores[i]))
	}

	classes := make([]int32, 0, len(byClass))
	for label := range byClass {
		classes = append(classes, label)
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i] < classes[j] })

	summaries := make([]ClassSummary, 0, len(classes))
	for _, label := range classes {
		scores := byClass[label]
		mean, err := stats.Mean(scores)
		if err != nil {
			mean = 0
		}
		summary := ClassSummary{
			Label:     label,
			Voxels:    len(scores),
			MeanScore: mean,
			VolumeMM3: float64(len(scores)) * voxelMM3,
		}
		if int(label) >= 0 && int(label) < len(labels) {
			summary.Name = labels[label]
		}
		summaries = append(summaries, summary)
	}
	return summaries
}
