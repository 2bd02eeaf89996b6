package segmentation

// Postprocessor defines a function that filters/modifies an incoming label volume.
type Postprocessor func(*LabelVolume) *LabelVolume

// NewKeepLabels returns a function that resets every voxel whose class is not in the
// chosen set back to background. Does not filter when the set is empty.
func NewKeepLabels(keep ...int32) Postprocessor {
	kept := make(map[int32]bool, len(keep))
	for _, label := range keep {
		kept[label] = true
	}
	return func(in *LabelVolume) *LabelVolume {
		if len(kept) < 1 {
			return in
		}
		out := in.Clone()
		for i, label := range out.labels {
			if label != 0 && !kept[label] {
				out.labels[i] = 0
				out.scores[i] = 0
			}
		}
		return out
	}
}

// NewMinVoxelFilter returns a function that resets classes claiming fewer than
// minVoxels voxels back to background.
func NewMinVoxelFilter(minVoxels int) Postprocessor {
	return func(in *LabelVolume) *LabelVolume {
		if minVoxels <= 1 {
			return in
		}
		counts := map[int32]int{}
		for _, label := range in.labels {
			counts[label]++
		}
		out := in.Clone()
		for i, label := range out.labels {
			if label != 0 && counts[label] < minVoxels {
				out.labels[i] = 0
				out.scores[i] = 0
			}
		}
		return out
	}
}
