package segmentation

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/slicewise/slicewise/ml/inference"
)

// ReadLabels returns the class names listed in a label file, one per line. Single
// line files are split on commas, then on spaces, to cope with the label formats
// model converters emit.
func ReadLabels(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		labels = append(labels, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(labels) == 1 {
		labels = strings.Split(labels[0], ",")
	}
	if len(labels) == 1 {
		labels = strings.Split(labels[0], " ")
	}
	return labels, nil
}

// LabelsFromMetadata loads the label file a model's metadata points at, or nil when
// there is none.
func LabelsFromMetadata(md inference.MLMetadata) []string {
	infos := make([]inference.TensorInfo, 0, len(md.Inputs)+len(md.Outputs))
	infos = append(infos, md.Inputs...)
	infos = append(infos, md.Outputs...)
	for _, info := range infos {
		labelPath, ok := info.Extra["labels"].(string)
		if !ok {
			continue
		}
		labels, err := ReadLabels(labelPath)
		if err != nil {
			continue
		}
		return labels
	}
	return nil
}
