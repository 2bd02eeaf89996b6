package segmentation

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"github.com/slicewise/slicewise/ml/inference"
)

func TestReadLabels(t *testing.T) {
	dir := t.TempDir()

	multiline := filepath.Join(dir, "labels.txt")
	test.That(t, os.WriteFile(multiline, []byte("background\nliver\ntumor\n"), 0o600), test.ShouldBeNil)
	labels, err := ReadLabels(multiline)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, labels, test.ShouldResemble, []string{"background", "liver", "tumor"})

	// Single line label files get split on commas.
	commas := filepath.Join(dir, "commas.txt")
	test.That(t, os.WriteFile(commas, []byte("background,liver,tumor"), 0o600), test.ShouldBeNil)
	labels, err = ReadLabels(commas)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, labels, test.ShouldResemble, []string{"background", "liver", "tumor"})

	// Then on spaces.
	spaces := filepath.Join(dir, "spaces.txt")
	test.That(t, os.WriteFile(spaces, []byte("background liver tumor"), 0o600), test.ShouldBeNil)
	labels, err = ReadLabels(spaces)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, labels, test.ShouldResemble, []string{"background", "liver", "tumor"})

	_, err = ReadLabels(filepath.Join(dir, "missing.txt"))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLabelsFromMetadata(t *testing.T) {
	dir := t.TempDir()
	labelPath := filepath.Join(dir, "labels.txt")
	test.That(t, os.WriteFile(labelPath, []byte("background\nliver\n"), 0o600), test.ShouldBeNil)

	md := inference.MLMetadata{
		Inputs: []inference.TensorInfo{{
			Name:  "image",
			Extra: map[string]interface{}{"labels": labelPath},
		}},
	}
	test.That(t, LabelsFromMetadata(md), test.ShouldResemble, []string{"background", "liver"})

	// Missing label files and metadata without labels both come back empty.
	md.Inputs[0].Extra["labels"] = filepath.Join(dir, "gone.txt")
	test.That(t, LabelsFromMetadata(md), test.ShouldBeNil)
	test.That(t, LabelsFromMetadata(inference.MLMetadata{}), test.ShouldBeNil)
}
