package cli

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	goutils "go.viam.com/utils"

	"github.com/slicewise/slicewise/config"
	"github.com/slicewise/slicewise/ml/inference"
	"github.com/slicewise/slicewise/segmentation"
	"github.com/slicewise/slicewise/slicer"
	"github.com/slicewise/slicewise/volume"
)

// modelConfigFromFlags collects the model flags into an inference config and
// validates them the same way a config file would be.
func modelConfigFromFlags(c *cli.Context) (inference.Config, error) {
	conf := config.ModelConfig{
		Config: inference.Config{
			Runtime:    c.String(runtimeFlag),
			Path:       c.Path(modelFlag),
			NumThreads: c.Int(numThreadsFlag),
			LabelPath:  c.Path(labelsFlag),
		},
	}
	if err := conf.Validate("model"); err != nil {
		return inference.Config{}, err
	}
	return conf.Config, nil
}

// InferAction is the corresponding action for 'infer'.
func InferAction(c *cli.Context) error {
	logger := actionLogger(c)

	conf, err := modelConfigFromFlags(c)
	if err != nil {
		return err
	}
	model, err := inference.New(c.Context, conf, logger)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(model.Close(context.Background()))
	}()

	vol, err := loadVolume(c.Path(inputFlag), c.IntSlice(dimsFlag))
	if err != nil {
		return err
	}
	if err := normalizeVolume(vol, c.String(normalizeFlag)); err != nil {
		return err
	}

	opts := slicer.Options{
		ROISize: c.IntSlice(roiFlag),
		Axis:    c.Int(axisFlag),
		Workers: c.Int(workersFlag),
	}
	sl, err := slicer.New(c.Context, model, opts, logger)
	if err != nil {
		return err
	}

	start := time.Now()
	scores, err := sl.Infer(c.Context, vol.ToTensor())
	if err != nil {
		return err
	}
	logger.Infow("inference done", "dims", vol.Dims(), "elapsed", time.Since(start))

	lv, err := segmentation.FromScores(scores, segmentation.ScoreOptions{Threshold: c.Float64(thresholdFlag)})
	if err != nil {
		return err
	}
	if keep := c.IntSlice(keepLabelsFlag); len(keep) > 0 {
		keep32 := make([]int32, len(keep))
		for i, label := range keep {
			keep32[i] = int32(label)
		}
		lv = segmentation.NewKeepLabels(keep32...)(lv)
	}
	if minVoxels := c.Int(minVoxelsFlag); minVoxels > 1 {
		lv = segmentation.NewMinVoxelFilter(minVoxels)(lv)
	}

	if outPath := c.Path(outputFlag); outPath != "" {
		out, err := lv.ToVolume(vol.Spacing())
		if err != nil {
			return err
		}
		if err := volume.WriteToFile(outPath, out); err != nil {
			return err
		}
		printf(c.App.Writer, "wrote %s", outPath)
	}

	if c.Bool(summaryFlag) {
		labels := labelNames(c.Context, conf, model)
		for _, class := range segmentation.Summarize(lv, vol.Spacing(), labels) {
			name := ""
			if class.Name != "" {
				name = " (" + class.Name + ")"
			}
			printf(c.App.Writer, "label %d%s: %d voxels, %.1f mm3, mean score %.3f",
				class.Label, name, class.Voxels, class.VolumeMM3, class.MeanScore)
		}
	}
	return nil
}

// MetadataAction is the corresponding action for 'metadata'.
func MetadataAction(c *cli.Context) error {
	logger := actionLogger(c)

	conf, err := modelConfigFromFlags(c)
	if err != nil {
		return err
	}
	model, err := inference.New(c.Context, conf, logger)
	if err != nil {
		return err
	}
	defer func() {
		goutils.UncheckedError(model.Close(context.Background()))
	}()

	md, err := model.Metadata(c.Context)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%s", out)
	return nil
}

// loadVolume reads a volume off disk. Raw volumes carry no geometry, so they need
// explicit dims.
func loadVolume(path string, dims []int) (*volume.Volume, error) {
	if strings.HasSuffix(path, ".raw") || strings.HasSuffix(path, ".raw.gz") {
		if len(dims) != 3 {
			return nil, errors.Errorf("raw volumes need --dims depth,height,width, got %v", dims)
		}
		return volume.ParseRaw(path, [3]int{dims[0], dims[1], dims[2]})
	}
	return volume.Parse(path)
}

func normalizeVolume(vol *volume.Volume, name string) error {
	switch name {
	case "", "none":
		return nil
	case "unit":
		return volume.Apply(vol, volume.NewUnitScale())
	case "zscore":
		return volume.Apply(vol, volume.NewZScore())
	}
	return errors.Errorf("unknown normalize %q", name)
}

// labelNames loads class names from the label file when given, falling back to any
// names the model carries in its metadata.
func labelNames(ctx context.Context, conf inference.Config, model inference.Model) []string {
	if conf.LabelPath != "" {
		labels, err := segmentation.ReadLabels(conf.LabelPath)
		if err == nil {
			return labels
		}
	}
	md, err := model.Metadata(ctx)
	if err != nil {
		return nil
	}
	return segmentation.LabelsFromMetadata(md)
}
