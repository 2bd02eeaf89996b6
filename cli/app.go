// Package cli implements the slicewise command line interface.
package cli

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/slicewise/slicewise/logging"
)

// Flag names shared across commands.
const (
	debugFlag  = "debug"
	configFlag = "config"

	modelFlag      = "model"
	runtimeFlag    = "runtime"
	labelsFlag     = "labels"
	numThreadsFlag = "num-threads"

	inputFlag      = "input"
	outputFlag     = "output"
	dimsFlag       = "dims"
	axisFlag       = "axis"
	roiFlag        = "roi"
	workersFlag    = "workers"
	thresholdFlag  = "threshold"
	normalizeFlag  = "normalize"
	summaryFlag    = "summary"
	keepLabelsFlag = "keep-labels"
	minVoxelsFlag  = "min-voxels"

	bindAddressFlag = "bind-address"
	cpuProfileFlag  = "cpuprofile"
)

var modelFlags = []cli.Flag{
	&cli.PathFlag{
		Name:  modelFlag,
		Usage: "path of the model file to load",
	},
	&cli.StringFlag{
		Name:  runtimeFlag,
		Value: "tflite",
		Usage: "model runtime: tflite, onnx or fake",
	},
	&cli.PathFlag{
		Name:  labelsFlag,
		Usage: "path of a class label file, one label per line",
	},
	&cli.IntFlag{
		Name:  numThreadsFlag,
		Usage: "threads per model invocation, 0 picks one per CPU",
	},
}

var app = &cli.App{
	Name:            "slicewise",
	Usage:           "run 2D segmentation models across 3D volumes",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.PathFlag{
			Name:    configFlag,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
		},
		&cli.BoolFlag{
			Name:    debugFlag,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "infer",
			Usage:     "segment a volume on disk",
			UsageText: "slicewise infer --input <volume> --output <volume> --model <model> [other options]",
			Flags: append([]cli.Flag{
				&cli.PathFlag{
					Name:     inputFlag,
					Required: true,
					Usage:    "volume to segment: .nii, .nii.gz, .raw, .raw.gz or an image directory",
				},
				&cli.PathFlag{
					Name:  outputFlag,
					Usage: "where to write the label volume",
				},
				&cli.IntSliceFlag{
					Name:  dimsFlag,
					Usage: "depth,height,width of a raw input volume",
				},
				&cli.IntSliceFlag{
					Name:  roiFlag,
					Value: cli.NewIntSlice(96, 96),
					Usage: "height,width region the model consumes",
				},
				&cli.IntFlag{
					Name:  axisFlag,
					Usage: "axis to walk: 0 depth, 1 height, 2 width",
				},
				&cli.IntFlag{
					Name:  workersFlag,
					Usage: "planes run in parallel, 0 picks a machine default",
				},
				&cli.Float64Flag{
					Name:  thresholdFlag,
					Usage: "binary score threshold in (0, 1)",
				},
				&cli.StringFlag{
					Name:  normalizeFlag,
					Usage: "intensity normalization before inference: unit or zscore",
				},
				&cli.BoolFlag{
					Name:  summaryFlag,
					Usage: "print per class voxel counts and volumes",
				},
				&cli.IntSliceFlag{
					Name:  keepLabelsFlag,
					Usage: "drop every class not in this list",
				},
				&cli.IntFlag{
					Name:  minVoxelsFlag,
					Usage: "drop classes smaller than this many voxels",
				},
			}, modelFlags...),
			Action: InferAction,
		},
		{
			Name:   "metadata",
			Usage:  "print a model's tensor metadata",
			Flags:  modelFlags,
			Action: MetadataAction,
		},
		{
			Name:      "serve",
			Usage:     "serve inference over HTTP",
			UsageText: "slicewise --config <file> serve [other options]",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  bindAddressFlag,
					Usage: "listen address, overrides the config file",
				},
				&cli.PathFlag{
					Name:  cpuProfileFlag,
					Usage: "write a cpu profile to `FILE`",
				},
			},
			Action: ServeAction,
		},
		{
			Name:   "version",
			Usage:  "print version info",
			Action: VersionAction,
		},
	},
}

// NewApp returns the CLI app with its output writers rebound.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}

func printf(w io.Writer, format string, a ...interface{}) {
	fmt.Fprintf(w, format+"\n", a...)
}

// actionLogger is quiet unless the debug flag is up.
func actionLogger(c *cli.Context) logging.Logger {
	if c.Bool(debugFlag) {
		return logging.NewDebugLogger("cli")
	}
	return logging.NewBlankLogger("cli")
}
