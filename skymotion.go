package main

import (
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gocv.io/x/gocv"

	"skymotion/config"
	"skymotion/dataset"
	"skymotion/inference"
	"skymotion/logging"
	"skymotion/overlay"
	"skymotion/pipeline"
	"skymotion/skytrack"
)

const (
	flagVideos     = "videos"
	flagOut        = "out"
	flagSkyModel   = "sky-model"
	flagDepthModel = "depth-model"
	flagConfig     = "config"
	flagWorkers    = "workers"
	flagSeed       = "seed"
	flagDebug      = "debug"
	flagVerbose    = "verbose"
	flagDebugDir   = "debug-dir"
	flagOverlayDir = "overlay-dir"
	flagSplit      = "split"
	flagPrev       = "prev"
	flagCurr       = "curr"
	flagMask       = "mask"
	flagDepth      = "depth"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "skymotion: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "skymotion",
		Usage: "extract camera-motion labels from the sky region of videos",
		Commands: []*cli.Command{
			{
				Name:  "prepare",
				Usage: "label every Train/Val video and write flow tensors, labels and the manifest",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagVideos, Required: true, Usage: "directory holding Train/ and Val/ video folders"},
					&cli.StringFlag{Name: flagOut, Required: true, Usage: "dataset output `DIR`"},
					&cli.StringFlag{Name: flagSkyModel, Required: true, Usage: "sky segmentation ONNX `FILE`"},
					&cli.StringFlag{Name: flagDepthModel, Required: true, Usage: "monocular depth ONNX `FILE`"},
					&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, Usage: "tuning JSON `FILE` (built-in defaults when omitted)"},
					&cli.IntFlag{Name: flagWorkers, Value: defaultWorkers(), Usage: "videos processed concurrently"},
					&cli.Int64Flag{Name: flagSeed, Value: 1, Usage: "jitter seed; equal seeds give equal datasets"},
					&cli.BoolFlag{Name: flagDebug, Usage: "write per-video debug logs"},
					&cli.BoolFlag{Name: flagVerbose, Usage: "include per-step detail in the debug logs"},
					&cli.StringFlag{Name: flagDebugDir, Value: logging.DefaultDebugDir, Usage: "debug log `DIR`"},
					&cli.StringFlag{Name: flagOverlayDir, Usage: "save track and flow overlays under `DIR`"},
				},
				Action: prepareAction,
			},
			{
				Name:  "inspect",
				Usage: "summarize a prepared dataset",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagOut, Required: true, Usage: "dataset `DIR`"},
					&cli.StringFlag{Name: flagSplit, Usage: "Train or Val (both when omitted)"},
				},
				Action: inspectAction,
			},
			{
				Name:  "track-pair",
				Usage: "run one tracking step on two still images",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagPrev, Required: true, Usage: "previous frame image"},
					&cli.StringFlag{Name: flagCurr, Required: true, Usage: "current frame image"},
					&cli.StringFlag{Name: flagMask, Usage: "grayscale sky-confidence image (whole frame is sky when omitted)"},
					&cli.StringFlag{Name: flagDepth, Usage: "grayscale depth image (uniform depth when omitted)"},
					&cli.StringFlag{Name: flagConfig, Aliases: []string{"c"}, Usage: "tuning JSON `FILE`"},
					&cli.StringFlag{Name: flagOverlayDir, Usage: "save track and flow overlays under `DIR`"},
					&cli.BoolFlag{Name: flagVerbose, Usage: "print per-stage detail"},
				},
				Action: trackPairAction,
			},
		},
	}
}

func defaultWorkers() int {
	if n := runtime.NumCPU() / 2; n > 1 {
		return n
	}
	return 1
}

func loadTuning(path string) (*config.TuningConfig, error) {
	if path == "" {
		return config.EmptyTuningConfig(), nil
	}
	return config.LoadTuningConfig(path)
}

func prepareAction(c *cli.Context) error {
	tuning, err := loadTuning(c.String(flagConfig))
	if err != nil {
		return err
	}
	jobs, err := pipeline.DiscoverVideos(c.String(flagVideos))
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return errors.Errorf("no videos found under %s/{Train,Val}", c.String(flagVideos))
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := logging.NewDebugLogger(c.Bool(flagDebug), c.Bool(flagVerbose), c.String(flagDebugDir))
	defer logger.Close()

	layout := dataset.NewLayout(c.String(flagOut))
	if err := layout.Ensure(); err != nil {
		return err
	}
	manifest, err := dataset.OpenManifest(layout.ManifestPath())
	if err != nil {
		return err
	}
	defer manifest.Close()

	runID, err := manifest.BeginRun(ctx, tuning.JSON())
	if err != nil {
		return err
	}
	writer, err := dataset.NewWriter(layout, manifest, runID)
	if err != nil {
		return err
	}

	paths := inference.ModelPaths{Segmenter: c.String(flagSkyModel), Depth: c.String(flagDepthModel)}
	runner := pipeline.NewRunner(pipeline.Options{
		Tuning:     tuning,
		Seed:       c.Int64(flagSeed),
		OverlayDir: c.String(flagOverlayDir),
	}, writer, modelFactory(paths, logger), logger)

	logger.Debugf("PREPARE", "run %s: %d videos, %d workers", runID, len(jobs), c.Int(flagWorkers))
	start := time.Now()
	err = pipeline.RunAll(ctx, jobs, c.Int(flagWorkers), func(ctx context.Context, job pipeline.VideoJob) error {
		snap, err := runner.ProcessVideo(ctx, job)
		if err != nil {
			logger.Debugf("PREPARE", "%s failed: %v", job.Path, err)
			return errors.Wrapf(err, "video %s", job.Path)
		}
		logger.Debugf("PREPARE", "%s: %s", job.Path, snap)
		return nil
	})
	logger.Debugf("PREPARE", "run %s finished in %s", runID, time.Since(start).Round(time.Millisecond))
	return err
}

// modelFactory gives every worker its own provider manager.
func modelFactory(paths inference.ModelPaths, logger *logging.DebugLogger) pipeline.EstimatorFactory {
	return func() (pipeline.Estimators, func(), error) {
		pm := inference.NewProviderManager(logger)
		if err := pm.Initialize(paths); err != nil {
			return pipeline.Estimators{}, nil, err
		}
		info := pm.Info()
		logger.Debugf("PROVIDER", "%s backend ready in %s", info.Backend, info.InitTime.Round(time.Millisecond))
		return pipeline.Estimators{Sky: pm.Segmenter(), Depth: pm.DepthEstimator()},
			func() { _ = pm.Close() }, nil
	}
}

func inspectAction(c *cli.Context) error {
	splits := dataset.Splits
	if s := c.String(flagSplit); s != "" {
		split, err := dataset.ParseSplit(s)
		if err != nil {
			return err
		}
		splits = []dataset.Split{split}
	}

	path := dataset.NewLayout(c.String(flagOut)).ManifestPath()
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(err, "no prepared dataset in %s", c.String(flagOut))
	}
	manifest, err := dataset.OpenManifest(path)
	if err != nil {
		return err
	}
	defer manifest.Close()

	loader := dataset.NewLoader(manifest)
	for _, split := range splits {
		sum, err := loader.Summarize(c.Context, split)
		if err != nil {
			return err
		}
		printSummary(c.App.Writer, sum)
	}
	return nil
}

func printSummary(w io.Writer, s dataset.Summary) {
	fmt.Fprintf(w, "%s: %d samples, %d valid\n", s.Split, s.Samples, s.Valid)
	for _, o := range skytrack.Outcomes {
		fmt.Fprintf(w, "  %-14s %d\n", o, s.Outcomes[string(o)])
	}
	fmt.Fprintf(w, "  dx       mean %8.3f  std %8.3f\n", s.DX.Mean, s.DX.StdDev)
	fmt.Fprintf(w, "  dy       mean %8.3f  std %8.3f\n", s.DY.Mean, s.DY.StdDev)
	fmt.Fprintf(w, "  rotation mean %8.3f  std %8.3f\n", s.Rotation.Mean, s.Rotation.StdDev)
}

// discardSink reports what would have been written.
type discardSink struct {
	written *dataset.Record
}

func (s *discardSink) Write(_ context.Context, rec dataset.Record) error {
	s.written = &rec
	return nil
}

func trackPairAction(c *cli.Context) error {
	tuning, err := loadTuning(c.String(flagConfig))
	if err != nil {
		return err
	}
	w, h := tuning.GetFrameSize()
	size := image.Pt(w, h)

	prev, err := readFrame(c.String(flagPrev), size)
	if err != nil {
		return err
	}
	defer prev.Close()
	curr, err := readFrame(c.String(flagCurr), size)
	if err != nil {
		return err
	}
	defer curr.Close()

	coarse, err := readMap(c.String(flagMask), size)
	if err != nil {
		return err
	}
	defer coarse.Close()
	sky, err := skytrack.RefineSkyMask(curr, coarse, tuning.GetGuidedRadius(), tuning.GetGuidedEps())
	if err != nil {
		return err
	}
	defer sky.Close()

	depth, err := readMap(c.String(flagDepth), size)
	if err != nil {
		return err
	}
	defer depth.Close()

	logger := logging.NewDebugLogger(false, c.Bool(flagVerbose), "")
	defer logger.Close()

	sink := &discardSink{}
	tracker := skytrack.NewTracker(tuning.TrackerConfig(), sink, nil, logger)
	if dir := c.String(flagOverlayDir); dir != "" {
		tracker.SetRenderer(overlay.NewRenderer(dir))
	}

	key := dataset.Key{Video: dataset.VideoBasename(c.String(flagCurr)), Frame: 1, Split: dataset.SplitVal}
	res, err := tracker.Track(c.Context, skytrack.Step{Key: key, PrevFrame: prev, Frame: curr, SkyMask: sky, Depth: depth})
	if err != nil {
		return err
	}

	out := c.App.Writer
	fmt.Fprintf(out, "outcome:   %s\n", res.Outcome)
	fmt.Fprintf(out, "features:  %d tracked %d survivors %d\n", res.Features, res.Tracked, res.Survivors)
	fmt.Fprintf(out, "label:     %s\n", res.Label)
	if sink.written != nil {
		fmt.Fprintf(out, "tensor:    %v\n", sink.written.Flow.Shape)
	}
	return nil
}

// readFrame loads an image and applies the video preprocessing chain.
func readFrame(path string, size image.Point) (gocv.Mat, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	defer img.Close()
	if img.Empty() {
		return gocv.NewMat(), errors.Errorf("could not read image %s", filepath.Clean(path))
	}
	return pipeline.PrepareFrame(img, size)
}

// readMap loads a grayscale image as a [0,1] float map, or an all-ones map
// when path is empty.
func readMap(path string, size image.Point) (gocv.Mat, error) {
	if path == "" {
		return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 0, 0, 0), size.Y, size.X, gocv.MatTypeCV32F), nil
	}
	img := gocv.IMRead(path, gocv.IMReadGrayScale)
	defer img.Close()
	if img.Empty() {
		return gocv.NewMat(), errors.Errorf("could not read image %s", filepath.Clean(path))
	}
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(img, &resized, size, 0, 0, gocv.InterpolationLinear)

	out := gocv.NewMat()
	resized.ConvertToWithParams(&out, gocv.MatTypeCV32F, 1.0/255, 0)
	return out, nil
}
