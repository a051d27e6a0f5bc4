package pipeline

import (
	"context"
	"hash/fnv"
	"image"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"skymotion/config"
	"skymotion/dataset"
	"skymotion/inference"
	"skymotion/logging"
	"skymotion/overlay"
	"skymotion/skytrack"
)

// FrameSource yields decoded 8-bit BGR frames. *gocv.VideoCapture satisfies it.
type FrameSource interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Estimators are the per-worker inference collaborators.
type Estimators struct {
	Sky   inference.SkySegmenter
	Depth inference.DepthEstimator
}

// EstimatorFactory builds estimators for one worker and returns a release
// function.
type EstimatorFactory func() (Estimators, func(), error)

// VideoJob is one video to label.
type VideoJob struct {
	Path  string
	Split dataset.Split
}

// Options configure a Runner.
type Options struct {
	Tuning     *config.TuningConfig
	Seed       int64
	OverlayDir string // empty disables debug renderings
}

// Runner labels videos. One Runner serves every worker; all per-video state
// lives inside ProcessVideo.
type Runner struct {
	opts       Options
	sink       skytrack.Sink
	estimators EstimatorFactory
	log        *logging.DebugLogger

	open func(path string) (FrameSource, error)
}

// NewRunner wires a runner that writes through sink.
func NewRunner(opts Options, sink skytrack.Sink, estimators EstimatorFactory, logger *logging.DebugLogger) *Runner {
	if opts.Tuning == nil {
		opts.Tuning = config.EmptyTuningConfig()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Runner{opts: opts, sink: sink, estimators: estimators, log: logger, open: openVideo}
}

func openVideo(path string) (FrameSource, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening video %s", path)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, errors.Errorf("video %s could not be opened", path)
	}
	return vc, nil
}

// videoSeed derives a per-video jitter seed so runs are reproducible no
// matter which worker picks a video up.
func videoSeed(seed int64, video string) int64 {
	h := fnv.New64a()
	h.Write([]byte(video))
	return seed ^ int64(h.Sum64())
}

// ProcessVideo decodes job, labels every sampled frame pair and returns the
// video's statistics. Context cancellation is honored between frames.
func (r *Runner) ProcessVideo(ctx context.Context, job VideoJob) (StatsSnapshot, error) {
	video := dataset.VideoBasename(job.Path)
	vlog := r.log.ForVideo(video)
	stats := NewPipelineStats()

	src, err := r.open(job.Path)
	if err != nil {
		return stats.Snapshot(), err
	}
	defer src.Close()

	est, release, err := r.estimators()
	if err != nil {
		return stats.Snapshot(), errors.Wrapf(err, "loading models for %s", video)
	}
	defer release()

	tracker := skytrack.NewTracker(r.opts.Tuning.TrackerConfig(), r.sink,
		rand.New(rand.NewSource(videoSeed(r.opts.Seed, video))), vlog)
	if r.opts.OverlayDir != "" {
		tracker.SetRenderer(overlay.NewRenderer(r.opts.OverlayDir))
	}

	stride := r.opts.Tuning.GetStride()
	w, h := r.opts.Tuning.GetFrameSize()
	size := image.Pt(w, h)
	vlog.Debugf("VIDEO", "start %s split=%s stride=%d size=%dx%d", job.Path, job.Split, stride, w, h)

	raw := gocv.NewMat()
	defer raw.Close()
	prev := gocv.NewMat()
	defer func() { prev.Close() }()

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return stats.Snapshot(), err
		}

		readStart := time.Now()
		if !src.Read(&raw) {
			break
		}
		stats.UpdateRead(time.Since(readStart))

		role := RoleOf(idx, stride)
		if role == RoleSkip {
			continue
		}
		if !isValidFrame(raw) {
			vlog.Debugf("VIDEO", "frame %d is empty, skipping", idx)
			continue
		}

		frame, err := PrepareFrame(raw, size)
		if err != nil {
			vlog.Debugf("VIDEO", "frame %d: %v", idx, err)
			continue
		}
		if role == RolePrevious {
			prev.Close()
			prev = frame
			continue
		}
		if prev.Empty() {
			vlog.Debugf("VIDEO", "frame %d has no previous frame, skipping", idx)
			frame.Close()
			continue
		}

		key := dataset.Key{Video: video, Frame: idx, Split: job.Split}
		err = r.processPair(ctx, tracker, est, key, prev, frame, stats)
		frame.Close()
		prev.Close()
		prev = gocv.NewMat()
		if err != nil {
			return stats.Snapshot(), err
		}
	}

	snap := stats.Snapshot()
	vlog.Debugf("VIDEO", "done: %s", snap)
	if err := r.log.WriteSummary(video, snap.OutcomeCounts()); err != nil {
		vlog.Debugf("VIDEO", "summary: %v", err)
	}
	return snap, nil
}

func (r *Runner) processPair(ctx context.Context, tracker *skytrack.Tracker, est Estimators, key dataset.Key, prev, curr gocv.Mat, stats *PipelineStats) error {
	start := time.Now()
	coarse, err := est.Sky.Segment(curr)
	if err != nil {
		return errors.Wrapf(err, "segmenting %s", key)
	}
	defer coarse.Close()

	sky, err := skytrack.RefineSkyMask(curr, coarse, r.opts.Tuning.GetGuidedRadius(), r.opts.Tuning.GetGuidedEps())
	if err != nil {
		return errors.Wrapf(err, "refining sky mask of %s", key)
	}
	defer sky.Close()

	depth, err := est.Depth.Estimate(curr)
	if err != nil {
		return errors.Wrapf(err, "estimating depth of %s", key)
	}
	defer depth.Close()
	stats.UpdateInference(time.Since(start))

	start = time.Now()
	res, err := tracker.Track(ctx, skytrack.Step{
		Key:       key,
		PrevFrame: prev,
		Frame:     curr,
		SkyMask:   sky,
		Depth:     depth,
	})
	if err != nil {
		return err
	}
	stats.UpdateStep(res, time.Since(start))
	return nil
}
