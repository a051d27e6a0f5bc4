package skytrack

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"skymotion/dataset"
	"skymotion/motion"
)

// Outcome names the state a tracking step ended in.
type Outcome string

const (
	OutcomeSmallSky     Outcome = "small_sky"
	OutcomeNoFeatures   Outcome = "no_features"
	OutcomeNoTrack      Outcome = "no_track"
	OutcomeFewSurvivors Outcome = "few_survivors"
	OutcomeSuccess      Outcome = "success"
)

// Outcomes lists every outcome in pipeline order.
var Outcomes = []Outcome{OutcomeSmallSky, OutcomeNoFeatures, OutcomeNoTrack, OutcomeFewSurvivors, OutcomeSuccess}

// Logger is the component-tagged logger the tracker reports through.
type Logger interface {
	Debugf(component, format string, args ...interface{})
	Verbosef(component, format string, args ...interface{})
}

// Sink persists finished samples.
type Sink interface {
	Write(ctx context.Context, rec dataset.Record) error
}

// Renderer draws debug views of a step. Failures are logged, never fatal.
type Renderer interface {
	Render(key dataset.Key, frame, flow gocv.Mat, prev, curr []motion.Point) error
}

// Step is one frame pair. The tracker borrows every Mat and closes none.
type Step struct {
	Key       dataset.Key
	PrevFrame gocv.Mat // CV_32FC3 RGB in [0,1]
	Frame     gocv.Mat // CV_32FC3 RGB in [0,1]
	SkyMask   gocv.Mat // CV_32FC1 confidence in [0,1], aligned to Frame
	Depth     gocv.Mat // CV_32FC1, aligned to Frame
}

// StageTimings is the wall time spent in each stage of one step.
type StageTimings struct {
	Masks    time.Duration
	Flow     time.Duration
	Features time.Duration
	Tracking time.Duration
	Fit      time.Duration
	Persist  time.Duration
}

// Result describes one finished step.
type Result struct {
	Label         motion.Label
	Outcome       Outcome
	Features      int     // corners detected in the strict sky mask
	Tracked       int     // corners the sparse tracker followed
	Survivors     int     // correspondences left after outlier rejection
	JitterDegrees float64 // rotation applied to the previous frame, 0 if none
	Persisted     bool
	Timings       StageTimings
}

// Tracker runs tracking steps for one video. It is not safe for concurrent
// use; give each video worker its own Tracker.
type Tracker struct {
	cfg      Config
	sink     Sink
	rng      *rand.Rand
	log      Logger
	renderer Renderer
}

// NewTracker wires a tracker. rng drives jitter and may be nil to disable it;
// logger may be nil.
func NewTracker(cfg Config, sink Sink, rng *rand.Rand, logger Logger) *Tracker {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Tracker{cfg: cfg, sink: sink, rng: rng, log: logger}
}

// SetRenderer enables debug renderings.
func (t *Tracker) SetRenderer(r Renderer) {
	t.renderer = r
}

// Track runs one step. Thin sky and poor tracking produce degenerate labels
// with the matching Outcome; only mismatched inputs and sink failures are
// returned as errors.
func (t *Tracker) Track(ctx context.Context, step Step) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if err := sameSize(step.Frame, map[string]gocv.Mat{
		"previous frame": step.PrevFrame,
		"sky mask":       step.SkyMask,
		"depth":          step.Depth,
	}); err != nil {
		return Result{}, errors.Wrapf(err, "step %s", step.Key)
	}

	skyMean := step.SkyMask.Mean().Val1
	if skyMean < t.cfg.MinSkyFraction {
		t.log.Debugf("TRACK", "%s: sky covers %.3f of the frame, skipping", step.Key, skyMean)
		return Result{Label: motion.ZeroLabel(), Outcome: OutcomeSmallSky}, nil
	}

	var res Result
	start := time.Now()

	prevGray := toGray(step.PrevFrame)
	defer prevGray.Close()
	currGray := toGray(step.Frame)
	defer currGray.Close()

	// jitter only feeds the sparse tracker; flow always sees the real pair
	trackPrev := prevGray
	if deg, ok := drawJitter(t.rng, t.cfg.JitterProbability, t.cfg.JitterMaxTenths); ok {
		rotated := rotateAboutCenter(prevGray, deg)
		defer rotated.Close()
		trackPrev = rotated
		res.JitterDegrees = deg
		t.log.Verbosef("JITTER", "%s: previous frame rotated %.1f°", step.Key, deg)
	}

	strict := strictSkyMask(step.SkyMask, t.cfg)
	defer strict.Close()
	foreground := foregroundMask(step.SkyMask, t.cfg)
	defer foreground.Close()
	res.Timings.Masks = time.Since(start)

	start = time.Now()
	flow, err := BuildFlowDepth(prevGray, currGray, foreground, step.Depth, t.cfg.Flow)
	if err != nil {
		return Result{}, errors.Wrapf(err, "step %s", step.Key)
	}
	defer flow.Close()
	tensor, err := TensorFromMat(flow)
	if err != nil {
		return Result{}, errors.Wrapf(err, "step %s", step.Key)
	}
	res.Timings.Flow = time.Since(start)

	start = time.Now()
	pts := detectFeatures(trackPrev, strict, t.cfg)
	res.Features = len(pts)
	res.Timings.Features = time.Since(start)
	if len(pts) == 0 {
		t.log.Debugf("TRACK", "%s: no corners in strict sky", step.Key)
		return t.finish(ctx, step, tensor, res, OutcomeNoFeatures, motion.ZeroLabel())
	}

	start = time.Now()
	corrs := trackFeatures(trackPrev, currGray, pts)
	prev, curr := motion.SplitValid(corrs)
	res.Tracked = len(prev)
	res.Timings.Tracking = time.Since(start)
	if len(prev) == 0 {
		t.log.Debugf("TRACK", "%s: none of %d corners tracked", step.Key, len(pts))
		return t.finish(ctx, step, tensor, res, OutcomeNoTrack, motion.ZeroLabel())
	}

	start = time.Now()
	prev, curr = motion.RemoveOutliers(prev, curr, t.cfg.Outliers)
	res.Survivors = len(prev)
	t.render(step, flow, prev, curr)
	if len(prev) < t.cfg.MinSurvivors {
		res.Timings.Fit = time.Since(start)
		t.log.Debugf("TRACK", "%s: %d/%d correspondences survived, need %d",
			step.Key, len(prev), res.Tracked, t.cfg.MinSurvivors)
		return t.finish(ctx, step, tensor, res, OutcomeFewSurvivors, motion.ZeroLabel())
	}

	pivot := motion.Point{X: float64(step.Frame.Cols()) / 2, Y: float64(step.Frame.Rows()) / 2}
	fit := motion.EstimatePartialTransform(prev, curr, pivot)
	res.Timings.Fit = time.Since(start)
	t.log.Verbosef("TRACK", "%s: %d features, %d tracked, %d kept, %s",
		step.Key, res.Features, res.Tracked, res.Survivors, fit.Label())
	return t.finish(ctx, step, tensor, res, OutcomeSuccess, fit.Label())
}

// finish persists the tensor with its label and fills in the result.
func (t *Tracker) finish(ctx context.Context, step Step, tensor dataset.Tensor, res Result, outcome Outcome, label motion.Label) (Result, error) {
	res.Outcome = outcome
	res.Label = label
	if t.sink == nil {
		return res, nil
	}

	start := time.Now()
	err := t.sink.Write(ctx, dataset.Record{
		Key:       step.Key,
		Flow:      tensor,
		Label:     label,
		Outcome:   string(outcome),
		Survivors: res.Survivors,
	})
	res.Timings.Persist = time.Since(start)
	if err != nil {
		return res, errors.Wrapf(err, "persisting %s", step.Key)
	}
	res.Persisted = true
	return res, nil
}

func (t *Tracker) render(step Step, flow gocv.Mat, prev, curr []motion.Point) {
	if t.renderer == nil {
		return
	}
	if err := t.renderer.Render(step.Key, step.Frame, flow, prev, curr); err != nil {
		t.log.Debugf("OVERLAY", "%s: %v", step.Key, err)
	}
}

type nopLogger struct{}

func (nopLogger) Debugf(string, string, ...interface{})   {}
func (nopLogger) Verbosef(string, string, ...interface{}) {}
