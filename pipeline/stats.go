package pipeline

import (
	"fmt"
	"sync"
	"time"

	"skymotion/skytrack"
)

// PipelineStats tracks per-stage timings and outcomes for one video.
type PipelineStats struct {
	mu        sync.Mutex
	startTime time.Time

	decoded int64
	pairs   int64

	// Timing measurements
	readTimeTotal      time.Duration
	inferenceTimeTotal time.Duration
	trackTimeTotal     time.Duration
	persistTimeTotal   time.Duration
	stages             skytrack.StageTimings

	outcomes map[skytrack.Outcome]int
}

// NewPipelineStats creates a new statistics tracker
func NewPipelineStats() *PipelineStats {
	return &PipelineStats{
		startTime: time.Now(),
		outcomes:  make(map[skytrack.Outcome]int),
	}
}

// UpdateRead records one decoded frame.
func (ps *PipelineStats) UpdateRead(duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.decoded++
	ps.readTimeTotal += duration
}

// UpdateInference records sky segmentation plus depth estimation time.
func (ps *PipelineStats) UpdateInference(duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.inferenceTimeTotal += duration
}

// UpdateStep records one finished tracking step.
func (ps *PipelineStats) UpdateStep(res skytrack.Result, duration time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pairs++
	ps.trackTimeTotal += duration
	ps.persistTimeTotal += res.Timings.Persist
	ps.outcomes[res.Outcome]++

	ps.stages.Masks += res.Timings.Masks
	ps.stages.Flow += res.Timings.Flow
	ps.stages.Features += res.Timings.Features
	ps.stages.Tracking += res.Timings.Tracking
	ps.stages.Fit += res.Timings.Fit
	ps.stages.Persist += res.Timings.Persist
}

// StatsSnapshot is a consistent copy of the counters.
type StatsSnapshot struct {
	Decoded      int64
	Pairs        int64
	Elapsed      time.Duration
	AvgRead      time.Duration
	AvgInference time.Duration
	AvgTrack     time.Duration
	AvgPersist   time.Duration
	Stages       skytrack.StageTimings // totals
	Outcomes     map[skytrack.Outcome]int
}

// Snapshot returns the current statistics.
func (ps *PipelineStats) Snapshot() StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	s := StatsSnapshot{
		Decoded:  ps.decoded,
		Pairs:    ps.pairs,
		Elapsed:  time.Since(ps.startTime),
		Stages:   ps.stages,
		Outcomes: make(map[skytrack.Outcome]int, len(ps.outcomes)),
	}
	for k, v := range ps.outcomes {
		s.Outcomes[k] = v
	}
	if ps.decoded > 0 {
		s.AvgRead = ps.readTimeTotal / time.Duration(ps.decoded)
	}
	if ps.pairs > 0 {
		s.AvgInference = ps.inferenceTimeTotal / time.Duration(ps.pairs)
		s.AvgTrack = ps.trackTimeTotal / time.Duration(ps.pairs)
		s.AvgPersist = ps.persistTimeTotal / time.Duration(ps.pairs)
	}
	return s
}

// OutcomeCounts returns the outcome histogram keyed by name.
func (s StatsSnapshot) OutcomeCounts() map[string]int {
	out := make(map[string]int, len(s.Outcomes))
	for k, v := range s.Outcomes {
		out[string(k)] = v
	}
	return out
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("%d frames, %d pairs in %.1fs (read %v, inference %v, track %v, persist %v per pair) success=%d",
		s.Decoded, s.Pairs, s.Elapsed.Seconds(), s.AvgRead, s.AvgInference, s.AvgTrack, s.AvgPersist,
		s.Outcomes[skytrack.OutcomeSuccess])
}
