package pipeline

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// RunAll processes jobs with at most workers videos in flight. A failing
// video never cancels its siblings; every failure is returned combined.
// Cancelling ctx stops workers between frame pairs.
func RunAll(ctx context.Context, jobs []VideoJob, workers int, process func(context.Context, VideoJob) error) error {
	if workers < 1 {
		workers = 1
	}

	var (
		mu   sync.Mutex
		errs error
	)
	var g errgroup.Group
	g.SetLimit(workers)
	for _, job := range jobs {
		job := job
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := process(ctx, job); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}
