package scheduler

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// Schedule pairs a job with its tick interval
type Schedule struct {
	Job      Job
	Interval time.Duration
}

// Runner runs every job on its own timer. A slow job never delays another.
type Runner struct {
	schedules []Schedule
}

// NewRunner creates a runner for the given schedules
func NewRunner(schedules ...Schedule) *Runner {
	return &Runner{schedules: schedules}
}

// Run starts every job immediately and then on each tick until ctx is done
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range r.schedules {
		s := s
		g.Go(func() error {
			loop(ctx, s)
			return nil
		})
	}
	return g.Wait()
}

// RunOnce runs every job one time, in order
func (r *Runner) RunOnce(ctx context.Context) []Report {
	reports := make([]Report, 0, len(r.schedules))
	for _, s := range r.schedules {
		reports = append(reports, s.Job.Run(ctx))
	}
	return reports
}

func loop(ctx context.Context, s Schedule) {
	log.Printf("Starting job %s every %s", s.Job.Name(), s.Interval)
	s.Job.Run(ctx)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("Stopped job %s", s.Job.Name())
			return
		case <-ticker.C:
			s.Job.Run(ctx)
		}
	}
}
