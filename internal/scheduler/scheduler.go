// Package scheduler drives the periodic jobs around the trading core.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"trade-sentinel/internal/monitor"
)

var log = logrus.WithField("component", "scheduler")

// Job is one periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// RunAtStart runs the job once before the first tick.
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// Scheduler runs jobs on their own tickers. A failing run is logged and
// counted; it never stops the job.
type Scheduler struct {
	jobs []Job
}

func New(jobs ...Job) *Scheduler {
	return &Scheduler{jobs: jobs}
}

// Add registers another job. It must be called before Run.
func (s *Scheduler) Add(j Job) {
	s.jobs = append(s.jobs, j)
}

// Jobs lists the registered job names.
func (s *Scheduler) Jobs() []string {
	names := make([]string, 0, len(s.jobs))
	for _, j := range s.jobs {
		names = append(names, j.Name)
	}
	return names
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		if j.Interval <= 0 || j.Run == nil {
			log.WithField("job", j.Name).Info("job disabled")
			continue
		}
		j := j
		g.Go(func() error { return s.loop(ctx, j) })
	}
	log.WithField("jobs", s.Jobs()).Info("scheduler started")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context, j Job) error {
	if j.RunAtStart {
		s.runOnce(ctx, j)
	}
	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runOnce(ctx, j)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	start := time.Now()
	err := j.Run(ctx)
	entry := log.WithFields(logrus.Fields{"job": j.Name, "took": time.Since(start).Round(time.Millisecond)})
	switch {
	case err == nil:
		monitor.JobRuns.WithLabelValues(j.Name, "ok").Inc()
		entry.Debug("job done")
	case ctx.Err() != nil:
	default:
		monitor.JobRuns.WithLabelValues(j.Name, "error").Inc()
		entry.WithError(err).Warn("job failed")
	}
}
