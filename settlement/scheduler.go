package settlement

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is a unit of periodic work.
type Job struct {
	Name     string
	Interval time.Duration
	// RunOnStart fires the job immediately instead of after the first interval.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// SchedulerConfig configures the periodic job runner.
type SchedulerConfig struct {
	Jobs   []Job
	Logger *slog.Logger
}

// Scheduler executes jobs on fixed intervals until its context is cancelled.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
}

// NewScheduler constructs a scheduler, dropping jobs without a callback and
// defaulting non-positive intervals to one minute.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	jobs := make([]Job, 0, len(cfg.Jobs))
	for _, job := range cfg.Jobs {
		if job.Run == nil {
			continue
		}
		if job.Interval <= 0 {
			job.Interval = time.Minute
		}
		jobs = append(jobs, job)
	}
	return &Scheduler{jobs: jobs, logger: logger}
}

// Start runs every job on its own loop and blocks until ctx is done and all
// in-flight runs have returned.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || len(s.jobs) == 0 {
		return
	}
	var wg sync.WaitGroup
	for _, job := range s.jobs {
		wg.Add(1)
		go func(job Job) {
			defer wg.Done()
			s.loop(ctx, job)
		}(job)
	}
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	delay := job.Interval
	if job.RunOnStart {
		delay = 0
	}
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := job.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("scheduled job failed", slog.String("job", job.Name), slog.Any("error", err))
			}
		}
		delay = job.Interval
	}
}
