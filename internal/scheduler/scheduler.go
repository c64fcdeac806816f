// Package scheduler runs periodic jobs on cron schedules. Each process owns
// its own Scheduler; cross-instance exclusion is the job's concern.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/blumarkets/portfolio-engine/internal/lock"
	"github.com/blumarkets/portfolio-engine/internal/metrics"
)

// Job is one unit of periodic work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Scheduler manages background jobs. Ticks are fire-and-forget: a failed
// or skipped tick is logged and the job waits for its next schedule.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	log     *slog.Logger
}

// New creates a scheduler whose job contexts derive from ctx. timeout
// bounds a single run; zero means no bound.
func New(ctx context.Context, timeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		ctx:     ctx,
		cancel:  cancel,
		timeout: timeout,
		log:     slog.With("component", "scheduler"),
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// AddJob registers job on a cron schedule (six fields, seconds first, or
// descriptors such as "@every 5m").
func (s *Scheduler) AddJob(schedule string, job Job) error {
	if _, err := s.cron.AddFunc(schedule, func() { s.run(job) }); err != nil {
		return err
	}
	s.log.Info("job registered", "schedule", schedule, "job", job.Name())
	return nil
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info("running job immediately", "job", job.Name())
	return s.run(job)
}

func (s *Scheduler) run(job Job) error {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := job.Run(ctx)
	switch {
	case errors.Is(err, lock.ErrSkipped):
		metrics.JobRuns.WithLabelValues(job.Name(), "skipped").Inc()
		s.log.Debug("job skipped, lock held elsewhere", "job", job.Name())
		return nil
	case err != nil:
		metrics.JobRuns.WithLabelValues(job.Name(), "error").Inc()
		s.log.Error("job failed", "job", job.Name(), "err", err, "duration", time.Since(start))
	default:
		metrics.JobRuns.WithLabelValues(job.Name(), "ok").Inc()
		s.log.Debug("job completed", "job", job.Name(), "duration", time.Since(start))
	}
	return err
}

// Locked wraps job so that each tick first wins the named lock for ttl.
func Locked(job Job, l lock.Locker, ttl time.Duration) Job {
	return &lockedJob{job: job, locker: l, ttl: ttl}
}

type lockedJob struct {
	job    Job
	locker lock.Locker
	ttl    time.Duration
}

func (j *lockedJob) Name() string { return j.job.Name() }

func (j *lockedJob) Run(ctx context.Context) error {
	_, err := lock.WithLock(ctx, j.locker, "job:"+j.job.Name(), j.ttl, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, j.job.Run(ctx)
	})
	return err
}
