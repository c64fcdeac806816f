package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blumarkets/portfolio-engine/internal/lock"
	"github.com/blumarkets/portfolio-engine/internal/scheduler"
)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run(context.Context) error {
	j.runs.Add(1)
	return j.err
}

func TestRunNow_ReturnsJobError(t *testing.T) {
	s := scheduler.New(context.Background(), time.Second)
	boom := errors.New("boom")
	job := &countingJob{err: boom}

	assert.ErrorIs(t, s.RunNow(job), boom)
	assert.Equal(t, int32(1), job.runs.Load())
}

func TestAddJob_RejectsBadSchedule(t *testing.T) {
	s := scheduler.New(context.Background(), 0)
	assert.Error(t, s.AddJob("not a schedule", &countingJob{}))
}

func TestStartStop_RunsOnSchedule(t *testing.T) {
	s := scheduler.New(context.Background(), 0)
	job := &countingJob{}
	require.NoError(t, s.AddJob("* * * * * *", job))

	s.Start()
	assert.Eventually(t, func() bool { return job.runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}

func TestLocked_SkipsWhenLockHeld(t *testing.T) {
	ctx := context.Background()
	l := lock.NewMemoryLock()
	job := &countingJob{}
	locked := scheduler.Locked(job, l, time.Minute)
	s := scheduler.New(ctx, 0)

	// First tick wins and releases.
	require.NoError(t, s.RunNow(locked))
	assert.Equal(t, int32(1), job.runs.Load())

	// Another instance holds the lease.
	ok, _ := l.Acquire(ctx, "job:counting", time.Minute)
	require.True(t, ok)
	assert.NoError(t, s.RunNow(locked), "a skipped tick is not an error")
	assert.Equal(t, int32(1), job.runs.Load())
}
