package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	block chan struct{}
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "counts runs" }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return j.err
}

// fastSchedule fires on every tick.
type fastSchedule struct{}

func (fastSchedule) Next(t time.Time) time.Time { return t }
func (fastSchedule) String() string             { return "@every tick" }

func newTestScheduler(observer CompletionObserver) *Scheduler {
	return NewScheduler(SchedulerConfig{
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		TickInterval: 5 * time.Millisecond,
		Observer:     observer,
	})
}

func TestScheduler_Register(t *testing.T) {
	s := newTestScheduler(nil)

	assert.ErrorIs(t, s.Register(nil, Every(time.Minute)), ErrNilJob)
	assert.ErrorIs(t, s.Register(&countingJob{name: "a"}, nil), ErrNilSchedule)

	require.NoError(t, s.Register(&countingJob{name: "b"}, Every(time.Minute)))
	require.NoError(t, s.Register(&countingJob{name: "a"}, Every(time.Hour)))
	assert.ErrorIs(t, s.Register(&countingJob{name: "a"}, Every(time.Minute)), ErrJobAlreadyExists)

	infos := s.ListJobs()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)
	assert.Equal(t, "@every 1h0m0s", infos[0].Schedule)
	assert.Zero(t, infos[0].RunCount)
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	var observed atomic.Int32
	s := newTestScheduler(func(string, time.Duration, error) { observed.Add(1) })

	job := &countingJob{name: "tick"}
	require.NoError(t, s.Register(job, fastSchedule{}))
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	assert.Eventually(t, func() bool { return job.runs.Load() >= 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)
	assert.GreaterOrEqual(t, observed.Load(), int32(3))
}

func TestScheduler_NoOverlap(t *testing.T) {
	s := newTestScheduler(nil)

	job := &countingJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.Register(job, fastSchedule{}))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load())

	// Stop cancels the blocked run.
	require.NoError(t, s.Stop())
}

func TestScheduler_ListJobsRecordsFailures(t *testing.T) {
	s := newTestScheduler(nil)

	failing := &countingJob{name: "failing", err: errors.New("boom")}
	require.NoError(t, s.Register(failing, fastSchedule{}))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		info := s.ListJobs()[0]
		return info.FailCount >= 1 && info.LastResult != nil
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	info := s.ListJobs()[0]
	assert.Equal(t, info.RunCount, info.FailCount)
	assert.False(t, info.LastResult.Success())
	assert.False(t, info.LastRun.IsZero())
}

func TestIntervalSchedule(t *testing.T) {
	base := time.Date(2025, 1, 10, 9, 7, 30, 0, time.UTC)

	assert.Equal(t, base.Add(5*time.Minute), Every(5*time.Minute).Next(base))
	assert.Equal(t, time.Second, Every(time.Millisecond).Interval)

	aligned := &IntervalSchedule{Interval: 5 * time.Minute, Aligned: true}
	assert.Equal(t, time.Date(2025, 1, 10, 9, 10, 0, 0, time.UTC), aligned.Next(base))
}
