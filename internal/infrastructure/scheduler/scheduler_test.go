package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJob struct {
	name  string
	err   error
	runs  atomic.Int32
	sawDL atomic.Bool
}

func (j *fakeJob) Name() string        { return j.name }
func (j *fakeJob) Description() string { return "fake " + j.name }

func (j *fakeJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if _, ok := ctx.Deadline(); ok {
		j.sawDL.Store(true)
	}
	return j.err
}

func newTestScheduler() *Scheduler {
	cfg := DefaultSchedulerConfig()
	cfg.JobTimeout = time.Minute
	return NewScheduler(cfg)
}

func TestRegister(t *testing.T) {
	s := newTestScheduler()

	assert.ErrorIs(t, s.Register(nil, "@daily"), ErrNilJob)
	assert.ErrorIs(t, s.Register(&fakeJob{name: "a"}, "every day"), ErrInvalidSchedule)
	assert.ErrorIs(t, s.Register(&fakeJob{name: "a"}, "61 * * * *"), ErrInvalidSchedule)

	require.NoError(t, s.Register(&fakeJob{name: "b"}, "0 3 * * *"))
	require.NoError(t, s.Register(&fakeJob{name: "a"}, "@every 5m"))
	assert.ErrorIs(t, s.Register(&fakeJob{name: "a"}, "@daily"), ErrJobAlreadyExists)

	jobs := s.ListJobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, "a", jobs[0].Name)
	assert.Equal(t, "@every 5m", jobs[0].Schedule)
	assert.False(t, jobs[1].NextRun.IsZero())
	assert.Equal(t, 3, jobs[1].NextRun.Hour())

	require.NoError(t, s.Unregister("a"))
	assert.ErrorIs(t, s.Unregister("a"), ErrJobNotFound)
	assert.Len(t, s.ListJobs(), 1)
}

func TestRunNow(t *testing.T) {
	s := newTestScheduler()
	ok := &fakeJob{name: "ok"}
	bad := &fakeJob{name: "bad", err: errors.New("boom")}
	require.NoError(t, s.Register(ok, "@daily"))
	require.NoError(t, s.Register(bad, "@daily"))

	var completed []string
	s.OnJobComplete(func(r JobResult) { completed = append(completed, r.JobName) })

	res, err := s.RunNow(context.Background(), "ok")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Manual)
	assert.True(t, ok.sawDL.Load(), "job timeout applies to manual runs")

	res, err = s.RunNow(context.Background(), "bad")
	assert.EqualError(t, err, "boom")
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, "boom", res.Error)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	assert.Equal(t, []string{"ok", "bad"}, completed)

	history := s.GetHistory(0)
	require.Len(t, history, 2)
	assert.Equal(t, "bad", history[1].JobName)
	assert.Len(t, s.GetHistory(1), 1)

	info, err := s.GetJobInfo("bad")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.RunCount)
	assert.Equal(t, int64(1), info.FailCount)
	require.NotNil(t, info.LastResult)
	assert.False(t, info.LastResult.Success)

	m := s.GetMetrics().Snapshot()
	assert.Equal(t, int64(2), m.TotalExecutions)
	assert.Equal(t, int64(1), m.TotalFailures)
	assert.InDelta(t, 0.5, m.SuccessRate, 0.001)
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	cfg.MaxHistorySize = 3
	s := NewScheduler(cfg)
	require.NoError(t, s.Register(&fakeJob{name: "j"}, "@hourly"))

	for i := 0; i < 5; i++ {
		_, err := s.RunNow(context.Background(), "j")
		require.NoError(t, err)
	}
	assert.Len(t, s.GetHistory(0), 3)
}

func TestLifecycle(t *testing.T) {
	s := newTestScheduler()
	assert.ErrorIs(t, s.Stop(), ErrSchedulerNotRunning)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(context.Background()), ErrSchedulerAlreadyRunning)

	require.NoError(t, s.Stop())
	assert.False(t, s.IsRunning())
}

func TestScheduledJobFires(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for a cron tick")
	}
	s := newTestScheduler()
	job := &fakeJob{name: "tick"}
	require.NoError(t, s.Register(job, "@every 1s"))
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop() })

	assert.Eventually(t, func() bool { return job.runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)

	history := s.GetHistory(0)
	require.NotEmpty(t, history)
	assert.False(t, history[0].Manual)
}
