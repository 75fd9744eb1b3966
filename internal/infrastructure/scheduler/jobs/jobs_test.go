package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

type stubRecalculator struct {
	res     *progression.RecalculationResult
	err     error
	trigger string
}

func (s *stubRecalculator) Handle(_ context.Context, cmd command.RunRecalculationCommand) (*progression.RecalculationResult, error) {
	s.trigger = cmd.Trigger
	return s.res, s.err
}

func TestRecalculateProgressionJob(t *testing.T) {
	ctx := context.Background()

	t.Run("stores last result", func(t *testing.T) {
		rc := &stubRecalculator{res: &progression.RecalculationResult{Updated: 10, Errors: 1}}
		job := NewRecalculateProgressionJob(rc, nil)
		assert.Nil(t, job.LastResult())

		require.NoError(t, job.Run(ctx))
		assert.Equal(t, "schedule", rc.trigger)
		require.NotNil(t, job.LastResult())
		assert.Equal(t, 10, job.LastResult().Updated)
	})

	t.Run("pass in progress skips the tick", func(t *testing.T) {
		job := NewRecalculateProgressionJob(&stubRecalculator{err: shared.ErrRecalcInProgress}, nil)
		assert.NoError(t, job.Run(ctx))
		assert.Nil(t, job.LastResult())
	})

	t.Run("interrupted pass fails the run but keeps the result", func(t *testing.T) {
		rc := &stubRecalculator{res: &progression.RecalculationResult{Updated: 4, Errors: 1, Incomplete: true}}
		job := NewRecalculateProgressionJob(rc, nil)
		err := job.Run(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stopped early")
		require.NotNil(t, job.LastResult())
		assert.True(t, job.LastResult().Incomplete)
	})

	t.Run("other errors fail the run", func(t *testing.T) {
		boom := errors.New("store down")
		job := NewRecalculateProgressionJob(&stubRecalculator{err: boom}, nil)
		assert.ErrorIs(t, job.Run(ctx), boom)
	})
}

type stubRefresher struct {
	err         error
	hadDeadline bool
}

func (s *stubRefresher) RefreshSnapshots(ctx context.Context) error {
	_, s.hadDeadline = ctx.Deadline()
	return s.err
}

func TestRefreshLeaderboardJob(t *testing.T) {
	ok := &stubRefresher{}
	job := NewRefreshLeaderboardJob(ok, 0, nil)
	assert.Equal(t, "refresh_leaderboard", job.Name())
	require.NoError(t, job.Run(context.Background()))
	assert.True(t, ok.hadDeadline)

	boom := errors.New("redis down")
	err := NewRefreshLeaderboardJob(&stubRefresher{err: boom}, time.Second, nil).Run(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "refresh snapshots")
}
