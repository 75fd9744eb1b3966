package query

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
)

func leaderboardIDs(entries []progression.LeaderboardEntry) []progression.LearnerID {
	ids := make([]progression.LearnerID, len(entries))
	for i, e := range entries {
		ids[i] = e.LearnerID
	}
	return ids
}

// seedBoard: 2 and 3 tie on 80 this week, 1 has 50, 4 is hidden,
// 5 was only active last Friday.
func seedBoard(f *fixture) {
	f.record(1, progression.SourceQuizPass, 50, monday)
	f.record(2, progression.SourceQuizPass, 80, monday)
	f.record(3, progression.SourceQuizPass, 80, monday)
	f.record(4, progression.SourceQuizPass, 500, monday)
	f.hide(4)
	f.record(5, progression.SourceQuizPass, 300, monday.AddDate(0, 0, -3))
}

type failingCache struct{ puts int }

func (c *failingCache) Get(context.Context, progression.Window) (*progression.LeaderboardSnapshot, bool, error) {
	return nil, false, errors.New("redis: connection refused")
}

func (c *failingCache) Version(context.Context) (int64, error) { return 0, nil }

func (c *failingCache) Put(context.Context, progression.Window, int64, *progression.LeaderboardSnapshot) error {
	c.puts++
	return errors.New("redis: connection refused")
}

func (c *failingCache) Invalidate(context.Context) error { return nil }

func TestGetLeaderboard_Ranges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedBoard(f)
	h := NewGetLeaderboardHandler(f.store, nil, nil, f.clock, nil, GetLeaderboardHandlerConfig{})

	weekly, err := h.Handle(ctx, GetLeaderboardQuery{})
	require.NoError(t, err)
	assert.Equal(t, progression.RangeWeekly, weekly.Range)
	assert.Equal(t, []progression.LearnerID{2, 3, 1}, leaderboardIDs(weekly.Entries))
	assert.Equal(t, []int{1, 2, 3}, []int{weekly.Entries[0].Rank, weekly.Entries[1].Rank, weekly.Entries[2].Rank})
	require.NotNil(t, weekly.WindowFrom)
	assert.Equal(t, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), *weekly.WindowFrom)

	monthly, err := h.Handle(ctx, GetLeaderboardQuery{Range: "monthly"})
	require.NoError(t, err)
	assert.Equal(t, []progression.LearnerID{5, 2, 3, 1}, leaderboardIDs(monthly.Entries))

	all, err := h.Handle(ctx, GetLeaderboardQuery{Range: "all_time", Limit: 2})
	require.NoError(t, err)
	assert.Nil(t, all.WindowFrom)
	assert.Equal(t, []progression.LearnerID{5, 2}, leaderboardIDs(all.Entries))
	assert.Equal(t, 3, all.Entries[0].Level)

	_, err = h.Handle(ctx, GetLeaderboardQuery{Range: "yearly"})
	assert.ErrorIs(t, err, shared.ErrInvalidTimeRange)
	assert.True(t, shared.IsValidation(err))
}

func TestGetLeaderboard_EmptyWindow(t *testing.T) {
	f := newFixture(t)
	h := NewGetLeaderboardHandler(f.store, nil, nil, f.clock, nil, GetLeaderboardHandlerConfig{})

	res, err := h.Handle(context.Background(), GetLeaderboardQuery{})
	require.NoError(t, err)
	assert.NotNil(t, res.Entries)
	assert.Empty(t, res.Entries)
}

func TestGetLeaderboard_Cache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedBoard(f)
	cache := memory.NewLeaderboardCache(time.Minute, f.clock)
	h := NewGetLeaderboardHandler(f.store, cache, nil, f.clock, nil, GetLeaderboardHandlerConfig{})

	first, err := h.Handle(ctx, GetLeaderboardQuery{})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := h.Handle(ctx, GetLeaderboardQuery{Limit: 1})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, []progression.LearnerID{2}, leaderboardIDs(second.Entries))

	// New XP is not visible until the snapshot goes away.
	f.record(1, progression.SourceQuizPass, 100, monday)
	stale, err := h.Handle(ctx, GetLeaderboardQuery{})
	require.NoError(t, err)
	assert.True(t, stale.Cached)
	assert.Equal(t, progression.LearnerID(2), stale.Entries[0].LearnerID)

	require.NoError(t, cache.Invalidate(ctx))
	fresh, err := h.Handle(ctx, GetLeaderboardQuery{})
	require.NoError(t, err)
	assert.False(t, fresh.Cached)
	assert.Equal(t, progression.LearnerID(1), fresh.Entries[0].LearnerID)

	t.Run("expired snapshot is recomputed", func(t *testing.T) {
		f.clock.Set(monday.Add(2 * time.Minute))
		res, err := h.Handle(ctx, GetLeaderboardQuery{})
		require.NoError(t, err)
		assert.False(t, res.Cached)
	})
}

// gatedReader blocks the first WindowTotals call after reading until release is closed.
type gatedReader struct {
	progression.Reader
	once    sync.Once
	started chan struct{}
	release chan struct{}
}

func (r *gatedReader) WindowTotals(ctx context.Context, w progression.Window, limit int) ([]progression.WindowTotal, error) {
	rows, err := r.Reader.WindowTotals(ctx, w, limit)
	gated := false
	r.once.Do(func() { gated = true })
	if gated {
		close(r.started)
		<-r.release
	}
	return rows, err
}

func TestGetLeaderboard_InvalidationDuringComputeIsNotCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.record(1, progression.SourceQuizPass, 50, monday)

	cache := memory.NewLeaderboardCache(time.Minute, f.clock)
	reader := &gatedReader{Reader: f.store, started: make(chan struct{}), release: make(chan struct{})}
	h := NewGetLeaderboardHandler(reader, cache, nil, f.clock, nil, GetLeaderboardHandlerConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := h.Handle(ctx, GetLeaderboardQuery{Range: "all_time"})
		done <- err
	}()

	<-reader.started
	f.record(2, progression.SourceQuizPass, 500, monday)
	require.NoError(t, cache.Invalidate(ctx))
	close(reader.release)
	require.NoError(t, <-done)

	res, err := h.Handle(ctx, GetLeaderboardQuery{Range: "all_time"})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Equal(t, []progression.LearnerID{2, 1}, leaderboardIDs(res.Entries))

	cached, err := h.Handle(ctx, GetLeaderboardQuery{Range: "all_time"})
	require.NoError(t, err)
	assert.True(t, cached.Cached)
	assert.Len(t, cached.Entries, 2)
}

func TestGetLeaderboard_CacheFailureFallsBackToStore(t *testing.T) {
	f := newFixture(t)
	seedBoard(f)
	cache := &failingCache{}
	h := NewGetLeaderboardHandler(f.store, cache, nil, f.clock, nil, GetLeaderboardHandlerConfig{})

	res, err := h.Handle(context.Background(), GetLeaderboardQuery{})
	require.NoError(t, err)
	assert.False(t, res.Cached)
	assert.Len(t, res.Entries, 3)
	assert.Equal(t, 1, cache.puts)
}

func TestGetLeaderboard_SnapshotCacheCanBeSwitchedOff(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedBoard(f)
	cache := memory.NewLeaderboardCache(time.Minute, f.clock)
	h := NewGetLeaderboardHandler(f.store, cache, disabledFeatures{"leaderboard.snapshot_cache": true}, f.clock, nil, GetLeaderboardHandlerConfig{})

	for i := 0; i < 2; i++ {
		res, err := h.Handle(ctx, GetLeaderboardQuery{})
		require.NoError(t, err)
		assert.False(t, res.Cached)
	}
}

func TestGetLeaderboard_RefreshSnapshots(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedBoard(f)
	cache := memory.NewLeaderboardCache(time.Minute, f.clock)
	h := NewGetLeaderboardHandler(f.store, cache, nil, f.clock, nil, GetLeaderboardHandlerConfig{})

	require.NoError(t, h.RefreshSnapshots(ctx))

	for _, r := range progression.AllTimeRanges() {
		res, err := h.Handle(ctx, GetLeaderboardQuery{Range: string(r)})
		require.NoError(t, err)
		assert.True(t, res.Cached, "range %s", r)
	}

	// Without a cache there is nothing to refresh.
	plain := NewGetLeaderboardHandler(f.store, nil, nil, f.clock, nil, GetLeaderboardHandlerConfig{})
	assert.NoError(t, plain.RefreshSnapshots(ctx))
}
