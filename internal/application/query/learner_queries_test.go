package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

// seedLearner gives learner 1 a three day streak ending on monday:
// quizzes on Saturday and Sunday, a lesson (plus first_lesson bonus) on monday.
func seedLearner(f *fixture) {
	f.clock.Set(monday.AddDate(0, 0, -2))
	f.record(1, progression.SourceQuizPass, 20, time.Time{})
	f.clock.Set(monday.AddDate(0, 0, -1))
	f.record(1, progression.SourceQuizPass, 20, time.Time{})
	f.clock.Set(monday)
	f.record(1, progression.SourceLessonComplete, 30, time.Time{})
}

func TestGetStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedLearner(f)
	h := NewGetStatsHandler(f.store, f.catalogue, f.clock, progression.DefaultStreakPolicy(), time.UTC)

	res, err := h.Handle(ctx, GetStatsQuery{LearnerID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(95), res.TotalXP)
	assert.Equal(t, 1, res.Level.Level)
	assert.Equal(t, int64(5), res.Level.XPToNextLevel)
	assert.Equal(t, int64(55), res.WeeklyXP)
	assert.Equal(t, int64(95), res.MonthlyXP)
	assert.Equal(t, 3, res.Streak.Current)
	assert.Equal(t, 3, res.Streak.Longest)
	assert.Equal(t, 125, res.Streak.MultiplierPct)
	assert.Equal(t, 1, res.Streak.FreezesAvailable)
	assert.Empty(t, res.Streak.FrozenDates)
	assert.True(t, res.ShowOnLeaderboard)
	assert.Equal(t, "UTC", res.Timezone)

	assert.Equal(t, 1, res.Badges.Total)
	assert.Equal(t, 1, res.Badges.Unacknowledged)
	require.Len(t, res.Badges.Recent, 1)
	assert.Equal(t, "First Steps", res.Badges.Recent[0].Name)

	t.Run("broken streak reads as zero before recalculation", func(t *testing.T) {
		f.clock.Set(monday.AddDate(0, 0, 3))
		res, err := h.Handle(ctx, GetStatsQuery{LearnerID: 1})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Streak.Current)
		assert.Equal(t, 3, res.Streak.Longest)
		assert.Equal(t, 100, res.Streak.MultiplierPct)
		require.NotNil(t, res.Streak.LastActivityDate)
		assert.Equal(t, timeutil.NewDate(2024, 3, 4), *res.Streak.LastActivityDate)
	})

	t.Run("unknown learner", func(t *testing.T) {
		_, err := h.Handle(ctx, GetStatsQuery{LearnerID: 77})
		assert.ErrorIs(t, err, shared.ErrLearnerNotFound)
	})

	t.Run("invalid id", func(t *testing.T) {
		_, err := h.Handle(ctx, GetStatsQuery{LearnerID: -1})
		assert.True(t, shared.IsValidation(err))
	})

	t.Run("frozen day keeps the streak alive", func(t *testing.T) {
		f.clock.Set(monday.AddDate(0, 0, 2))
		f.freeze(1)

		res, err := h.Handle(ctx, GetStatsQuery{LearnerID: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, res.Streak.Current)
		assert.Equal(t, 125, res.Streak.MultiplierPct)
		assert.Equal(t, 0, res.Streak.FreezesAvailable)
		assert.Equal(t, []timeutil.Date{timeutil.NewDate(2024, 3, 5)}, res.Streak.FrozenDates)
	})
}

func TestGetBadges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedLearner(f)
	h := NewGetBadgesHandler(f.store, f.catalogue)

	res, err := h.Handle(ctx, GetBadgesQuery{LearnerID: 1})
	require.NoError(t, err)
	require.Len(t, res.Badges, 1)
	b := res.Badges[0]
	assert.Equal(t, "first_lesson", b.Type)
	assert.Equal(t, progression.TierBronze, b.Tier)
	assert.Equal(t, int64(25), b.XPBonus)
	assert.True(t, b.IsNew)
	require.NotNil(t, b.EarnedAt)
	assert.Equal(t, 1, res.Unacknowledged)

	_, err = h.Handle(ctx, GetBadgesQuery{LearnerID: 2})
	assert.True(t, shared.IsNotFound(err))
}

func TestGetBadgeProgress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedLearner(f)
	h := NewGetBadgeProgressHandler(f.store, f.catalogue, nil, f.clock, progression.StreakPolicy{})

	res, err := h.Handle(ctx, GetBadgeProgressQuery{LearnerID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Stats.QuizzesPassed)
	assert.Equal(t, int64(1), res.Stats.LessonsCompleted)
	assert.Equal(t, int64(3), res.Stats.CurrentStreak)

	byType := make(map[string]BadgeProgressDTO, len(res.Progress))
	for _, p := range res.Progress {
		byType[p.Badge.Type] = p
	}
	require.Len(t, byType, 2, "manual badges are hidden until awarded")

	first := byType["first_lesson"]
	assert.True(t, first.Earned)
	assert.Equal(t, 100, first.Percent)
	require.NotNil(t, first.Badge.EarnedAt)

	quiz := byType["quiz_5"]
	assert.False(t, quiz.Earned)
	assert.Equal(t, 40, quiz.Percent)
	assert.Equal(t, progression.MetricQuizzesPassed, quiz.Metric)
	require.NotNil(t, quiz.Current)
	require.NotNil(t, quiz.Target)
	assert.Equal(t, int64(2), *quiz.Current)
	assert.Equal(t, int64(5), *quiz.Target)

	t.Run("disabled", func(t *testing.T) {
		off := NewGetBadgeProgressHandler(f.store, f.catalogue, disabledFeatures{"badges.progress": true}, f.clock, progression.StreakPolicy{})
		_, err := off.Handle(ctx, GetBadgeProgressQuery{LearnerID: 1})
		assert.ErrorIs(t, err, ErrBadgeProgressDisabled)
	})
}

func TestGetBadgeCatalog(t *testing.T) {
	f := newFixture(t)
	res := NewGetBadgeCatalogHandler(f.catalogue).Handle(context.Background())

	require.Len(t, res.Badges, 3)
	assert.Equal(t, "first_lesson", res.Badges[0].Type)
	assert.Nil(t, res.Badges[0].EarnedAt)
	assert.Len(t, res.Levels, progression.MaxLevel())
	assert.Equal(t, 3, res.Multipliers[0].MinStreak)
}

func TestGetDailyGoal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedLearner(f)
	h := NewGetDailyGoalHandler(f.store, f.clock, progression.GoalTargets{})

	today, err := h.Handle(ctx, GetDailyGoalQuery{LearnerID: 1})
	require.NoError(t, err)
	assert.Equal(t, timeutil.NewDate(2024, 3, 4), today.Date)
	assert.Equal(t, int64(30), today.EarnedXP)
	assert.Equal(t, 60, today.XPPercent)
	assert.Equal(t, 100, today.LessonsPercent)
	assert.Equal(t, 0, today.MinutesPercent)
	assert.False(t, today.Met)
	assert.False(t, today.Closed)

	saturday, err := h.Handle(ctx, GetDailyGoalQuery{LearnerID: 1, Date: "2024-03-02"})
	require.NoError(t, err)
	assert.Equal(t, int64(20), saturday.EarnedXP)
	assert.True(t, saturday.Closed)

	empty, err := h.Handle(ctx, GetDailyGoalQuery{LearnerID: 1, Date: "2024-02-01"})
	require.NoError(t, err)
	assert.Zero(t, empty.EarnedXP)
	assert.Equal(t, progression.DefaultGoalTargets().XP, empty.TargetXP)
	assert.True(t, empty.Closed)

	_, found, err := f.store.DailyGoal(ctx, 1, timeutil.NewDate(2024, 2, 1))
	require.NoError(t, err)
	assert.False(t, found)

	_, err = h.Handle(ctx, GetDailyGoalQuery{LearnerID: 1, Date: "04/03/2024"})
	assert.True(t, shared.IsValidation(err))
}

func TestGetTransactions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	seedLearner(f)
	h := NewGetTransactionsHandler(f.store)

	page, err := h.Handle(ctx, GetTransactionsQuery{LearnerID: 1, Limit: 3})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 3)
	assert.True(t, page.HasMore)
	assert.Equal(t, progression.SourceBadgeBonus, page.Transactions[0].Source)

	rest, err := h.Handle(ctx, GetTransactionsQuery{LearnerID: 1, Limit: 3, Offset: 3})
	require.NoError(t, err)
	require.Len(t, rest.Transactions, 1)
	assert.False(t, rest.HasMore)
	assert.Equal(t, int64(20), rest.Transactions[0].Amount)

	beyond, err := h.Handle(ctx, GetTransactionsQuery{LearnerID: 1, Offset: 50})
	require.NoError(t, err)
	assert.NotNil(t, beyond.Transactions)
	assert.Empty(t, beyond.Transactions)
	assert.Equal(t, DefaultTransactionsLimit, beyond.Limit)

	clamped, err := h.Handle(ctx, GetTransactionsQuery{LearnerID: 1, Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, MaxTransactionsLimit, clamped.Limit)

	_, err = h.Handle(ctx, GetTransactionsQuery{LearnerID: 1, Offset: -1})
	assert.True(t, shared.IsValidation(err))

	_, err = h.Handle(ctx, GetTransactionsQuery{LearnerID: 9})
	assert.ErrorIs(t, err, shared.ErrLearnerNotFound)
}
