package progression

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func TestNewProfile_Defaults(t *testing.T) {
	p := NewProfile(7, "", testNow)

	assert.Equal(t, LearnerID(7), p.LearnerID)
	assert.Equal(t, int64(0), p.TotalXP)
	assert.Equal(t, 1, p.Level)
	assert.Equal(t, "UTC", p.Timezone)
	assert.True(t, p.ShowOnLeaderboard)
	assert.Nil(t, p.LastActivityDate)
	assert.Equal(t, InitialStreakFreezes, p.StreakFreezes)
	assert.NoError(t, p.Validate())
}

func TestProfile_ApplyTotal(t *testing.T) {
	p := NewProfile(1, "UTC", testNow)

	old := p.ApplyTotal(350, testNow)
	assert.Equal(t, 1, old)
	assert.Equal(t, int64(350), p.TotalXP)
	assert.Equal(t, 3, p.Level)
}

func TestProfile_ApplyActivity_LongestNeverDecreases(t *testing.T) {
	p := NewProfile(1, "UTC", testNow)
	p.LongestStreak = 10

	old := p.ApplyActivity(days("2024-03-10", "2024-03-09"), day("2024-03-10"), DefaultStreakPolicy(), testNow)

	assert.Equal(t, 0, old)
	assert.Equal(t, 2, p.CurrentStreak)
	assert.Equal(t, 10, p.LongestStreak)
	require.NotNil(t, p.LastActivityDate)
	assert.Equal(t, "2024-03-10", p.LastActivityDate.String())
}

func TestProfile_EffectiveStreak(t *testing.T) {
	p := NewProfile(1, "UTC", testNow)
	p.ApplyActivity(days("2024-03-08", "2024-03-07"), day("2024-03-08"), DefaultStreakPolicy(), testNow)
	assert.Equal(t, 2, p.CurrentStreak)

	assert.Equal(t, 2, p.EffectiveStreak(day("2024-03-09"), DefaultStreakPolicy()))
	assert.Equal(t, 0, p.EffectiveStreak(day("2024-03-10"), DefaultStreakPolicy()))
}

func TestProfile_Validate(t *testing.T) {
	p := NewProfile(1, "UTC", testNow)
	p.CurrentStreak = 5
	p.LongestStreak = 3
	assert.True(t, errors.Is(p.Validate(), shared.ErrMalformedProfile))

	p = NewProfile(1, "Mars/Olympus", testNow)
	assert.True(t, errors.Is(p.Validate(), shared.ErrInvalidState))

	p = NewProfile(0, "UTC", testNow)
	assert.True(t, errors.Is(p.Validate(), shared.ErrInvalidID))
}

func TestProfile_UseStreakFreeze(t *testing.T) {
	policy := DefaultStreakPolicy()
	active := days("2024-03-06", "2024-03-07", "2024-03-08")

	newActive := func() *Profile {
		p := NewProfile(1, "UTC", testNow)
		p.ApplyActivity(active, day("2024-03-08"), policy, testNow)
		return p
	}

	t.Run("missed yesterday is frozen", func(t *testing.T) {
		p := newActive()

		frozen, err := p.UseStreakFreeze(active, day("2024-03-10"), policy, testNow)
		require.NoError(t, err)
		assert.Equal(t, day("2024-03-09"), frozen)
		assert.Equal(t, 3, p.CurrentStreak)
		assert.Equal(t, 3, p.LongestStreak)
		assert.Equal(t, 0, p.StreakFreezes)
		assert.Equal(t, days("2024-03-09"), p.FrozenDates)
		assert.Equal(t, "2024-03-08", p.LastActivityDate.String())

		assert.Equal(t, 3, p.EffectiveStreak(day("2024-03-10"), policy))
		assert.Equal(t, 0, p.EffectiveStreak(day("2024-03-11"), policy))

		_, err = p.UseStreakFreeze(active, day("2024-03-11"), policy, testNow)
		assert.ErrorIs(t, err, shared.ErrNoStreakFreeze)

		p.ApplyActivity(append(days("2024-03-10"), active...), day("2024-03-10"), policy, testNow)
		assert.Equal(t, 4, p.CurrentStreak)
	})

	t.Run("streak not at risk", func(t *testing.T) {
		p := newActive()
		_, err := p.UseStreakFreeze(active, day("2024-03-09"), policy, testNow)
		assert.ErrorIs(t, err, shared.ErrStreakNotAtRisk)
		assert.Equal(t, 1, p.StreakFreezes)
	})

	t.Run("streak already lost", func(t *testing.T) {
		p := newActive()
		_, err := p.UseStreakFreeze(active, day("2024-03-11"), policy, testNow)
		assert.ErrorIs(t, err, shared.ErrStreakLost)
		assert.Empty(t, p.FrozenDates)
	})

	t.Run("no activity", func(t *testing.T) {
		p := NewProfile(1, "UTC", testNow)
		_, err := p.UseStreakFreeze(nil, day("2024-03-10"), policy, testNow)
		assert.ErrorIs(t, err, shared.ErrStreakLost)
		assert.True(t, shared.IsConflict(err))
	})
}

func TestProfile_GrantStreakFreezes(t *testing.T) {
	p := NewProfile(1, "UTC", testNow)
	p.StreakFreezes = 0

	p.CurrentStreak = 6
	assert.Equal(t, 0, p.GrantStreakFreezes(5))

	p.CurrentStreak = 7
	assert.Equal(t, 1, p.GrantStreakFreezes(6))
	assert.Equal(t, 1, p.StreakFreezes)

	p.CurrentStreak = 21
	assert.Equal(t, 1, p.GrantStreakFreezes(7))
	assert.Equal(t, MaxStreakFreezes, p.StreakFreezes)

	p.CurrentStreak = 28
	assert.Equal(t, 0, p.GrantStreakFreezes(21))
	assert.Equal(t, MaxStreakFreezes, p.StreakFreezes)

	p.LongestStreak = p.CurrentStreak
	require.NoError(t, p.Validate())
	p.StreakFreezes = MaxStreakFreezes + 1
	assert.True(t, errors.Is(p.Validate(), shared.ErrMalformedProfile))
}

func TestProfile_TodayUsesTimezone(t *testing.T) {
	p := NewProfile(1, "Asia/Almaty", testNow)
	late := time.Date(2024, 3, 10, 22, 0, 0, 0, time.UTC)

	today, err := p.Today(late)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-11", today.String())
}

func TestBuildStats(t *testing.T) {
	p := NewProfile(1, "UTC", testNow)
	p.TotalXP = 120
	p.CurrentStreak = 2
	p.LongestStreak = 4

	s := BuildStats(p, map[Source]int64{SourceLessonComplete: 3, SourceQuizPass: 1})

	assert.Equal(t, int64(120), s.Value(MetricTotalXP))
	assert.Equal(t, int64(3), s.Value(MetricLessonsCompleted))
	assert.Equal(t, int64(1), s.Value(MetricQuizzesPassed))
	assert.Equal(t, int64(2), s.Value(MetricCurrentStreak))
	assert.Equal(t, int64(4), s.Value(MetricLongestStreak))
	assert.Equal(t, int64(0), s.Value("unknown"))
}
