package progression

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

func datePtr(s string) *timeutil.Date {
	d := day(s)
	return &d
}

func TestRank_TieBreaks(t *testing.T) {
	rows := []WindowTotal{
		{LearnerID: 3, XP: 100, TotalXP: 100, LastActivityDate: datePtr("2024-03-05")},
		{LearnerID: 1, XP: 250, TotalXP: 900, LastActivityDate: datePtr("2024-03-09")},
		{LearnerID: 2, XP: 100, TotalXP: 100, LastActivityDate: datePtr("2024-03-04")},
		{LearnerID: 5, XP: 100, TotalXP: 100, LastActivityDate: datePtr("2024-03-05")},
		{LearnerID: 4, XP: 100, TotalXP: 100},
	}

	entries := Rank(rows, 0)
	require.Len(t, entries, 5)

	ids := make([]LearnerID, len(entries))
	for i, e := range entries {
		ids[i] = e.LearnerID
		assert.Equal(t, i+1, e.Rank)
	}
	assert.Equal(t, []LearnerID{1, 2, 3, 5, 4}, ids)
	assert.Equal(t, 4, entries[0].Level)
}

func TestRank_Limit(t *testing.T) {
	rows := []WindowTotal{
		{LearnerID: 1, XP: 10},
		{LearnerID: 2, XP: 30},
		{LearnerID: 3, XP: 20},
	}
	entries := Rank(rows, 2)
	require.Len(t, entries, 2)
	assert.Equal(t, LearnerID(2), entries[0].LearnerID)
	assert.Equal(t, LearnerID(3), entries[1].LearnerID)
}

func TestParseTimeRange(t *testing.T) {
	r, err := ParseTimeRange("")
	require.NoError(t, err)
	assert.Equal(t, RangeWeekly, r)

	r, err = ParseTimeRange("all-time")
	require.NoError(t, err)
	assert.Equal(t, RangeAllTime, r)

	_, err = ParseTimeRange("yearly")
	assert.True(t, errors.Is(err, shared.ErrInvalidInput))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLeaderboardLimit, ClampLimit(0))
	assert.Equal(t, 5, ClampLimit(5))
	assert.Equal(t, MaxLeaderboardLimit, ClampLimit(500))
}

func TestWindowFor(t *testing.T) {
	// Среда, 13 марта 2024.
	now := time.Date(2024, 3, 13, 15, 0, 0, 0, time.UTC)

	weekly := WindowFor(RangeWeekly, now, time.UTC)
	require.NotNil(t, weekly.From)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), *weekly.From)
	assert.True(t, weekly.Contains(time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)))
	assert.False(t, weekly.Contains(time.Date(2024, 3, 10, 23, 59, 0, 0, time.UTC)))

	monthly := WindowFor(RangeMonthly, now, time.UTC)
	require.NotNil(t, monthly.From)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), *monthly.From)

	all := WindowFor(RangeAllTime, now, time.UTC)
	assert.Nil(t, all.From)
	assert.True(t, all.Contains(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)))
}
