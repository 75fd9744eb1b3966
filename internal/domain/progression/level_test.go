package progression

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevelOf_Thresholds(t *testing.T) {
	tests := []struct {
		xp    int64
		level int
		title string
	}{
		{0, 1, "Beginner"},
		{99, 1, "Beginner"},
		{100, 2, "Novice"},
		{299, 2, "Novice"},
		{300, 3, "Apprentice"},
		{999, 4, "Intermediate"},
		{1000, 5, "Proficient"},
		{2199, 6, "Advanced"},
		{3000, 8, "Master"},
		{5499, 9, "Champion"},
		{5500, 10, "Legend"},
		{1_000_000, 10, "Legend"},
		{-50, 1, "Beginner"},
	}

	for _, tt := range tests {
		info := LevelOf(tt.xp)
		assert.Equal(t, tt.level, info.Level, "xp=%d", tt.xp)
		assert.Equal(t, tt.title, info.Title, "xp=%d", tt.xp)
	}
}

func TestLevelOf_Progress(t *testing.T) {
	info := LevelOf(200)
	assert.Equal(t, 2, info.Level)
	assert.Equal(t, int64(100), info.XPIntoLevel)
	assert.Equal(t, int64(100), info.XPToNextLevel)
	assert.Equal(t, 50, info.ProgressPercent)
	if assert.NotNil(t, info.Next) {
		assert.Equal(t, 3, info.Next.Level)
	}
	assert.False(t, info.IsMax())

	top := LevelOf(9000)
	assert.True(t, top.IsMax())
	assert.Equal(t, 100, top.ProgressPercent)
	assert.Equal(t, int64(0), top.XPToNextLevel)
}

func TestLevelOf_Monotonic(t *testing.T) {
	prev := 0
	for xp := int64(0); xp <= 6000; xp += 7 {
		lvl := LevelOf(xp).Level
		assert.GreaterOrEqual(t, lvl, prev, "xp=%d", xp)
		prev = lvl
	}
	assert.Equal(t, MaxLevel(), prev)
}

func TestLevelThresholds_ReturnsCopy(t *testing.T) {
	th := LevelThresholds()
	th[0].Title = "changed"
	assert.Equal(t, "Beginner", LevelOf(0).Title)
}
