package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.Equal(t, 36*time.Hour, cfg.Progression.GraceWindow)
	assert.Equal(t, 3, cfg.Progression.RetryAttempts)
	assert.Equal(t, int64(50), cfg.Progression.DailyGoalXP)
	assert.Equal(t, 1, cfg.Progression.DailyGoalLessons)
	assert.Equal(t, 30, cfg.Progression.DailyGoalMinutes)
	assert.Equal(t, "0 3 * * *", cfg.Scheduler.RecalculationSchedule)
	assert.Equal(t, 8, cfg.Scheduler.RecalculationWorkers)
	assert.Equal(t, 500, cfg.Scheduler.RecalculationPageSize)
	assert.Equal(t, 60*time.Second, cfg.Leaderboard.CacheTTL)
	assert.Equal(t, time.UTC, cfg.Leaderboard.Location)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	t.Setenv("DB_DRIVER", "oracle")
	t.Setenv("RECORD_EVENT_RETRY_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_DRIVER")
	assert.Contains(t, err.Error(), "RECORD_EVENT_RETRY_ATTEMPTS")
}

func TestLoad_PostgresRequiresURL(t *testing.T) {
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_HOST", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_InvalidLeaderboardTimezone(t *testing.T) {
	t.Setenv("DB_DRIVER", "memory")
	t.Setenv("LEADERBOARD_TIMEZONE", "Nowhere/City")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadBadgeCatalogue_Embedded(t *testing.T) {
	cat, err := LoadBadgeCatalogue("")
	require.NoError(t, err)

	first, ok := cat.Get("first_lesson")
	require.True(t, ok)
	assert.Equal(t, progression.TierBronze, first.Tier)
	assert.Equal(t, int64(50), first.XPBonus)

	founder, ok := cat.Get("founding_member")
	require.True(t, ok)
	assert.True(t, founder.Manual)

	perfect, ok := cat.Get("perfect_module")
	require.True(t, ok)
	assert.Len(t, perfect.Condition.All, 2)
}

func TestLoadBadgeCatalogue_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badges.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
badges:
  - type: ten_lessons
    name: Ten Lessons
    tier: silver
    condition: {metric: lessons_completed, min: 10}
`), 0o600))

	cat, err := LoadBadgeCatalogue(path)
	require.NoError(t, err)
	assert.Equal(t, 1, cat.Len())
}

func TestParseBadgeCatalogue_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown key":    "badges:\n  - type: a\n    name: A\n    tier: bronze\n    conditon: {metric: total_xp, min: 1}\n",
		"unknown metric": "badges:\n  - type: a\n    name: A\n    tier: bronze\n    condition: {metric: karma, min: 1}\n",
		"bad tier":       "badges:\n  - type: a\n    name: A\n    tier: wood\n    condition: {metric: total_xp, min: 1}\n",
		"no condition":   "badges:\n  - type: a\n    name: A\n    tier: bronze\n",
	}

	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBadgeCatalogue([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, shared.ErrValidation))
		})
	}
}

func TestFeatureFlags(t *testing.T) {
	t.Setenv("FEATURE_LEADERBOARD_SNAPSHOT_CACHE", "false")
	ff := LoadFeatureFlags()

	assert.False(t, ff.IsEnabled(FeatureLeaderboardSnapshotCache, 0))
	assert.True(t, ff.IsEnabled(FeatureDomainEvents, 42))
	assert.False(t, ff.IsEnabled("does.not_exist", 0))

	ff.SetLearnerOverride(42, FeatureDomainEvents, false)
	assert.False(t, ff.IsEnabled(FeatureDomainEvents, 42))
	assert.True(t, ff.IsEnabled(FeatureDomainEvents, 43))

	require.NoError(t, ff.SetRolloutPercent(FeatureBadgeProgress, 0))
	assert.False(t, ff.IsEnabled(FeatureBadgeProgress, 7))
	assert.Error(t, ff.SetRolloutPercent(FeatureBadgeProgress, 101))

	var nilFlags *FeatureFlags
	assert.True(t, nilFlags.IsEnabled(FeatureBadgeProgress, 1))
}
