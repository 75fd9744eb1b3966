package command

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
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

func dayN(n int) time.Time { return day1.AddDate(0, 0, n-1) }

func TestRecordEvent_XPAcrossDaysWithGap(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock(dayN(1))
	store := newMemStore(clk)
	h := newRecorder(store, testCatalogue(t), nil, clk)

	res := record(t, h, 1, progression.SourceQuizPass, 50)
	assert.Equal(t, int64(50), res.TotalXP)
	assert.Equal(t, 1, res.Streak)

	clk.Set(dayN(2))
	res = record(t, h, 1, progression.SourceQuizPass, 50)
	assert.Equal(t, int64(100), res.TotalXP)
	assert.True(t, res.LeveledUp)
	assert.Equal(t, 2, res.Streak)

	clk.Set(dayN(4))
	res = record(t, h, 1, progression.SourceQuizPass, 30)
	assert.Equal(t, int64(30), res.XPAwarded)
	assert.Equal(t, 100, res.MultiplierPct)
	assert.Equal(t, int64(130), res.TotalXP)
	assert.Equal(t, 2, res.Level.Level)
	assert.False(t, res.LeveledUp)
	assert.Equal(t, 1, res.Streak)
	assert.Equal(t, 2, res.LongestStreak)

	p, err := store.Profile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(130), p.TotalXP)
	assert.Equal(t, 2, p.Level)
	assert.Equal(t, 1, p.CurrentStreak)
	assert.Equal(t, 2, p.LongestStreak)
	require.NotNil(t, p.LastActivityDate)
	assert.Equal(t, timeutil.DateOf(dayN(4), time.UTC), *p.LastActivityDate)
}

func TestRecordEvent_MultiplierUsesStreakBeforeEvent(t *testing.T) {
	clk := newTestClock(dayN(1))
	h := newRecorder(newMemStore(clk), nil, nil, clk)

	want := map[int]struct {
		pct    int
		amount int64
	}{
		1: {100, 20},
		3: {100, 20},
		4: {125, 25},
		7: {125, 25},
		8: {150, 30},
	}

	for day := 1; day <= 8; day++ {
		clk.Set(dayN(day))
		res := record(t, h, 1, progression.SourceQuizPass, 20)
		if w, ok := want[day]; ok {
			assert.Equal(t, w.pct, res.MultiplierPct, "day %d", day)
			assert.Equal(t, w.amount, res.XPAwarded, "day %d", day)
		}
		assert.Equal(t, day, res.Streak)
	}
}

func TestRecordEvent_AdjustmentIsNotMultiplied(t *testing.T) {
	clk := newTestClock(dayN(1))
	h := newRecorder(newMemStore(clk), nil, nil, clk)

	for day := 1; day <= 5; day++ {
		clk.Set(dayN(day))
		record(t, h, 1, progression.SourceQuizPass, 10)
	}

	res := record(t, h, 1, progression.SourceManualAdjustment, 40)
	assert.Equal(t, 100, res.MultiplierPct)
	assert.Equal(t, int64(40), res.XPAwarded)
	assert.Equal(t, 5, res.Streak)
}

func TestRecordEvent_ValidationCreatesNothing(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock(dayN(1))
	store := newMemStore(clk)
	h := newRecorder(store, testCatalogue(t), nil, clk)

	tests := []struct {
		name string
		cmd  RecordEventCommand
		want error
	}{
		{"zero amount", RecordEventCommand{LearnerID: 1, Source: progression.SourceQuizPass}, shared.ErrInvalidAmount},
		{"negative lesson", RecordEventCommand{LearnerID: 1, Source: progression.SourceLessonComplete, Amount: -5}, shared.ErrInvalidAmount},
		{"zero adjustment", RecordEventCommand{LearnerID: 1, Source: progression.SourceManualAdjustment}, shared.ErrInvalidAmount},
		{"unknown source", RecordEventCommand{LearnerID: 1, Source: "video_watched", Amount: 10}, shared.ErrUnknownSource},
		{"bad learner", RecordEventCommand{LearnerID: 0, Source: progression.SourceQuizPass, Amount: 10}, shared.ErrInvalidLearnerID},
		{"bad timezone", RecordEventCommand{LearnerID: 1, Source: progression.SourceQuizPass, Amount: 10, Timezone: "Mars/Phobos"}, shared.ErrInvalidTimezone},
		{"future event", RecordEventCommand{LearnerID: 1, Source: progression.SourceQuizPass, Amount: 10, OccurredAt: dayN(1).Add(time.Hour)}, shared.ErrEventInFuture},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Handle(ctx, tt.cmd)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, shared.IsValidation(err))
		})
	}

	_, err := store.Profile(ctx, 1)
	assert.ErrorIs(t, err, shared.ErrLearnerNotFound)
}

func TestRecordEvent_SmallClockSkewIsAccepted(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock(dayN(1))
	store := newMemStore(clk)
	h := newRecorder(store, nil, nil, clk)

	res, err := h.Handle(ctx, RecordEventCommand{
		LearnerID:  1,
		Source:     progression.SourceQuizPass,
		Amount:     10,
		OccurredAt: dayN(1).Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), res.TotalXP)

	// The entry is stamped with the current time so every window sees it at once.
	txs, err := store.Transactions(ctx, 1, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.True(t, txs[0].OccurredAt.Equal(dayN(1)))

	for _, r := range progression.AllTimeRanges() {
		xp, err := store.LearnerWindowXP(ctx, 1, progression.WindowFor(r, clk.Now(), time.UTC))
		require.NoError(t, err)
		assert.Equal(t, int64(10), xp, "range %s", r)
	}
}

func TestRecordEvent_AdjustmentBelowZeroIsRejected(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock(dayN(1))
	store := newMemStore(clk)
	h := newRecorder(store, nil, nil, clk)

	record(t, h, 1, progression.SourceQuizPass, 30)

	_, err := h.Handle(ctx, RecordEventCommand{LearnerID: 1, Source: progression.SourceManualAdjustment, Amount: -50})
	require.ErrorIs(t, err, shared.ErrNegativeTotal)

	txs, err := store.Transactions(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 1)

	p, err := store.Profile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(30), p.TotalXP)

	res := record(t, h, 1, progression.SourceManualAdjustment, -30)
	assert.Equal(t, int64(0), res.TotalXP)
}

func TestRecordEvent_BadgeBonusUnlocksXPBadge(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock(dayN(1))
	store := newMemStore(clk)
	catalogue := testCatalogue(t)
	h := newRecorder(store, catalogue, nil, clk)

	res := record(t, h, 1, progression.SourceLessonComplete, 80)
	require.Len(t, res.NewBadges, 2)
	assert.Equal(t, "first_lesson", res.NewBadges[0].Type)
	assert.Equal(t, int64(25), res.NewBadges[0].XPBonus)
	assert.Equal(t, "xp_100", res.NewBadges[1].Type)
	assert.Equal(t, int64(105), res.TotalXP)
	assert.True(t, res.LeveledUp)
	assert.Equal(t, 2, res.Level.Level)

	txs, err := store.Transactions(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, progression.SourceBadgeBonus, txs[0].Source)
	assert.Equal(t, "first_lesson", txs[0].ReferenceID)

	eval := NewEvaluateBadgesHandler(store, catalogue, nil, nil, clk, nil)
	again, err := eval.Handle(ctx, EvaluateBadgesCommand{LearnerID: 1})
	require.NoError(t, err)
	assert.Empty(t, again.NewBadges)
	assert.Equal(t, int64(105), again.TotalXP)

	awards, err := store.Awards(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, awards, 2)
}

func TestRecordEvent_DailyGoal(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock(dayN(2))
	store := newMemStore(clk)
	h := newRecorder(store, testCatalogue(t), nil, clk)

	res, err := h.Handle(ctx, RecordEventCommand{LearnerID: 1, Source: progression.SourceLessonComplete, Amount: 30, Minutes: 10})
	require.NoError(t, err)
	require.NotNil(t, res.DailyGoal)
	// The first_lesson bonus is credited to the total but not to the goal.
	assert.Equal(t, int64(55), res.TotalXP)
	assert.Equal(t, int64(30), res.DailyGoal.EarnedXP)
	assert.Equal(t, 1, res.DailyGoal.LessonsCompleted)
	assert.False(t, res.DailyGoal.Met())

	res, err = h.Handle(ctx, RecordEventCommand{LearnerID: 1, Source: progression.SourceQuizPass, Amount: 20, Minutes: 25})
	require.NoError(t, err)
	require.NotNil(t, res.DailyGoal)
	assert.Equal(t, int64(50), res.DailyGoal.EarnedXP)
	assert.Equal(t, 35, res.DailyGoal.MinutesStudied)
	assert.True(t, res.DailyGoal.Met())

	t.Run("late event skips the goal", func(t *testing.T) {
		res, err := h.Handle(ctx, RecordEventCommand{
			LearnerID:  1,
			Source:     progression.SourceQuizPass,
			Amount:     10,
			Minutes:    15,
			OccurredAt: dayN(1),
		})
		require.NoError(t, err)
		assert.Nil(t, res.DailyGoal)

		_, found, err := store.DailyGoal(ctx, 1, timeutil.DateOf(dayN(1), time.UTC))
		require.NoError(t, err)
		assert.False(t, found)

		today, found, err := store.DailyGoal(ctx, 1, timeutil.DateOf(dayN(2), time.UTC))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 35, today.MinutesStudied)
	})

	t.Run("late event extends the streak backwards", func(t *testing.T) {
		p, err := store.Profile(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, p.CurrentStreak)
	})
}

func TestRecordEvent_TimezoneDecidesCalendarDay(t *testing.T) {
	ctx := context.Background()
	// 23:30 UTC on Monday is already Tuesday in Almaty.
	clk := newTestClock(time.Date(2024, 3, 4, 23, 30, 0, 0, time.UTC))
	store := newMemStore(clk)
	h := newRecorder(store, nil, nil, clk)

	res, err := h.Handle(ctx, RecordEventCommand{LearnerID: 1, Source: progression.SourceQuizPass, Amount: 10, Timezone: "Asia/Almaty"})
	require.NoError(t, err)
	require.NotNil(t, res.DailyGoal)
	assert.Equal(t, timeutil.NewDate(2024, 3, 5), res.DailyGoal.Date)

	p, err := store.Profile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Almaty", p.Timezone)
}

func TestRecordEvent_ConcurrentWritesKeepLedgerAndCacheEqual(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock(dayN(1))
	store := newMemStore(clk)
	h := newRecorder(store, testCatalogue(t), nil, clk)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Handle(ctx, RecordEventCommand{LearnerID: 1, Source: progression.SourceQuizPass, Amount: 10})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	p, err := store.Profile(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(200), p.TotalXP)

	txs, err := store.Transactions(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 20)
	assert.Equal(t, p.TotalXP, progression.SumAmounts(txs))
}

func TestRecordEvent_GivesUpAfterRetries(t *testing.T) {
	clk := newTestClock(dayN(1))
	uow := &busyUnitOfWork{}
	h := newRecorder(uow, nil, nil, clk)

	_, err := h.Handle(context.Background(), RecordEventCommand{LearnerID: 1, Source: progression.SourceQuizPass, Amount: 10})
	require.Error(t, err)
	assert.True(t, shared.IsTransient(err))
	assert.True(t, errors.Is(err, shared.ErrLearnerBusy))
	assert.Equal(t, DefaultRecordEventHandlerConfig().RetryAttempts, uow.calls)
}

func TestRecordEvent_PublishesEventsAfterCommit(t *testing.T) {
	clk := newTestClock(dayN(1))
	pub := &recordingPublisher{}
	h := newRecorder(newMemStore(clk), testCatalogue(t), pub, clk)

	record(t, h, 1, progression.SourceLessonComplete, 80)

	assert.Equal(t, []shared.EventType{
		shared.EventXPRecorded,
		shared.EventLevelUp,
		shared.EventStreakChanged,
		shared.EventBadgeAwarded,
		shared.EventBadgeAwarded,
	}, pub.types())

	xp, ok := pub.events[0].(shared.XPRecordedEvent)
	require.True(t, ok)
	assert.Equal(t, shared.LearnerAggregateID(1), xp.AggregateID())

	t.Run("nothing is published when the write fails", func(t *testing.T) {
		before := len(pub.types())
		_, err := h.Handle(context.Background(), RecordEventCommand{LearnerID: 1, Source: progression.SourceManualAdjustment, Amount: -1000})
		require.Error(t, err)
		assert.Len(t, pub.types(), before)
	})
}

type disabledFeatures map[string]bool

func (d disabledFeatures) IsEnabled(feature string, _ int64) bool { return !d[feature] }

func TestRecordEvent_PublishingCanBeSwitchedOff(t *testing.T) {
	clk := newTestClock(dayN(1))
	pub := &recordingPublisher{}
	h := NewRecordEventHandler(newMemStore(clk), nil, pub, disabledFeatures{"events.publish": true}, clk, nil, DefaultRecordEventHandlerConfig())

	record(t, h, 1, progression.SourceQuizPass, 10)
	assert.Empty(t, pub.types())
}
