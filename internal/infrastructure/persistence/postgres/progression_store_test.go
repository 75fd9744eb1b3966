package postgres

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/pkg/timeutil"
)

var errMissingDSN = errors.New("missing TEST_POSTGRES_DSN")

var (
	connOnce sync.Once
	testConn *Connection
	connErr  error
)

func testStore(tb testing.TB) *Store {
	tb.Helper()

	connOnce.Do(func() {
		dsn := os.Getenv("TEST_POSTGRES_DSN")
		if dsn == "" {
			connErr = errMissingDSN
			return
		}

		ctx := context.Background()
		testConn, connErr = NewConnectionFromURL(ctx, dsn, DefaultPoolOptions())
		if connErr != nil {
			return
		}
		connErr = NewMigrator(testConn).Migrate(ctx)
	})

	if errors.Is(connErr, errMissingDSN) {
		tb.Skip("set TEST_POSTGRES_DSN to run store integration tests")
	}
	if connErr != nil {
		tb.Fatalf("failed to init test db: %v", connErr)
	}

	s := NewStore(testConn, StoreOptions{LockTimeout: 200 * time.Millisecond})
	require.NoError(tb, s.SyncBadgeDefinitions(context.Background(), []progression.BadgeDefinition{
		{Type: "first_lesson", Name: "First Steps", Tier: progression.TierBronze,
			Condition: progression.MetricAtLeast(progression.MetricLessonsCompleted, 1)},
	}))
	return s
}

// uniqueLearner avoids collisions between runs against a shared database.
func uniqueLearner() progression.LearnerID {
	return progression.LearnerID(time.Now().UnixNano()/1000 + rand.Int64N(1000))
}

func TestStore_AppendAndTotals(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := uniqueLearner()
	now := time.Now().UTC()

	err := s.WithLearnerLock(ctx, id, func(ctx context.Context, tx progression.LearnerTx) error {
		p, err := tx.LoadProfile(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), p.TotalXP)

		for _, amount := range []int64{10, 20} {
			x, err := progression.NewTransaction(progression.NewTransactionParams{
				ID: uuid.NewString(), LearnerID: id, BaseAmount: amount,
				Source: progression.SourceLessonComplete, OccurredAt: now, RecordedAt: now,
			})
			require.NoError(t, err)
			require.NoError(t, tx.AppendTransaction(ctx, x))
		}

		total, err := tx.LedgerTotal(ctx)
		require.NoError(t, err)
		p.ApplyTotal(total, now)

		dates, err := tx.ActivityDates(ctx, time.UTC)
		require.NoError(t, err)
		require.Len(t, dates, 1)
		assert.Equal(t, timeutil.DateOf(now, time.UTC), dates[0])

		return tx.SaveProfile(ctx, p)
	})
	require.NoError(t, err)

	p, err := s.Profile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(30), p.TotalXP)

	txs, err := s.Transactions(ctx, id, 10, 0)
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	counts, err := s.SourceCounts(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[progression.SourceLessonComplete])
}

func TestStore_StreakFreezesRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := uniqueLearner()
	frozen := timeutil.NewDate(2024, 3, 9)

	err := s.WithLearnerLock(ctx, id, func(ctx context.Context, tx progression.LearnerTx) error {
		p, err := tx.LoadProfile(ctx)
		require.NoError(t, err)
		assert.Equal(t, progression.InitialStreakFreezes, p.StreakFreezes)
		assert.Empty(t, p.FrozenDates)

		p.StreakFreezes = 0
		p.FrozenDates = []timeutil.Date{frozen}
		return tx.SaveProfile(ctx, p)
	})
	require.NoError(t, err)

	p, err := s.Profile(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, p.StreakFreezes)
	assert.Equal(t, []timeutil.Date{frozen}, p.FrozenDates)
}

func TestStore_LedgerIsAppendOnly(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := uniqueLearner()
	now := time.Now().UTC()
	txID := uuid.NewString()

	require.NoError(t, s.WithLearnerLock(ctx, id, func(ctx context.Context, tx progression.LearnerTx) error {
		x, err := progression.NewTransaction(progression.NewTransactionParams{
			ID: txID, LearnerID: id, BaseAmount: 5,
			Source: progression.SourceQuizPass, OccurredAt: now, RecordedAt: now,
		})
		require.NoError(t, err)
		return tx.AppendTransaction(ctx, x)
	}))

	_, err := testConn.Exec(ctx, `UPDATE xp_transaction SET amount = 500 WHERE id = $1`, txID)
	require.Error(t, err)
	assert.True(t, errors.Is(classify(err), shared.ErrInvalidState))

	_, err = testConn.Exec(ctx, `DELETE FROM xp_transaction WHERE id = $1`, txID)
	require.Error(t, err)
}

func TestStore_AwardsAreUnique(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := uniqueLearner()

	require.NoError(t, s.WithLearnerLock(ctx, id, func(ctx context.Context, tx progression.LearnerTx) error {
		a := progression.BadgeAward{LearnerID: id, BadgeType: "first_lesson", EarnedAt: time.Now().UTC()}

		inserted, err := tx.InsertAward(ctx, a)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = tx.InsertAward(ctx, a)
		require.NoError(t, err)
		assert.False(t, inserted)

		require.NoError(t, tx.AcknowledgeAward(ctx, "first_lesson"))
		assert.True(t, errors.Is(tx.AcknowledgeAward(ctx, "unknown"), shared.ErrBadgeNotAwarded))
		return nil
	}))

	awards, err := s.Awards(ctx, id)
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.True(t, awards[0].Acknowledged)
}

func TestStore_LockTimeoutIsRetryable(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := uniqueLearner()

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- s.WithLearnerLock(ctx, id, func(ctx context.Context, tx progression.LearnerTx) error {
			close(held)
			<-release
			return nil
		})
	}()

	<-held
	err := s.WithLearnerLock(ctx, id, func(ctx context.Context, tx progression.LearnerTx) error {
		return nil
	})
	close(release)

	require.Error(t, err)
	assert.True(t, shared.IsRetryable(err))
	require.NoError(t, <-done)
}

func TestStore_DailyGoalUpsert(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	id := uniqueLearner()
	now := time.Now().UTC()
	today := timeutil.DateOf(now, time.UTC)

	require.NoError(t, s.WithLearnerLock(ctx, id, func(ctx context.Context, tx progression.LearnerTx) error {
		_, found, err := tx.DailyGoal(ctx, today)
		require.NoError(t, err)
		assert.False(t, found)

		g := progression.NewDailyGoal(id, today, progression.DefaultGoalTargets(), now)
		require.NoError(t, g.Apply(today, progression.SourceLessonComplete, 60, 30, now))
		return tx.SaveDailyGoal(ctx, g)
	}))

	g, found, err := s.DailyGoal(ctx, id, today)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, g.Met())
}

func TestStore_WindowTotalsOrdering(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	a, b := uniqueLearner(), uniqueLearner()+1

	for _, id := range []progression.LearnerID{a, b} {
		id := id
		require.NoError(t, s.WithLearnerLock(ctx, id, func(ctx context.Context, tx progression.LearnerTx) error {
			x, err := progression.NewTransaction(progression.NewTransactionParams{
				ID: uuid.NewString(), LearnerID: id, BaseAmount: 1_000_000,
				Source: progression.SourceCourseComplete, OccurredAt: now, RecordedAt: now,
			})
			require.NoError(t, err)
			return tx.AppendTransaction(ctx, x)
		}))
	}

	from := now.Add(-time.Minute)
	rows, err := s.WindowTotals(ctx, progression.Window{Range: progression.RangeWeekly, From: &from, To: now.Add(time.Minute)}, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, a, rows[0].LearnerID)
	assert.Equal(t, b, rows[1].LearnerID)
}
