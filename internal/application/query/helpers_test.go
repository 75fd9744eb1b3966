package query

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/application/command"
	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
)

// monday is 2024-03-04; the month started on the previous Friday.
var monday = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fixture struct {
	t         *testing.T
	clock     *testClock
	store     *memory.Store
	catalogue *progression.Catalogue
	recorder  *command.RecordEventHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &testClock{t: monday}
	store := memory.New(memory.Options{LockTimeout: 2 * time.Second, Clock: clk})
	catalogue, err := progression.NewCatalogue([]progression.BadgeDefinition{
		{
			Type: "first_lesson", Name: "First Steps", Tier: progression.TierBronze,
			Condition: progression.MetricAtLeast(progression.MetricLessonsCompleted, 1),
			XPBonus:   25,
		},
		{
			Type: "quiz_5", Name: "Quiz Taker", Tier: progression.TierSilver,
			Condition: progression.MetricAtLeast(progression.MetricQuizzesPassed, 5),
		},
		{Type: "mentor", Name: "Mentor", Tier: progression.TierGold, Manual: true},
	})
	require.NoError(t, err)

	return &fixture{
		t:         t,
		clock:     clk,
		store:     store,
		catalogue: catalogue,
		recorder:  command.NewRecordEventHandler(store, catalogue, nil, nil, clk, nil, command.DefaultRecordEventHandlerConfig()),
	}
}

func (f *fixture) record(id progression.LearnerID, source progression.Source, amount int64, at time.Time) {
	f.t.Helper()
	_, err := f.recorder.Handle(context.Background(), command.RecordEventCommand{
		LearnerID:  id,
		Source:     source,
		Amount:     amount,
		OccurredAt: at,
	})
	require.NoError(f.t, err)
}

func (f *fixture) hide(id progression.LearnerID) {
	f.t.Helper()
	_, err := command.NewSetVisibilityHandler(f.store, nil, f.clock, nil).
		Handle(context.Background(), command.SetVisibilityCommand{LearnerID: id, Visible: false})
	require.NoError(f.t, err)
}

func (f *fixture) freeze(id progression.LearnerID) {
	f.t.Helper()
	_, err := command.NewUseStreakFreezeHandler(f.store, nil, nil, f.clock, progression.DefaultStreakPolicy(), nil).
		Handle(context.Background(), command.UseStreakFreezeCommand{LearnerID: id})
	require.NoError(f.t, err)
}

type disabledFeatures map[string]bool

func (d disabledFeatures) IsEnabled(feature string, _ int64) bool { return !d[feature] }
