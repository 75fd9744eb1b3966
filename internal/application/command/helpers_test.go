package command

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/progression"
	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/persistence/memory"
)

// day1 is a Monday.
var day1 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

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

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []shared.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]shared.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType()
	}
	return out
}

func newMemStore(clock *testClock) *memory.Store {
	return memory.New(memory.Options{LockTimeout: 2 * time.Second, Clock: clock})
}

func testCatalogue(t *testing.T) *progression.Catalogue {
	t.Helper()
	c, err := progression.NewCatalogue([]progression.BadgeDefinition{
		{
			Type: "first_lesson", Name: "First Steps", Tier: progression.TierBronze,
			Condition: progression.MetricAtLeast(progression.MetricLessonsCompleted, 1),
			XPBonus:   25,
		},
		{
			Type: "xp_100", Name: "Century", Tier: progression.TierBronze,
			Condition: progression.MetricAtLeast(progression.MetricTotalXP, 100),
		},
		{
			Type: "mentor", Name: "Mentor", Tier: progression.TierGold, Manual: true,
		},
	})
	require.NoError(t, err)
	return c
}

func newRecorder(store progression.UnitOfWork, catalogue *progression.Catalogue, pub shared.EventPublisher, clock *testClock) *RecordEventHandler {
	return NewRecordEventHandler(store, catalogue, pub, nil, clock, nil, DefaultRecordEventHandlerConfig())
}

func record(t *testing.T, h *RecordEventHandler, id progression.LearnerID, source progression.Source, amount int64) *RecordEventResult {
	t.Helper()
	res, err := h.Handle(context.Background(), RecordEventCommand{LearnerID: id, Source: source, Amount: amount})
	require.NoError(t, err)
	return res
}

// busyUnitOfWork never grants the learner lock.
type busyUnitOfWork struct {
	mu    sync.Mutex
	calls int
}

func (u *busyUnitOfWork) WithLearnerLock(context.Context, progression.LearnerID, func(context.Context, progression.LearnerTx) error) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.calls++
	return shared.ErrLearnerBusy
}
