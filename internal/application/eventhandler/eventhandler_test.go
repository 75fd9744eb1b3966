package eventhandler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
	"github.com/alem-hub/progression-engine/internal/infrastructure/messaging"
)

type countingInvalidator struct {
	calls int
	err   error
}

func (c *countingInvalidator) Invalidate(ctx context.Context) error {
	c.calls++
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("missing deadline")
	}
	return c.err
}

var at = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func TestOnXPChanged_Invalidates(t *testing.T) {
	inv := &countingInvalidator{}
	h := NewOnXPChangedHandler(inv, nil)

	require.NoError(t, h.Handle(shared.NewXPRecordedEvent(1, 10, 10, "quiz_pass", at)))
	require.NoError(t, h.Handle(shared.NewDriftRepairedEvent(1, 99, 10, at)))
	require.NoError(t, h.Handle(shared.NewRecalculationCompletedEvent(10, 0, 5, at)))
	require.NoError(t, h.Handle(shared.NewBadgeAwardedEvent(1, "first_lesson", "bronze", 25, at)))
	assert.Equal(t, 4, inv.calls)

	// A badge without a bonus leaves XP unchanged.
	require.NoError(t, h.Handle(shared.NewBadgeAwardedEvent(1, "xp_100", "bronze", 0, at)))
	assert.Equal(t, 4, inv.calls)
}

func TestOnXPChanged_ReturnsCacheError(t *testing.T) {
	inv := &countingInvalidator{err: errors.New("redis down")}
	h := NewOnXPChangedHandler(inv, nil)

	err := h.Handle(shared.NewXPRecordedEvent(1, 10, 10, "quiz_pass", at))
	assert.EqualError(t, err, "redis down")
}

func TestOnMilestone_HandlesEveryType(t *testing.T) {
	h := NewOnMilestoneHandler(nil)

	events := []shared.Event{
		shared.NewLevelUpEvent(1, 1, 2, "Novice", at),
		shared.NewBadgeAwardedEvent(1, "first_lesson", "bronze", 25, at),
		shared.NewStreakChangedEvent(1, 2, 3, 3, at),
		shared.NewDriftRepairedEvent(1, 99, 10, at),
		shared.NewStreakFrozenEvent(1, "2024-03-03", 5, 0, at),
		shared.NewXPRecordedEvent(1, 10, 10, "quiz_pass", at),
	}
	for _, e := range events {
		assert.NoError(t, h.Handle(e))
	}
}

func TestRegister_WiresHandlersToBus(t *testing.T) {
	bus := messaging.NewInMemoryEventBus(messaging.InMemoryEventBusConfig{EnableMetrics: true})
	t.Cleanup(func() { _ = bus.Close() })

	inv := &countingInvalidator{}
	require.NoError(t, Register(bus, NewOnXPChangedHandler(inv, nil), NewOnMilestoneHandler(nil)))

	require.NoError(t, bus.Publish(shared.NewXPRecordedEvent(1, 10, 10, "quiz_pass", at)))
	require.NoError(t, bus.Publish(shared.NewLevelUpEvent(1, 1, 2, "Novice", at)))
	require.NoError(t, bus.Publish(shared.NewBadgeAwardedEvent(1, "first_lesson", "bronze", 25, at)))
	bus.Wait()

	assert.Equal(t, 2, inv.calls)

	m := bus.Metrics().Snapshot()
	assert.Equal(t, int64(3), m.TotalPublished)
	// BadgeAwarded reaches both handlers.
	assert.Equal(t, int64(4), m.TotalHandlerExecs)
}
