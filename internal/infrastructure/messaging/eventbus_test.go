package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progression-engine/internal/domain/shared"
)

func syncBus() *InMemoryEventBus {
	return NewInMemoryEventBus(InMemoryEventBusConfig{EnableMetrics: true})
}

func TestInMemoryEventBus_DeliversByType(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	var xp, all int
	require.NoError(t, bus.Subscribe(shared.EventXPRecorded, func(shared.Event) error { xp++; return nil }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { all++; return nil }))

	at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, bus.Publish(shared.NewXPRecordedEvent(1, 10, 10, "lesson_complete", at)))
	require.NoError(t, bus.Publish(shared.NewLevelUpEvent(1, 1, 2, "Novice", at)))

	assert.Equal(t, 1, xp)
	assert.Equal(t, 2, all)

	snap := bus.Metrics().Snapshot()
	assert.Equal(t, int64(2), snap.TotalPublished)
	assert.Equal(t, int64(3), snap.TotalHandlerExecs)
	assert.Equal(t, int64(0), snap.HandlerFailures)
}

func TestInMemoryEventBus_HandlerFailuresDoNotReachPublisher(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	var after int
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { return errors.New("boom") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { panic("bad handler") }))
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error { after++; return nil }))

	err := bus.Publish(shared.NewXPRecordedEvent(1, 10, 10, "quiz_pass", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 1, after)
	assert.Equal(t, int64(2), bus.Metrics().Snapshot().HandlerFailures)
}

func TestInMemoryEventBus_Async(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var n atomic.Int32
	require.NoError(t, bus.Subscribe(shared.EventBadgeAwarded, func(shared.Event) error {
		n.Add(1)
		return nil
	}))

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(shared.NewBadgeAwardedEvent(int64(i), "first_lesson", "bronze", 25, time.Now())))
	}
	bus.Wait()
	assert.Equal(t, int32(20), n.Load())

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(shared.NewXPRecordedEvent(1, 1, 1, "lesson_complete", time.Now())), ErrEventBusClosed)
	assert.ErrorIs(t, bus.Subscribe(shared.EventLevelUp, func(shared.Event) error { return nil }), ErrEventBusClosed)
}

func TestInMemoryEventBus_CloseWhilePublishing(t *testing.T) {
	bus := NewInMemoryEventBus(InMemoryEventBusConfig{AsyncMode: true, WorkerPoolSize: 2})

	var handled, accepted atomic.Int32
	require.NoError(t, bus.SubscribeAll(func(shared.Event) error {
		handled.Add(1)
		return nil
	}))

	var publishers sync.WaitGroup
	for p := 0; p < 8; p++ {
		publishers.Add(1)
		go func() {
			defer publishers.Done()
			for {
				err := bus.Publish(shared.NewXPRecordedEvent(1, 1, 1, "quiz_pass", time.Now()))
				if errors.Is(err, ErrEventBusClosed) {
					return
				}
				if err != nil {
					t.Errorf("publish: %v", err)
					return
				}
				accepted.Add(1)
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, bus.Close())
	publishers.Wait()

	// Close drained everything it let in; nothing runs afterwards.
	n := handled.Load()
	bus.Wait()
	assert.Equal(t, n, handled.Load())
	assert.LessOrEqual(t, n, accepted.Load())
}

func TestInMemoryEventBus_RejectsNil(t *testing.T) {
	bus := syncBus()
	defer bus.Close()

	assert.Error(t, bus.Publish(nil))
	assert.Error(t, bus.Subscribe(shared.EventLevelUp, nil))
	assert.Error(t, bus.SubscribeAll(nil))
}

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisEventBus_FansOutAcrossInstances(t *testing.T) {
	client := newRedisClient(t)
	local := InMemoryEventBusConfig{}

	api, err := NewRedisEventBus(RedisEventBusConfig{Client: NewGoRedisClient(client), InstanceID: "api", LocalBusConfig: local})
	require.NoError(t, err)
	defer api.Close()

	worker, err := NewRedisEventBus(RedisEventBusConfig{Client: NewGoRedisClient(client), InstanceID: "worker", LocalBusConfig: local})
	require.NoError(t, err)
	defer worker.Close()

	var (
		mu       sync.Mutex
		received []shared.Event
		ownCount atomic.Int32
	)
	require.NoError(t, api.Subscribe(shared.EventRecalculationCompleted, func(e shared.Event) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
		return nil
	}))
	require.NoError(t, worker.Subscribe(shared.EventRecalculationCompleted, func(shared.Event) error {
		ownCount.Add(1)
		return nil
	}))

	at := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)
	require.NoError(t, worker.Publish(shared.NewRecalculationCompletedEvent(99, 1, 1200, at)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	e := received[0]
	mu.Unlock()
	assert.Equal(t, shared.EventRecalculationCompleted, e.EventType())
	assert.True(t, e.OccurredAt().Equal(at))
	assert.EqualValues(t, 99, e.Payload()["updated"])

	// The publisher's own handler runs exactly once.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), ownCount.Load())
}

func TestRedisEventBus_EnvelopeOnTheWire(t *testing.T) {
	client := newRedisClient(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "custom:events")
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	defer sub.Close()

	bus, err := NewRedisEventBus(RedisEventBusConfig{Client: NewGoRedisClient(client), ChannelName: "custom:events", InstanceID: "x"})
	require.NoError(t, err)
	defer bus.Close()

	require.NoError(t, bus.Publish(shared.NewXPRecordedEvent(7, 30, 130, "lesson_complete", time.Now())))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env eventEnvelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, "x", env.InstanceID)
	assert.Equal(t, shared.EventXPRecorded, env.EventType)
	assert.Equal(t, shared.LearnerAggregateID(7), env.AggregateID)
	assert.EqualValues(t, 130, env.Payload["new_total"])
}

func TestRedisEventBus_RequiresClient(t *testing.T) {
	_, err := NewRedisEventBus(RedisEventBusConfig{})
	assert.Error(t, err)
}
