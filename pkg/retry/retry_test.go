package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("serialization conflict")

func fast(opts ...Option) *Retrier {
	return New(append([]Option{WithInitialDelay(time.Millisecond), WithMaxDelay(2 * time.Millisecond)}, opts...)...)
}

func TestDo_SucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	var retried []int

	err := fast(WithOnRetry(func(attempt int, err error, _ time.Duration) {
		retried = append(retried, attempt)
		assert.ErrorIs(t, err, errConflict)
	})).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return Retryable(errConflict)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestDo_Exhausted(t *testing.T) {
	calls := 0
	err := fast(WithMaxAttempts(4)).Do(context.Background(), func(context.Context) error {
		calls++
		return Retryable(errConflict)
	})

	assert.Equal(t, 4, calls)
	assert.True(t, IsExhausted(err))
	assert.ErrorIs(t, err, errConflict)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 4, exhausted.Attempts)
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := fast().Do(context.Background(), func(context.Context) error {
		calls++
		return errConflict
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, errConflict, err)
	assert.False(t, IsExhausted(err))
}

func TestDo_PermanentIsUnwrapped(t *testing.T) {
	calls := 0
	err := fast(WithRetryIf(func(error) bool { return true })).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errConflict)
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, errConflict, err)
}

func TestDo_RetryIf(t *testing.T) {
	calls := 0
	err := fast(WithRetryIf(func(err error) bool { return errors.Is(err, errConflict) })).
		Do(context.Background(), func(context.Context) error {
			calls++
			return errConflict
		})

	assert.Equal(t, 3, calls)
	assert.True(t, IsExhausted(err))
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := fast().Do(ctx, func(context.Context) error {
		calls++
		return nil
	})
	assert.Zero(t, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDo_CancelDuringBackoffReturnsLastError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(WithInitialDelay(time.Hour), WithMaxDelay(time.Hour))

	err := r.Do(ctx, func(context.Context) error {
		cancel()
		return Retryable(errConflict)
	})
	assert.ErrorIs(t, err, errConflict)
	assert.False(t, IsExhausted(err))
}

func TestDoWithData(t *testing.T) {
	calls := 0
	v, err := DoWithData(context.Background(), fast(), func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, Retryable(errConflict)
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestCalculateDelay(t *testing.T) {
	r := New(WithInitialDelay(10*time.Millisecond), WithMaxDelay(50*time.Millisecond), WithJitter(0))

	assert.Equal(t, 10*time.Millisecond, r.calculateDelay(1))
	assert.Equal(t, 20*time.Millisecond, r.calculateDelay(2))
	assert.Equal(t, 40*time.Millisecond, r.calculateDelay(3))
	assert.Equal(t, 50*time.Millisecond, r.calculateDelay(4))

	jittered := New(WithInitialDelay(100*time.Millisecond), WithJitter(0.5))
	for i := 0; i < 20; i++ {
		d := jittered.calculateDelay(1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestOptionsIgnoreInvalidValues(t *testing.T) {
	r := New(WithMaxAttempts(0), WithMultiplier(0.5), WithJitter(2), WithInitialDelay(-1))
	def := DefaultConfig()
	assert.Equal(t, def.MaxAttempts, r.MaxAttempts())
	assert.Equal(t, def.Multiplier, r.config.Multiplier)
	assert.Equal(t, def.JitterFactor, r.config.JitterFactor)
	assert.Equal(t, def.InitialDelay, r.config.InitialDelay)
}

func TestLearnerWriteRetrier(t *testing.T) {
	r := LearnerWriteRetrier(0, nil)
	assert.Equal(t, DefaultConfig().MaxAttempts, r.MaxAttempts())

	r = LearnerWriteRetrier(5, func(error) bool { return true })
	assert.Equal(t, 5, r.MaxAttempts())
}

func TestWrappersIgnoreNil(t *testing.T) {
	assert.NoError(t, Retryable(nil))
	assert.NoError(t, Permanent(nil))
	assert.True(t, IsRetryable(Retryable(errConflict)))
	assert.True(t, IsPermanent(Permanent(errConflict)))
	assert.Equal(t, errConflict.Error(), Retryable(errConflict).Error())
}
