package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/knowbot/internal/failure"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	p := Normalize(Policy{})
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 10*time.Second, p.MaxBackoff)
	assert.NotNil(t, p.Retryable)
	assert.NotNil(t, p.Sleep)
}

func TestBackoffCurve(t *testing.T) {
	t.Parallel()

	p := Policy{InitialBackoff: 100 * time.Millisecond, Multiplier: 2, MaxBackoff: 350 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 350*time.Millisecond, p.Backoff(3))
	assert.Equal(t, 350*time.Millisecond, p.Backoff(10))
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	calls := 0
	err := Do(context.Background(), Policy{
		Name:           "register",
		MaxAttempts:    4,
		InitialBackoff: 10 * time.Millisecond,
		Sleep:          rec.sleep,
	}, func(ctx context.Context, attempt int) error {
		calls++
		assert.Equal(t, calls, attempt)
		if attempt < 3 {
			return failure.New(failure.KindTransient, "learn", "timeout")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, rec.delays)
}

func TestDoStopsOnTerminalError(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, Sleep: rec.sleep}, func(ctx context.Context, attempt int) error {
		calls++
		return failure.New(failure.KindAmbiguousName, "search", "two users")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
	assert.Equal(t, failure.KindAmbiguousName, failure.KindOf(err))
}

func TestDoExhaustsCeiling(t *testing.T) {
	t.Parallel()

	rec := &sleepRecorder{}
	calls := 0
	err := Do(context.Background(), Policy{Name: "identity", MaxAttempts: 3, Sleep: rec.sleep}, func(ctx context.Context, attempt int) error {
		calls++
		return failure.New(failure.KindRateLimited, "search", "429")
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, rec.delays, 2)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, failure.KindRateLimited, failure.KindOf(err))
}

func TestDoHonorsCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := Do(ctx, Policy{}, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestSleepContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
	assert.NoError(t, SleepContext(context.Background(), 0))
}
