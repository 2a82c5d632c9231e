package retry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestBackoffDelayWithinJitterBounds(t *testing.T) {
	// attempt 3, base 1000ms, cap 30000ms, mult 2 -> nominal 8000ms,
	// jittered range [6400, 9600].
	for i := 0; i < 100; i++ {
		d := BackoffDelay(3, time.Second, 30*time.Second, 2)
		assert.GreaterOrEqual(t, d, 6400*time.Millisecond)
		assert.LessOrEqual(t, d, 9600*time.Millisecond)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	// attempt 10, base 1s, mult 2 -> nominal 1024s, capped at 5s,
	// jittered range [4, 6] seconds.
	for i := 0; i < 100; i++ {
		d := BackoffDelay(10, time.Second, 5*time.Second, 2)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
}

func TestBackoffDelayBoundsProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attempt := rapid.IntRange(0, 20).Draw(t, "attempt")
		baseMs := rapid.Int64Range(1, 10_000).Draw(t, "baseMs")
		maxMs := rapid.Int64Range(baseMs, 120_000).Draw(t, "maxMs")
		mult := rapid.Float64Range(1.1, 4).Draw(t, "mult")

		base := time.Duration(baseMs) * time.Millisecond
		max := time.Duration(maxMs) * time.Millisecond
		nominal := math.Min(float64(base)*math.Pow(mult, float64(attempt)), float64(max))

		d := float64(BackoffDelay(attempt, base, max, mult))
		if d < 0.8*nominal-1 || d > 1.2*nominal {
			t.Fatalf("delay %v outside [%v, %v]", d, 0.8*nominal, 1.2*nominal)
		}
	})
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := Retry(context.Background(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	}, Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestRetrySurfacesLastErrorOnExhaustion(t *testing.T) {
	calls := 0
	_, err := Retry(context.Background(), func() (int, error) {
		calls++
		return 0, errors.New("boom " + string(rune('0'+calls)))
	}, Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "boom 3")
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	_, err := Retry(context.Background(), func() (int, error) {
		calls++
		return 0, permanent
	}, Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		IsRetryable: func(err error) bool { return !errors.Is(err, permanent) },
	})

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Retry(ctx, func() (int, error) {
		calls++
		return 0, errors.New("transient")
	}, Policy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryInvokesOnRetryBetweenAttempts(t *testing.T) {
	var attempts []int
	_, _ = Retry(context.Background(), func() (int, error) {
		return 0, errors.New("transient")
	}, Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		OnRetry:     func(attempt int, err error) { attempts = append(attempts, attempt) },
	})

	assert.Equal(t, []int{1, 2}, attempts)
}
