package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errTransient = errors.New("transient")
	errFatal     = errors.New("fatal")
)

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func newTestRetryer(cfg RetryConfig) (*Retryer, *[]time.Duration, *test.Hook) {
	logger, hook := test.NewNullLogger()
	r := NewRetryer(cfg, isTransient, logger)
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return r, &slept, hook
}

func TestRetryer_RetriesTransientThenSucceeds(t *testing.T) {
	r, slept, hook := newTestRetryer(RetryConfig{MaxAttempts: 4, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2})
	calls := 0
	err := r.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
}

func TestRetryer_DoesNotRetryFatal(t *testing.T) {
	r, slept, _ := newTestRetryer(RetryConfig{MaxAttempts: 5})
	calls := 0
	err := r.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		return errFatal
	})
	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *slept)
}

func TestRetryer_ExhaustsAttempts(t *testing.T) {
	r, slept, _ := newTestRetryer(RetryConfig{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond})
	calls := 0
	err := r.Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Contains(t, err.Error(), "3 attempts exhausted")
	assert.Equal(t, 3, calls)
	assert.Len(t, *slept, 2)
}

func TestRetryer_BackoffGrowsAndIsCapped(t *testing.T) {
	r, _, _ := newTestRetryer(RetryConfig{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2,
		JitterRange: 0.1,
	})
	for attempt, want := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		6: time.Second,
	} {
		got := r.delay(attempt)
		assert.InDelta(t, float64(want), float64(got), float64(want)*0.1+1, "attempt %d", attempt)
	}
}

func TestRetryer_AttemptTimeout(t *testing.T) {
	r, _, _ := newTestRetryer(RetryConfig{MaxAttempts: 1, AttemptTimeout: 10 * time.Millisecond})
	err := r.Do(context.Background(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRetryer_StopsWhenContextCancelled(t *testing.T) {
	r, _, _ := newTestRetryer(RetryConfig{MaxAttempts: 5})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, "fetch", func(context.Context) error {
		calls++
		cancel()
		return errTransient
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
