package ratelimit

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_SlidingWindowUnderConcurrentLoad(t *testing.T) {
	const (
		requests = 4
		per      = time.Second
	)
	lim := NewLimiter("eastmoney", requests, per)
	base := time.Date(2024, 2, 5, 9, 30, 0, 0, time.UTC)

	var (
		mu    sync.Mutex
		slots []time.Time
		wg    sync.WaitGroup
	)
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				at := lim.reserveAt(base)
				mu.Lock()
				slots = append(slots, at)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, slots, 100)
	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
	for i := 0; i+requests < len(slots); i++ {
		span := slots[i+requests].Sub(slots[i])
		assert.GreaterOrEqual(t, span, per, "window starting at slot %d holds more than %d requests", i, requests)
	}
}

func TestLimiter_WaitSuspendsInsteadOfDropping(t *testing.T) {
	lim := NewLimiter("tencent", 10, 100*time.Millisecond)

	start := time.Now()
	var wg sync.WaitGroup
	errs := make(chan error, 21)
	for i := 0; i < 21; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- lim.Wait(context.Background())
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
}

func TestLimiter_WaitHonoursContext(t *testing.T) {
	lim := NewLimiter("slow", 1, time.Hour)
	require.NoError(t, lim.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := lim.Wait(ctx)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "slow")
}

func TestUnlimited(t *testing.T) {
	lim := Unlimited("fixture")
	for i := 0; i < 1000; i++ {
		require.NoError(t, lim.Wait(context.Background()))
	}
	assert.Equal(t, "fixture", lim.Name())
}
