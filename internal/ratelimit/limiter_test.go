package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWithinWindowIsImmediate(t *testing.T) {
	t.Parallel()

	l := New(5, time.Second)
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, 5, l.Pending())
}

func TestAcquireWaitsForOldestStampToExpire(t *testing.T) {
	t.Parallel()

	l := New(5, time.Second)
	start := time.Now()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Acquire(context.Background()))
	}

	require.NoError(t, l.Acquire(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestAcquireAbandonedOnCancel(t *testing.T) {
	t.Parallel()

	l := New(1, time.Hour)
	require.NoError(t, l.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, l.Pending())
}

func TestConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	l := New(3, 200*time.Millisecond)
	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, l.Acquire(context.Background()))
			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, times, 6)
	first := times[0]
	for _, ts := range times {
		if ts.Before(first) {
			first = ts
		}
	}
	early := 0
	for _, ts := range times {
		if ts.Sub(first) < 150*time.Millisecond {
			early++
		}
	}
	assert.LessOrEqual(t, early, 3)
}

func TestPruneWithFakeClock(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	l := New(2, time.Second)
	l.now = func() time.Time { return now }

	_, ok := l.tryAcquire()
	require.True(t, ok)
	now = now.Add(400 * time.Millisecond)
	_, ok = l.tryAcquire()
	require.True(t, ok)

	wait, ok := l.tryAcquire()
	require.False(t, ok)
	assert.Equal(t, 600*time.Millisecond, wait)

	now = now.Add(600 * time.Millisecond)
	_, ok = l.tryAcquire()
	assert.True(t, ok)
}
