//go:build unit

package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateDisabledForNonPositiveRPS(t *testing.T) {
	gate := NewGate(0)

	assert.Equal(t, time.Duration(0), gate.MinGap())

	start := time.Now()
	require.NoError(t, gate.Wait(context.Background()))
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestGateMinGap(t *testing.T) {
	gate := NewGate(10)

	assert.Equal(t, 100*time.Millisecond, gate.MinGap())
}

func TestGateFirstCallPassesImmediately(t *testing.T) {
	gate := NewGate(1)

	start := time.Now()
	require.NoError(t, gate.Wait(context.Background()))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestGateSpacesConsecutiveCalls(t *testing.T) {
	gate := NewGate(20) // 50ms spacing

	require.NoError(t, gate.Wait(context.Background()))

	start := time.Now()
	require.NoError(t, gate.Wait(context.Background()))

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestGateSerializesConcurrentCallers(t *testing.T) {
	gate := NewGate(50) // 20ms spacing

	const callers = 5

	var (
		mu    sync.Mutex
		times []time.Time
		wg    sync.WaitGroup
	)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			assert.NoError(t, gate.Wait(context.Background()))

			mu.Lock()
			times = append(times, time.Now())
			mu.Unlock()
		}()
	}

	wg.Wait()
	require.Len(t, times, callers)

	// Total elapsed must reflect serialized spacing; with a shared stale
	// timestamp all five would finish at once.
	first, last := times[0], times[0]
	for _, ts := range times[1:] {
		if ts.Before(first) {
			first = ts
		}

		if ts.After(last) {
			last = ts
		}
	}

	assert.GreaterOrEqual(t, last.Sub(first), 60*time.Millisecond)
}

func TestGateWaitHonorsCancellation(t *testing.T) {
	gate := NewGate(0.5) // 2s spacing

	require.NoError(t, gate.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := gate.Wait(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
