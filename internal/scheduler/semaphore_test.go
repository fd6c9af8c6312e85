package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResizableSemaphoreEnforcesLimit(t *testing.T) {
	sem := newResizableSemaphore(2)
	ctx := context.Background()

	require.True(t, sem.Acquire(ctx))
	require.True(t, sem.Acquire(ctx))
	require.Equal(t, 2, sem.InFlight())

	acquired := make(chan struct{})
	go func() {
		sem.Acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("third Acquire should have blocked at limit 2")
	case <-time.After(50 * time.Millisecond):
	}

	sem.Release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third Acquire never woke after Release")
	}
}

func TestResizableSemaphoreGrowWakesWaiters(t *testing.T) {
	sem := newResizableSemaphore(1)
	ctx := context.Background()
	require.True(t, sem.Acquire(ctx))

	var woke atomic.Bool
	go func() {
		sem.Acquire(ctx)
		woke.Store(true)
	}()
	time.Sleep(20 * time.Millisecond)
	require.False(t, woke.Load())

	sem.SetLimit(2)
	require.Eventually(t, woke.Load, time.Second, 5*time.Millisecond)
}

func TestResizableSemaphoreShrinkTakesEffectAsymptotically(t *testing.T) {
	sem := newResizableSemaphore(3)
	ctx := context.Background()
	require.True(t, sem.Acquire(ctx))
	require.True(t, sem.Acquire(ctx))
	require.True(t, sem.Acquire(ctx))

	sem.SetLimit(1)
	require.Equal(t, 3, sem.InFlight(), "shrinking must not evict existing holders")

	var fourthAcquired atomic.Bool
	go func() {
		sem.Acquire(ctx)
		fourthAcquired.Store(true)
	}()

	sem.Release()
	sem.Release()
	time.Sleep(20 * time.Millisecond)
	require.False(t, fourthAcquired.Load(), "permits stay below the new limit of 1 until held drops to 0")

	sem.Release()
	require.Eventually(t, fourthAcquired.Load, time.Second, 5*time.Millisecond)
}

func TestResizableSemaphoreCloseUnblocksWaiters(t *testing.T) {
	sem := newResizableSemaphore(1)
	ctx := context.Background()
	require.True(t, sem.Acquire(ctx))

	result := make(chan bool, 1)
	go func() {
		result <- sem.Acquire(ctx)
	}()
	time.Sleep(20 * time.Millisecond)

	sem.Close()
	select {
	case ok := <-result:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Close never woke a blocked Acquire")
	}

	require.False(t, sem.Acquire(ctx), "Acquire after Close always fails")
}

func TestResizableSemaphoreCtxCancelUnblocksWaiter(t *testing.T) {
	sem := newResizableSemaphore(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, sem.Acquire(context.Background()))

	result := make(chan bool, 1)
	go func() {
		result <- sem.Acquire(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-result:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("cancellation never woke a blocked Acquire")
	}
}
