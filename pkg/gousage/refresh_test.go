package gousage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRefreshBus_BumpCounts(t *testing.T) {
	bus := NewRefreshBus(nil)
	initial := bus.Trigger()

	for i := 1; i <= 5; i++ {
		assert.Equal(t, initial+uint64(i), bus.Bump())
	}
	assert.Equal(t, initial+5, bus.Trigger())
}

func TestRefreshBus_ConcurrentBumps(t *testing.T) {
	bus := NewRefreshBus(nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Bump()
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(100), bus.Trigger())
}

func TestWatcher_ChangedOncePerIncrease(t *testing.T) {
	bus := NewRefreshBus(nil)
	bus.Bump()
	w := bus.WatchFrom(1)

	_, changed := w.Changed()
	assert.False(t, changed, "trigger equals the observed value")

	bus.Bump()
	v, changed := w.Changed()
	assert.True(t, changed)
	assert.Equal(t, uint64(2), v)

	_, changed = w.Changed()
	assert.False(t, changed, "no refetch until a further bump")

	bus.Bump()
	bus.Bump()
	v, changed = w.Changed()
	assert.True(t, changed)
	assert.Equal(t, uint64(4), v)
	assert.Equal(t, uint64(4), w.Seen())
}

func TestWatcher_RunActsOnNewValues(t *testing.T) {
	bus := NewRefreshBus(nil)
	w := bus.Watch()

	ctx, cancel := context.WithCancel(context.Background())
	seen := make(chan uint64, 10)
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, func(_ context.Context, trigger uint64) {
			seen <- trigger
		})
	}()

	bus.Bump()
	select {
	case v := <-seen:
		assert.Equal(t, uint64(1), v)
	case <-time.After(time.Second):
		t.Fatal("watcher did not observe the bump")
	}

	cancel()
	<-done

	// Bumps after cancellation are not delivered
	bus.Bump()
	assert.Len(t, seen, 0)
}

func TestWatcher_RunCollapsesBurst(t *testing.T) {
	bus := NewRefreshBus(nil)
	w := bus.Watch()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	var mu sync.Mutex
	var calls []uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, func(_ context.Context, trigger uint64) {
			mu.Lock()
			calls = append(calls, trigger)
			first := len(calls) == 1
			mu.Unlock()
			if first {
				<-release
			}
		})
	}()

	bus.Bump()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	}, time.Second, time.Millisecond)

	// Three bumps while the consumer is busy produce one further call
	bus.Bump()
	bus.Bump()
	bus.Bump()
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	assert.Equal(t, []uint64{1, 4}, calls)
}

func TestRefreshBus_Unsubscribe(t *testing.T) {
	bus := NewRefreshBus(nil)
	ch, cancel := bus.Subscribe()
	cancel()
	cancel()

	bus.Bump()
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received a value")
	default:
	}
}
