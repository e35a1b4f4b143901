package gousage

import (
	"context"
	"sync"
	"sync/atomic"
)

// RefreshBus carries a monotonically increasing trigger. Producers bump it
// after a mutation settled; consumers refetch once per new value.
type RefreshBus struct {
	trigger atomic.Uint64
	metrics Metrics

	mu   sync.Mutex
	next int
	subs map[int]chan uint64
}

// NewRefreshBus creates a bus whose trigger starts at 0
func NewRefreshBus(metrics Metrics) *RefreshBus {
	return &RefreshBus{
		metrics: orNoopMetrics(metrics),
		subs:    make(map[int]chan uint64),
	}
}

// Trigger returns the current trigger value
func (b *RefreshBus) Trigger() uint64 {
	return b.trigger.Load()
}

// Bump increments the trigger by one and notifies subscribers.
// Call it only after the mutation and every dependent cache refresh resolved.
func (b *RefreshBus) Bump() uint64 {
	v := b.trigger.Add(1)
	b.metrics.RecordRefreshBump(v)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		// Keep only the latest value; a slow subscriber reads the trigger anyway.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
	return v
}

// Subscribe returns a channel receiving the trigger value after each bump.
// Bumps that happen while the subscriber is busy collapse into the latest value.
func (b *RefreshBus) Subscribe() (<-chan uint64, func()) {
	ch := make(chan uint64, 1)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Watch returns a watcher that has already observed the current trigger
func (b *RefreshBus) Watch() *Watcher {
	return &Watcher{bus: b, last: b.Trigger()}
}

// WatchFrom returns a watcher that last observed the given trigger value
func (b *RefreshBus) WatchFrom(last uint64) *Watcher {
	return &Watcher{bus: b, last: last}
}

// Watcher is the consumer side of a RefreshBus. It remembers the last value
// it acted on so re-reads of an unchanged trigger never refetch.
type Watcher struct {
	bus *RefreshBus

	mu   sync.Mutex
	last uint64
}

// Seen returns the last trigger value the watcher acted on
func (w *Watcher) Seen() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Changed reports whether the trigger moved past the last observed value and
// records the new value when it did.
func (w *Watcher) Changed() (uint64, bool) {
	v := w.bus.Trigger()

	w.mu.Lock()
	defer w.mu.Unlock()
	if v <= w.last {
		return w.last, false
	}
	w.last = v
	return v, true
}

// Run calls fn once for every trigger value newer than the last observed one
// until ctx is done. Several bumps arriving during one fn call produce a
// single further call.
func (w *Watcher) Run(ctx context.Context, fn func(ctx context.Context, trigger uint64)) {
	ch, cancel := w.bus.Subscribe()
	defer cancel()

	// A bump may have landed between Watch and Subscribe.
	if v, ok := w.Changed(); ok {
		fn(ctx, v)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			if v, ok := w.Changed(); ok {
				if ctx.Err() != nil {
					return
				}
				fn(ctx, v)
			}
		}
	}
}
