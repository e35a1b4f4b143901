package gousage

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

const (
	// DefaultPollMinInterval is the minimum gap between two fetches of one key
	DefaultPollMinInterval = 15 * time.Second
	// DefaultPollInterval is the period of the recurring fetch of an armed key
	DefaultPollInterval = 120 * time.Second
)

// FetchFunc performs one background fetch
type FetchFunc func(ctx context.Context) error

// PollConfig holds poll guard configuration
type PollConfig struct {
	// MinInterval suppresses fetches closer together than this (default: 15s)
	MinInterval time.Duration

	// Interval is the recurring fetch period of armed keys (default: 120s)
	Interval time.Duration

	// Clock drives timestamps and tickers (default: real clock)
	Clock quartz.Clock

	Logger  Logger
	Metrics Metrics
}

// PollGuard bounds the rate of low-priority background fetches per key.
// Failed fetches are swallowed; the next tick is the retry.
type PollGuard struct {
	config  PollConfig
	clock   quartz.Clock
	logger  Logger
	metrics Metrics

	mu        sync.Mutex
	lastFetch map[string]time.Time
	armed     map[string]*armedPoll
	armSeq    uint64
	closed    bool
}

type armedPoll struct {
	ctx    context.Context
	cancel context.CancelFunc
	fn     FetchFunc
	id     uint64
}

// NewPollGuard creates a guard
func NewPollGuard(config PollConfig) *PollGuard {
	if config.MinInterval <= 0 {
		config.MinInterval = DefaultPollMinInterval
	}
	if config.Interval <= 0 {
		config.Interval = DefaultPollInterval
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	return &PollGuard{
		config:    config,
		clock:     config.Clock,
		logger:    orNoopLogger(config.Logger),
		metrics:   orNoopMetrics(config.Metrics),
		lastFetch: make(map[string]time.Time),
		armed:     make(map[string]*armedPoll),
	}
}

// TryFetch runs fn unless the key was fetched less than MinInterval ago.
// It reports whether fn was invoked. Errors from fn are logged and dropped.
func (g *PollGuard) TryFetch(ctx context.Context, key string, fn FetchFunc) bool {
	if ctx.Err() != nil {
		return false
	}
	now := g.clock.Now("pollguard", "tryfetch")

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	if last, ok := g.lastFetch[key]; ok && now.Sub(last) < g.config.MinInterval {
		g.mu.Unlock()
		g.metrics.RecordPoll(key, true)
		return false
	}
	g.lastFetch[key] = now
	g.mu.Unlock()

	g.metrics.RecordPoll(key, false)
	if err := fn(ctx); err != nil {
		g.logger.Debug("guarded fetch failed",
			Field{"key", key},
			Field{"error", err.Error()},
		)
	}
	return true
}

// LastFetch returns when the key was last fetched
func (g *PollGuard) LastFetch(key string) (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.lastFetch[key]
	return t, ok
}

// Arm performs a guarded fetch now and every Interval until the returned
// disarm function is called, ctx is done, or the key is re-armed.
func (g *PollGuard) Arm(ctx context.Context, key string, fn FetchFunc) func() {
	pollCtx, cancel := context.WithCancel(ctx)

	g.mu.Lock()
	g.armSeq++
	id := g.armSeq
	if g.closed {
		g.mu.Unlock()
		cancel()
		return func() {}
	}
	if prev, ok := g.armed[key]; ok {
		prev.cancel()
	}
	g.armed[key] = &armedPoll{ctx: pollCtx, cancel: cancel, fn: fn, id: id}
	g.mu.Unlock()

	g.TryFetch(pollCtx, key, fn)

	g.clock.TickerFunc(pollCtx, g.config.Interval, func() error {
		g.TryFetch(pollCtx, key, fn)
		return nil
	}, "pollguard", key)

	return func() {
		g.mu.Lock()
		if cur, ok := g.armed[key]; ok && cur.id == id {
			delete(g.armed, key)
		}
		g.mu.Unlock()
		cancel()
	}
}

// Poke runs the guarded fetch of an armed key out of schedule, e.g. after the
// refresh trigger moved. It reports whether the fetch ran.
func (g *PollGuard) Poke(key string) bool {
	g.mu.Lock()
	a, ok := g.armed[key]
	g.mu.Unlock()
	if !ok {
		return false
	}
	return g.TryFetch(a.ctx, key, a.fn)
}

// Armed reports whether a recurring fetch is registered for key
func (g *PollGuard) Armed(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.armed[key]
	return ok
}

// Disarm stops the recurring fetch of key
func (g *PollGuard) Disarm(key string) {
	g.mu.Lock()
	a, ok := g.armed[key]
	delete(g.armed, key)
	g.mu.Unlock()
	if ok {
		a.cancel()
	}
}

// Close disarms every key; later calls are no-ops
func (g *PollGuard) Close() {
	g.mu.Lock()
	g.closed = true
	armed := g.armed
	g.armed = make(map[string]*armedPoll)
	g.mu.Unlock()

	for _, a := range armed {
		a.cancel()
	}
}

// PolledValue keeps the last good result of a polled fetch, e.g. a badge count
type PolledValue[T any] struct {
	mu      sync.RWMutex
	value   T
	ok      bool
	updated time.Time
	stopped bool
}

// Get returns the last good value and whether one was ever fetched
func (p *PolledValue[T]) Get() (T, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value, p.ok
}

// UpdatedAt returns when the value last changed
func (p *PolledValue[T]) UpdatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.updated
}

// Stop makes later results be discarded
func (p *PolledValue[T]) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// Fetcher wraps fetch into a FetchFunc that stores successful results.
// Failures leave the last good value in place.
func (p *PolledValue[T]) Fetcher(clock quartz.Clock, fetch func(ctx context.Context) (T, error)) FetchFunc {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return func(ctx context.Context) error {
		v, err := fetch(ctx)
		if err != nil {
			return err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.stopped {
			return nil
		}
		p.value = v
		p.ok = true
		p.updated = clock.Now("polledvalue")
		return nil
	}
}
