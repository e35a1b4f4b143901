// Package tiered provides a Hot/Cold tiered gousage.SnapshotStore that pairs
// fast ephemeral storage (Hot) with durable persistent storage (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Config configures the tiered store behavior
type Config struct {
	// Hot is the L1 store (e.g., Redis, Memory) read first on every load
	Hot gousage.SnapshotStore

	// Cold is the L2 store (e.g., Postgres) that survives Hot evictions
	Cold gousage.SnapshotStore

	// AsyncColdWrites makes saves return once Hot accepted the snapshot and
	// writes Cold in the background. If false, Cold is written synchronously.
	AsyncColdWrites bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 100
	SyncBufferSize int

	// AsyncErrorHandler is called when an async Cold write fails or is dropped.
	AsyncErrorHandler func(error)
}

// Storage implements a Hot/Cold tiered snapshot store:
// - Read-Through: loads try Hot, then Cold, and repair Hot from Cold
// - Write-Through: saves go to Hot, then Cold (synchronously or via the worker)
type Storage struct {
	hot  gousage.SnapshotStore
	cold gousage.SnapshotStore
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a new tiered snapshot store.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 100
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncColdWrites {
		s.startWorker()
	}
	return s, nil
}

// Close stops the async worker after draining queued writes.
func (s *Storage) Close() error {
	if !s.conf.AsyncColdWrites {
		return nil
	}
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
	})
	return nil
}

// startWorker runs the background synchronization loop.
// Jobs run sequentially so Cold sees saves in submission order.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered sync failed: %w", err))
	}
}

// LoadSnapshot implements gousage.SnapshotStore with read-through strategy.
func (s *Storage) LoadSnapshot(ctx context.Context, businessID string) (*gousage.UsageSnapshot, error) {
	snap, err := s.hot.LoadSnapshot(ctx, businessID)
	if err == nil && snap != nil {
		return snap, nil
	}

	snap, err = s.cold.LoadSnapshot(ctx, businessID)
	if err != nil {
		return nil, err
	}

	// Read-repair; a failed cache fill only costs the next load a Cold read.
	if snap != nil {
		_ = s.hot.SaveSnapshot(ctx, businessID, *snap)
	}
	return snap, nil
}

// SaveSnapshot implements gousage.SnapshotStore with write-through strategy.
func (s *Storage) SaveSnapshot(ctx context.Context, businessID string, snapshot gousage.UsageSnapshot) error {
	if err := s.hot.SaveSnapshot(ctx, businessID, snapshot); err != nil {
		return fmt.Errorf("hot save: %w", err)
	}

	if !s.conf.AsyncColdWrites {
		if err := s.cold.SaveSnapshot(ctx, businessID, snapshot); err != nil {
			return fmt.Errorf("cold save: %w", err)
		}
		return nil
	}

	// The caller's context may end before the worker runs the job.
	job := func() error {
		return s.cold.SaveSnapshot(context.WithoutCancel(ctx), businessID, snapshot)
	}
	select {
	case s.syncQueue <- job:
	default:
		s.report(fmt.Errorf("queue full, dropped snapshot of %s", businessID))
	}
	return nil
}
