// Package memory provides an in-memory implementation of the gousage.SnapshotStore interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Storage implements gousage.SnapshotStore using an in-memory map
type Storage struct {
	mu        sync.RWMutex
	snapshots map[string]gousage.UsageSnapshot
}

// New creates a new in-memory snapshot store
func New() *Storage {
	return &Storage{
		snapshots: make(map[string]gousage.UsageSnapshot),
	}
}

// LoadSnapshot implements gousage.SnapshotStore
func (s *Storage) LoadSnapshot(_ context.Context, businessID string) (*gousage.UsageSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snapshots[businessID]
	if !ok {
		return nil, nil // No snapshot yet is not an error
	}
	snap.Included = cloneMetrics(snap.Included)
	return &snap, nil
}

// SaveSnapshot implements gousage.SnapshotStore. A snapshot older than the
// stored one is ignored.
func (s *Storage) SaveSnapshot(_ context.Context, businessID string, snapshot gousage.UsageSnapshot) error {
	if businessID == "" {
		return fmt.Errorf("business id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.snapshots[businessID]; ok && cur.AsOf.After(snapshot.AsOf) {
		return nil
	}
	snapshot.Included = cloneMetrics(snapshot.Included)
	s.snapshots[businessID] = snapshot
	return nil
}

// Delete removes the stored snapshot of a business
func (s *Storage) Delete(_ context.Context, businessID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, businessID)
	return nil
}

// Clear removes all data (useful for testing)
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = make(map[string]gousage.UsageSnapshot)
}

func cloneMetrics(in []gousage.Metric) []gousage.Metric {
	if in == nil {
		return nil
	}
	out := make([]gousage.Metric, len(in))
	copy(out, in)
	return out
}
