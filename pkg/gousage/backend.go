package gousage

import (
	"context"
)

// UsageBackend serves the authoritative usage counters and plan limits of a business
type UsageBackend interface {
	// FetchUsageMetrics returns the current usage snapshot of the business
	FetchUsageMetrics(ctx context.Context, businessID string) (*UsageSnapshot, error)

	// FetchPlanLimits returns the limits of the business's subscription plan
	FetchPlanLimits(ctx context.Context, businessID string) (*PlanLimits, error)
}

// ResetBackend decides and performs the monthly usage reset
type ResetBackend interface {
	// ShouldReset reports whether the billing cycle rolled over since the last reset.
	// It must not mutate anything.
	ShouldReset(ctx context.Context, businessID string) (*ResetWindowState, error)

	// ForceReset resets the cycle counters. Calling it when no reset is due
	// is expected to be a no-op on the backend.
	ForceReset(ctx context.Context, businessID string) (*ResetResult, error)
}

// PermissionBackend stores which users may answer which projects
type PermissionBackend interface {
	// ListPermissions returns every permission record of a user
	ListPermissions(ctx context.Context, userID string) ([]PermissionRecord, error)

	// CreatePermission creates a record that does not exist yet
	CreatePermission(ctx context.Context, rec PermissionRecord) (*PermissionRecord, error)

	// UpdatePermission patches the canAnswer flag of an existing record
	UpdatePermission(ctx context.Context, permissionID string, canAnswer bool) (*PermissionRecord, error)
}

// Backend is the full set of capabilities the engine consumes
type Backend interface {
	UsageBackend
	ResetBackend
	PermissionBackend
}

// UnansweredCounter is an optional capability used by badge polling.
// Backends that implement it expose the number of unanswered questions per project.
type UnansweredCounter interface {
	CountUnanswered(ctx context.Context, projectID int64) (int, error)
}

// SnapshotStore persists the last-known-good usage snapshot so a new session
// can display stale counters before the first authoritative fetch resolves.
type SnapshotStore interface {
	// LoadSnapshot returns the stored snapshot, or nil when none exists (not an error)
	LoadSnapshot(ctx context.Context, businessID string) (*UsageSnapshot, error)

	// SaveSnapshot stores the snapshot, replacing any previous one
	SaveSnapshot(ctx context.Context, businessID string, snapshot UsageSnapshot) error
}

// NoopStore is a SnapshotStore that remembers nothing
type NoopStore struct{}

func (NoopStore) LoadSnapshot(_ context.Context, _ string) (*UsageSnapshot, error) {
	return nil, nil
}

func (NoopStore) SaveSnapshot(_ context.Context, _ string, _ UsageSnapshot) error {
	return nil
}
