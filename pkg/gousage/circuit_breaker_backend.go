package gousage

import (
	"context"
)

// CircuitBreakerBackend wraps a Backend with circuit breaker protection so that
// background refreshes stop hammering a backend that keeps failing.
type CircuitBreakerBackend struct {
	backend Backend
	cb      CircuitBreaker
}

// NewCircuitBreakerBackend creates a new backend wrapper with circuit breaker.
func NewCircuitBreakerBackend(backend Backend, cb CircuitBreaker) *CircuitBreakerBackend {
	return &CircuitBreakerBackend{
		backend: backend,
		cb:      cb,
	}
}

func (b *CircuitBreakerBackend) FetchUsageMetrics(ctx context.Context, businessID string) (*UsageSnapshot, error) {
	var snap *UsageSnapshot
	err := b.cb.Execute(ctx, func() error {
		var e error
		snap, e = b.backend.FetchUsageMetrics(ctx, businessID)
		return e
	})
	return snap, err
}

func (b *CircuitBreakerBackend) FetchPlanLimits(ctx context.Context, businessID string) (*PlanLimits, error) {
	var limits *PlanLimits
	err := b.cb.Execute(ctx, func() error {
		var e error
		limits, e = b.backend.FetchPlanLimits(ctx, businessID)
		return e
	})
	return limits, err
}

func (b *CircuitBreakerBackend) ShouldReset(ctx context.Context, businessID string) (*ResetWindowState, error) {
	var st *ResetWindowState
	err := b.cb.Execute(ctx, func() error {
		var e error
		st, e = b.backend.ShouldReset(ctx, businessID)
		return e
	})
	return st, err
}

func (b *CircuitBreakerBackend) ForceReset(ctx context.Context, businessID string) (*ResetResult, error) {
	var res *ResetResult
	err := b.cb.Execute(ctx, func() error {
		var e error
		res, e = b.backend.ForceReset(ctx, businessID)
		return e
	})
	return res, err
}

func (b *CircuitBreakerBackend) ListPermissions(ctx context.Context, userID string) ([]PermissionRecord, error) {
	var recs []PermissionRecord
	err := b.cb.Execute(ctx, func() error {
		var e error
		recs, e = b.backend.ListPermissions(ctx, userID)
		return e
	})
	return recs, err
}

func (b *CircuitBreakerBackend) CreatePermission(ctx context.Context, rec PermissionRecord) (*PermissionRecord, error) {
	var saved *PermissionRecord
	err := b.cb.Execute(ctx, func() error {
		var e error
		saved, e = b.backend.CreatePermission(ctx, rec)
		return e
	})
	return saved, err
}

func (b *CircuitBreakerBackend) UpdatePermission(ctx context.Context, permissionID string, canAnswer bool) (*PermissionRecord, error) {
	var saved *PermissionRecord
	err := b.cb.Execute(ctx, func() error {
		var e error
		saved, e = b.backend.UpdatePermission(ctx, permissionID, canAnswer)
		return e
	})
	return saved, err
}

// CountUnanswered forwards to the wrapped backend when it supports badge counts
func (b *CircuitBreakerBackend) CountUnanswered(ctx context.Context, projectID int64) (int, error) {
	counter, ok := b.backend.(UnansweredCounter)
	if !ok {
		return 0, ErrUnsupported
	}
	var n int
	err := b.cb.Execute(ctx, func() error {
		var e error
		n, e = counter.CountUnanswered(ctx, projectID)
		return e
	})
	return n, err
}
