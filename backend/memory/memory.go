// Package memory provides an in-memory implementation of gousage.Backend.
// It is intended for tests, demos and the deskctl "serve --memory" mode, and
// supports per-operation failure injection.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Op names a backend operation for failure injection and call counting
type Op string

const (
	OpFetchUsage       Op = "fetch_usage"
	OpFetchLimits      Op = "fetch_limits"
	OpShouldReset      Op = "should_reset"
	OpForceReset       Op = "force_reset"
	OpListPermissions  Op = "list_permissions"
	OpCreatePermission Op = "create_permission"
	OpUpdatePermission Op = "update_permission"
	OpCountUnanswered  Op = "count_unanswered"
)

// ErrBusinessNotFound is returned for a business that was never configured
var ErrBusinessNotFound = errors.New("business not found")

// Hook runs before an operation is served, outside the backend lock.
// Tests use it to block or reorder concurrent calls.
type Hook func(ctx context.Context)

type business struct {
	usage     gousage.UsageSnapshot
	limits    gousage.PlanLimits
	anchor    time.Time
	lastReset time.Time
}

// Backend implements gousage.Backend and gousage.UnansweredCounter using in-memory maps
type Backend struct {
	clock quartz.Clock

	mu          sync.Mutex
	businesses  map[string]*business
	permissions map[string]gousage.PermissionRecord
	order       []string
	nextPermID  int
	unanswered  map[int64]int
	errs        map[Op]error
	hooks       map[Op]Hook
	calls       map[Op]int
}

// Option configures a Backend
type Option func(*Backend)

// WithClock sets the clock used for snapshot timestamps and reset windows
func WithClock(clock quartz.Clock) Option {
	return func(b *Backend) {
		b.clock = clock
	}
}

// New creates an empty in-memory backend
func New(opts ...Option) *Backend {
	b := &Backend{
		clock:       quartz.NewReal(),
		businesses:  make(map[string]*business),
		permissions: make(map[string]gousage.PermissionRecord),
		unanswered:  make(map[int64]int),
		errs:        make(map[Op]error),
		hooks:       make(map[Op]Hook),
		calls:       make(map[Op]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AddBusiness registers a business with its plan limits. The billing cycle
// is anchored at the current time and counts as just reset.
func (b *Backend) AddBusiness(businessID string, limits gousage.PlanLimits) {
	now := b.clock.Now("memory", "business")
	b.mu.Lock()
	defer b.mu.Unlock()
	b.businesses[businessID] = &business{
		limits:    limits,
		anchor:    now,
		lastReset: now,
	}
}

// SetUsage replaces the counters of a business
func (b *Backend) SetUsage(businessID string, usage gousage.UsageSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	biz := b.business(businessID)
	biz.usage = usage
}

// AddUsage changes one counter, as a committed mutation would. Counters never go below zero.
func (b *Backend) AddUsage(businessID string, m gousage.Metric, delta int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	u := &b.business(businessID).usage
	var field *int64
	switch m {
	case gousage.MetricConversations:
		field = &u.ConversationsCount
	case gousage.MetricExperts:
		field = &u.ExpertsCount
	case gousage.MetricDepartments:
		field = &u.DepartmentsCount
	case gousage.MetricProjects:
		field = &u.ProjectsCount
	default:
		return
	}
	*field += delta
	if *field < 0 {
		*field = 0
	}
}

// SetLimits replaces the plan limits of a business
func (b *Backend) SetLimits(businessID string, limits gousage.PlanLimits) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.business(businessID).limits = limits
}

// SetBillingCycle sets the billing anchor and the time of the last reset
func (b *Backend) SetBillingCycle(businessID string, anchor, lastReset time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	biz := b.business(businessID)
	biz.anchor = anchor
	biz.lastReset = lastReset
}

// SetUnanswered sets the unanswered-question count of a project
func (b *Backend) SetUnanswered(projectID int64, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unanswered[projectID] = n
}

// SetError makes every later call of op fail with err. A nil err clears it.
func (b *Backend) SetError(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.errs, op)
		return
	}
	b.errs[op] = err
}

// SetHook installs a hook for op. A nil hook removes it.
func (b *Backend) SetHook(op Op, hook Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if hook == nil {
		delete(b.hooks, op)
		return
	}
	b.hooks[op] = hook
}

// Calls returns how many times op was invoked
func (b *Backend) Calls(op Op) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// business returns the business entry, creating it on first use. Callers hold b.mu.
func (b *Backend) business(businessID string) *business {
	biz, ok := b.businesses[businessID]
	if !ok {
		now := b.clock.Now("memory", "business")
		biz = &business{
			limits:    gousage.PlanLimits{MaxConversations: gousage.Unlimited, MaxExperts: gousage.Unlimited, MaxDepartments: gousage.Unlimited, MaxProjectsPerDepartment: gousage.Unlimited},
			anchor:    now,
			lastReset: now,
		}
		b.businesses[businessID] = biz
	}
	return biz
}

// enter counts the call, runs the hook and returns the injected error, if any
func (b *Backend) enter(ctx context.Context, op Op) error {
	b.mu.Lock()
	b.calls[op]++
	hook := b.hooks[op]
	b.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errs[op]
}

// FetchUsageMetrics implements gousage.UsageBackend
func (b *Backend) FetchUsageMetrics(ctx context.Context, businessID string) (*gousage.UsageSnapshot, error) {
	if err := b.enter(ctx, OpFetchUsage); err != nil {
		return nil, err
	}
	now := b.clock.Now("memory", "usage")

	b.mu.Lock()
	defer b.mu.Unlock()
	biz, ok := b.businesses[businessID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusinessNotFound, businessID)
	}
	snap := biz.usage
	snap.AsOf = now
	return &snap, nil
}

// FetchPlanLimits implements gousage.UsageBackend
func (b *Backend) FetchPlanLimits(ctx context.Context, businessID string) (*gousage.PlanLimits, error) {
	if err := b.enter(ctx, OpFetchLimits); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	biz, ok := b.businesses[businessID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusinessNotFound, businessID)
	}
	limits := biz.limits
	return &limits, nil
}

// ShouldReset implements gousage.ResetBackend
func (b *Backend) ShouldReset(ctx context.Context, businessID string) (*gousage.ResetWindowState, error) {
	if err := b.enter(ctx, OpShouldReset); err != nil {
		return nil, err
	}
	now := b.clock.Now("memory", "reset")

	b.mu.Lock()
	defer b.mu.Unlock()
	biz, ok := b.businesses[businessID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusinessNotFound, businessID)
	}
	st := gousage.ResetWindowAt(biz.anchor, biz.lastReset, now)
	return &st, nil
}

// ForceReset implements gousage.ResetBackend. Only the conversation counter
// is cycle-scoped; calling it while no reset is due changes nothing.
func (b *Backend) ForceReset(ctx context.Context, businessID string) (*gousage.ResetResult, error) {
	if err := b.enter(ctx, OpForceReset); err != nil {
		return nil, err
	}
	now := b.clock.Now("memory", "reset")

	b.mu.Lock()
	defer b.mu.Unlock()
	biz, ok := b.businesses[businessID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBusinessNotFound, businessID)
	}
	if !gousage.ResetWindowAt(biz.anchor, biz.lastReset, now).Due() {
		return &gousage.ResetResult{Message: "No reset needed"}, nil
	}
	biz.usage.ConversationsCount = 0
	biz.lastReset = now
	return &gousage.ResetResult{Message: "Usage reset successfully"}, nil
}

// AddPermission stores a record directly and returns it with its id
func (b *Backend) AddPermission(rec gousage.PermissionRecord) gousage.PermissionRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.insertPermission(rec)
}

func (b *Backend) insertPermission(rec gousage.PermissionRecord) gousage.PermissionRecord {
	b.nextPermID++
	rec.PermissionID = fmt.Sprintf("perm-%d", b.nextPermID)
	b.permissions[rec.PermissionID] = rec
	b.order = append(b.order, rec.PermissionID)
	return rec
}

// ListPermissions implements gousage.PermissionBackend
func (b *Backend) ListPermissions(ctx context.Context, userID string) ([]gousage.PermissionRecord, error) {
	if err := b.enter(ctx, OpListPermissions); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var out []gousage.PermissionRecord
	for _, id := range b.order {
		if rec := b.permissions[id]; rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// CreatePermission implements gousage.PermissionBackend
func (b *Backend) CreatePermission(ctx context.Context, rec gousage.PermissionRecord) (*gousage.PermissionRecord, error) {
	if err := b.enter(ctx, OpCreatePermission); err != nil {
		return nil, err
	}
	if rec.UserID == "" {
		return nil, fmt.Errorf("invalid permission record: missing user")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	saved := b.insertPermission(rec)
	return &saved, nil
}

// UpdatePermission implements gousage.PermissionBackend
func (b *Backend) UpdatePermission(ctx context.Context, permissionID string, canAnswer bool) (*gousage.PermissionRecord, error) {
	if err := b.enter(ctx, OpUpdatePermission); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.permissions[permissionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", gousage.ErrPermissionNotFound, permissionID)
	}
	rec.CanAnswer = canAnswer
	b.permissions[permissionID] = rec
	return &rec, nil
}

// CountUnanswered implements gousage.UnansweredCounter
func (b *Backend) CountUnanswered(ctx context.Context, projectID int64) (int, error) {
	if err := b.enter(ctx, OpCountUnanswered); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unanswered[projectID], nil
}
