package gousage

import (
	"context"
	"fmt"
	"sync"
)

// fakeBackend is an in-package Backend whose answers and failures are set
// per test. Calls can be parked on a gate to control completion order.
type fakeBackend struct {
	mu sync.Mutex

	usage    UsageSnapshot
	limits   PlanLimits
	usageErr error
	limitErr error

	resetState ResetWindowState
	resetErr   error
	resets     int

	perms     map[string][]PermissionRecord
	permErr   error
	permGates []chan struct{}
	nextID    int

	calls map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		limits:     PlanLimits{MaxConversations: Unlimited, MaxExperts: Unlimited, MaxDepartments: Unlimited, MaxProjectsPerDepartment: Unlimited},
		resetState: ResetWindowState{ShouldReset: ResetNo},
		perms:      make(map[string][]PermissionRecord),
		calls:      make(map[string]int),
	}
}

func (f *fakeBackend) count(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeBackend) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) usageCalls() int {
	return f.callCount("usage")
}

func (f *fakeBackend) setUsage(s UsageSnapshot) {
	f.mu.Lock()
	f.usage = s
	f.mu.Unlock()
}

// gatePermissions parks the next ListPermissions call until the returned
// channel is closed
func (f *fakeBackend) gatePermissions() chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.permGates = append(f.permGates, gate)
	f.mu.Unlock()
	return gate
}

func (f *fakeBackend) FetchUsageMetrics(ctx context.Context, _ string) (*UsageSnapshot, error) {
	f.count("usage")
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usageErr != nil {
		return nil, f.usageErr
	}
	s := f.usage
	return &s, nil
}

func (f *fakeBackend) FetchPlanLimits(_ context.Context, _ string) (*PlanLimits, error) {
	f.count("limits")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.limitErr != nil {
		return nil, f.limitErr
	}
	l := f.limits
	return &l, nil
}

func (f *fakeBackend) ShouldReset(_ context.Context, _ string) (*ResetWindowState, error) {
	f.count("shouldReset")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return nil, f.resetErr
	}
	st := f.resetState
	return &st, nil
}

func (f *fakeBackend) ForceReset(_ context.Context, _ string) (*ResetResult, error) {
	f.count("forceReset")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resetErr != nil {
		return nil, f.resetErr
	}
	if !f.resetState.Due() {
		return &ResetResult{Message: "No reset needed"}, nil
	}
	f.resets++
	f.usage.ConversationsCount = 0
	f.resetState.ShouldReset = ResetNo
	return &ResetResult{Message: "Usage reset successfully"}, nil
}

func (f *fakeBackend) ListPermissions(ctx context.Context, userID string) ([]PermissionRecord, error) {
	f.mu.Lock()
	f.calls["listPermissions"]++
	var gate chan struct{}
	if len(f.permGates) > 0 {
		gate = f.permGates[0]
		f.permGates = f.permGates[1:]
	}
	// Snapshot the answer at call time so a gated call returns stale data.
	recs := append([]PermissionRecord(nil), f.perms[userID]...)
	err := f.permErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func (f *fakeBackend) CreatePermission(_ context.Context, rec PermissionRecord) (*PermissionRecord, error) {
	f.count("createPermission")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	rec.PermissionID = fmt.Sprintf("perm-%d", f.nextID)
	f.perms[rec.UserID] = append(f.perms[rec.UserID], rec)
	return &rec, nil
}

func (f *fakeBackend) UpdatePermission(_ context.Context, id string, canAnswer bool) (*PermissionRecord, error) {
	f.count("updatePermission")
	f.mu.Lock()
	defer f.mu.Unlock()
	for user, recs := range f.perms {
		for i := range recs {
			if recs[i].PermissionID == id {
				recs[i].CanAnswer = canAnswer
				f.perms[user] = recs
				rec := recs[i]
				return &rec, nil
			}
		}
	}
	return nil, ErrPermissionNotFound
}

// countingBackend adds badge counts to fakeBackend
type countingBackend struct {
	*fakeBackend
	unanswered map[int64]int
	countErr   error
}

func (c *countingBackend) CountUnanswered(_ context.Context, projectID int64) (int, error) {
	c.count("countUnanswered")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.countErr != nil {
		return 0, c.countErr
	}
	return c.unanswered[projectID], nil
}

// memoryStore is a SnapshotStore kept in a map
type memoryStore struct {
	mu    sync.Mutex
	snaps map[string]UsageSnapshot
	err   error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{snaps: make(map[string]UsageSnapshot)}
}

func (s *memoryStore) LoadSnapshot(_ context.Context, businessID string) (*UsageSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	snap, ok := s.snaps[businessID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *memoryStore) SaveSnapshot(_ context.Context, businessID string, snap UsageSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.snaps[businessID] = snap
	return nil
}
