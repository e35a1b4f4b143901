package gousage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPermissionCache(t *testing.T, backend *fakeBackend, config PermissionConfig) *PermissionCache {
	t.Helper()
	c, err := NewPermissionCache(backend, config)
	require.NoError(t, err)
	return c
}

func TestPermissionCache_FalseBeforeLoad(t *testing.T) {
	backend := newFakeBackend()
	backend.perms["u1"] = []PermissionRecord{{UserID: "u1", ProjectID: 1, CanAnswer: true, PermissionID: "p1"}}
	c := newTestPermissionCache(t, backend, PermissionConfig{})

	assert.False(t, c.HasPermission(1))

	require.NoError(t, c.Load(context.Background(), "u1"))
	assert.True(t, c.HasPermission(1))
}

func TestPermissionCache_OnlyCanAnswerRecords(t *testing.T) {
	backend := newFakeBackend()
	backend.perms["u1"] = []PermissionRecord{
		{UserID: "u1", ProjectID: 1, CanAnswer: true, PermissionID: "p1"},
		{UserID: "u1", ProjectID: 2, CanAnswer: false, PermissionID: "p2"},
	}
	backend.perms["u2"] = []PermissionRecord{{UserID: "u2", ProjectID: 3, CanAnswer: true, PermissionID: "p3"}}
	c := newTestPermissionCache(t, backend, PermissionConfig{})

	require.NoError(t, c.Load(context.Background(), "u1"))

	assert.True(t, c.HasPermission(1))
	assert.False(t, c.HasPermission(2), "record exists but canAnswer is false")
	assert.False(t, c.HasPermission(3), "another user's record")
	assert.False(t, c.HasPermission(4), "no record")
	assert.Len(t, c.Records(), 2)
}

func TestPermissionCache_EmptyUserClears(t *testing.T) {
	backend := newFakeBackend()
	backend.perms["u1"] = []PermissionRecord{{UserID: "u1", ProjectID: 1, CanAnswer: true}}
	c := newTestPermissionCache(t, backend, PermissionConfig{})
	ctx := context.Background()

	require.NoError(t, c.Load(ctx, "u1"))
	require.NoError(t, c.Load(ctx, ""))

	assert.False(t, c.HasPermission(1))
	assert.Empty(t, c.UserID())
	assert.Equal(t, 1, backend.callCount("listPermissions"))
}

func TestPermissionCache_UserSwitchDropsPreviousRecords(t *testing.T) {
	backend := newFakeBackend()
	backend.perms["u1"] = []PermissionRecord{{UserID: "u1", ProjectID: 1, CanAnswer: true}}
	c := newTestPermissionCache(t, backend, PermissionConfig{})
	ctx := context.Background()
	require.NoError(t, c.Load(ctx, "u1"))

	backend.permErr = errors.New("timeout")
	require.Error(t, c.Load(ctx, "u2"))

	assert.Equal(t, "u2", c.UserID())
	assert.False(t, c.HasPermission(1))
}

func TestPermissionCache_FailedLoadKeepsLastGood(t *testing.T) {
	backend := newFakeBackend()
	backend.perms["u1"] = []PermissionRecord{{UserID: "u1", ProjectID: 1, CanAnswer: true}}
	c := newTestPermissionCache(t, backend, PermissionConfig{})
	ctx := context.Background()
	require.NoError(t, c.Load(ctx, "u1"))

	backend.permErr = errors.New("timeout")
	err := c.Refresh(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load permissions")
	assert.True(t, c.HasPermission(1))
	assert.False(t, c.Loading())
}

func TestPermissionCache_LatestStartedLoadWins(t *testing.T) {
	backend := newFakeBackend()
	backend.perms["u1"] = []PermissionRecord{{UserID: "u1", ProjectID: 1, CanAnswer: false, PermissionID: "p1"}}
	c := newTestPermissionCache(t, backend, PermissionConfig{})
	ctx := context.Background()

	// The first load observes the old record and is held back
	gate := backend.gatePermissions()
	firstDone := make(chan error, 1)
	go func() { firstDone <- c.Load(ctx, "u1") }()

	require.Eventually(t, func() bool { return backend.callCount("listPermissions") == 1 }, time.Second, time.Millisecond)

	// The record changes and a second load completes first
	backend.mu.Lock()
	backend.perms["u1"] = []PermissionRecord{{UserID: "u1", ProjectID: 1, CanAnswer: true, PermissionID: "p1"}}
	backend.mu.Unlock()
	require.NoError(t, c.Load(ctx, "u1"))
	assert.True(t, c.HasPermission(1))
	assert.True(t, c.Loading())

	close(gate)
	require.NoError(t, <-firstDone)

	// The stale response of the earlier load is discarded
	assert.True(t, c.HasPermission(1))
	assert.False(t, c.Loading())
}

func TestPermissionCache_Ensure(t *testing.T) {
	backend := newFakeBackend()
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	c := newTestPermissionCache(t, backend, PermissionConfig{
		MaxAge: time.Minute,
		Now:    func() time.Time { return now },
	})
	ctx := context.Background()

	require.NoError(t, c.Ensure(ctx, "u1"))
	require.NoError(t, c.Ensure(ctx, "u1"))
	assert.Equal(t, 1, backend.callCount("listPermissions"))

	now = now.Add(2 * time.Minute)
	require.NoError(t, c.Ensure(ctx, "u1"))
	assert.Equal(t, 2, backend.callCount("listPermissions"))

	require.NoError(t, c.Ensure(ctx, "u2"))
	assert.Equal(t, 3, backend.callCount("listPermissions"))
}

func TestPermissionCache_SetPermission(t *testing.T) {
	backend := newFakeBackend()
	c := newTestPermissionCache(t, backend, PermissionConfig{})
	ctx := context.Background()

	created, err := c.SetPermission(ctx, PermissionRecord{UserID: "u1", ProjectID: 5, CanAnswer: true})
	require.NoError(t, err)
	assert.True(t, created.Exists())
	assert.Equal(t, 1, backend.callCount("createPermission"))

	// The cache is not touched until it is refreshed
	assert.False(t, c.HasPermission(5))
	require.NoError(t, c.Load(ctx, "u1"))
	assert.True(t, c.HasPermission(5))

	updated, err := c.SetPermission(ctx, PermissionRecord{UserID: "u1", ProjectID: 5, CanAnswer: false, PermissionID: created.PermissionID})
	require.NoError(t, err)
	assert.False(t, updated.CanAnswer)
	assert.Equal(t, 1, backend.callCount("updatePermission"))

	_, err = c.SetPermission(ctx, PermissionRecord{UserID: "u1", ProjectID: 5, PermissionID: "missing"})
	assert.ErrorIs(t, err, ErrPermissionNotFound)

	_, err = c.SetPermission(ctx, PermissionRecord{ProjectID: 5})
	assert.Error(t, err)
}

func TestPermissionCache_Dispose(t *testing.T) {
	backend := newFakeBackend()
	backend.perms["u1"] = []PermissionRecord{{UserID: "u1", ProjectID: 1, CanAnswer: true}}
	c := newTestPermissionCache(t, backend, PermissionConfig{})
	require.NoError(t, c.Load(context.Background(), "u1"))

	c.Dispose()

	assert.False(t, c.HasPermission(1))
	assert.ErrorIs(t, c.Load(context.Background(), "u1"), ErrDisposed)
	_, err := c.SetPermission(context.Background(), PermissionRecord{UserID: "u1", ProjectID: 1})
	assert.ErrorIs(t, err, ErrDisposed)
}
