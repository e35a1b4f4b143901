package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

var _ gousage.SnapshotStore = (*Storage)(nil)

func TestStorage_LoadMissing(t *testing.T) {
	storage := New()

	snap, err := storage.LoadSnapshot(context.Background(), "biz-1")
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestStorage_SaveLoad(t *testing.T) {
	storage := New()
	ctx := context.Background()
	asOf := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	saved := gousage.UsageSnapshot{ConversationsCount: 3, ProjectsCount: 2, AsOf: asOf,
		Included: []gousage.Metric{gousage.MetricConversations, gousage.MetricProjects}}
	require.NoError(t, storage.SaveSnapshot(ctx, "biz-1", saved))

	saved.Included[0] = gousage.MetricExperts

	got, err := storage.LoadSnapshot(ctx, "biz-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(3), got.ConversationsCount)
	assert.Equal(t, gousage.MetricConversations, got.Included[0], "stored copy is isolated from the caller")
}

func TestStorage_OlderSnapshotIgnored(t *testing.T) {
	storage := New()
	ctx := context.Background()
	newer := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, storage.SaveSnapshot(ctx, "biz-1", gousage.UsageSnapshot{ExpertsCount: 5, AsOf: newer}))
	require.NoError(t, storage.SaveSnapshot(ctx, "biz-1", gousage.UsageSnapshot{ExpertsCount: 1, AsOf: newer.Add(-time.Minute)}))

	got, err := storage.LoadSnapshot(ctx, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.ExpertsCount)
}

func TestStorage_DeleteAndClear(t *testing.T) {
	storage := New()
	ctx := context.Background()

	require.Error(t, storage.SaveSnapshot(ctx, "", gousage.UsageSnapshot{}))
	require.NoError(t, storage.SaveSnapshot(ctx, "biz-1", gousage.UsageSnapshot{}))
	require.NoError(t, storage.SaveSnapshot(ctx, "biz-2", gousage.UsageSnapshot{}))

	require.NoError(t, storage.Delete(ctx, "biz-1"))
	got, _ := storage.LoadSnapshot(ctx, "biz-1")
	assert.Nil(t, got)

	storage.Clear()
	got, _ = storage.LoadSnapshot(ctx, "biz-2")
	assert.Nil(t, got)
}
