package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

var _ gousage.SnapshotStore = (*Storage)(nil)

func setupTestStorage(t *testing.T, config Config) (*Storage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	storage, err := New(client, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })
	return storage, mr
}

func TestNew(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.Error(t, err)

	_, err = New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Config{SnapshotTTL: -time.Second})
	assert.Error(t, err)

	s, err := New(redis.NewClient(&redis.Options{Addr: "localhost:0"}), Config{})
	require.NoError(t, err)
	assert.Equal(t, "gousage:", s.config.KeyPrefix)
}

func TestStorage_SaveLoad(t *testing.T) {
	storage, mr := setupTestStorage(t, DefaultConfig())
	ctx := context.Background()

	got, err := storage.LoadSnapshot(ctx, "biz-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	asOf := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	snap := gousage.UsageSnapshot{ConversationsCount: 12, ExpertsCount: 2, DepartmentsCount: 1, ProjectsCount: 4, AsOf: asOf}
	require.NoError(t, storage.SaveSnapshot(ctx, "biz-1", snap))

	got, err = storage.LoadSnapshot(ctx, "biz-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.ConversationsCount, got.ConversationsCount)
	assert.Equal(t, snap.ProjectsCount, got.ProjectsCount)
	assert.True(t, asOf.Equal(got.AsOf))

	assert.True(t, mr.Exists("gousage:snapshot:biz-1"))
	assert.Equal(t, 7*24*time.Hour, mr.TTL("gousage:snapshot:biz-1"))
}

func TestStorage_OlderSnapshotIgnored(t *testing.T) {
	storage, _ := setupTestStorage(t, DefaultConfig())
	ctx := context.Background()
	newer := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, storage.SaveSnapshot(ctx, "biz-1", gousage.UsageSnapshot{ExpertsCount: 5, AsOf: newer}))
	require.NoError(t, storage.SaveSnapshot(ctx, "biz-1", gousage.UsageSnapshot{ExpertsCount: 1, AsOf: newer.Add(-time.Second)}))

	got, err := storage.LoadSnapshot(ctx, "biz-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.ExpertsCount)
}

func TestStorage_Expiry(t *testing.T) {
	storage, mr := setupTestStorage(t, Config{KeyPrefix: "test:", SnapshotTTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, storage.SaveSnapshot(ctx, "biz-1", gousage.UsageSnapshot{ProjectsCount: 1, AsOf: time.Now()}))
	mr.FastForward(2 * time.Minute)

	got, err := storage.LoadSnapshot(ctx, "biz-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStorage_Delete(t *testing.T) {
	storage, _ := setupTestStorage(t, DefaultConfig())
	ctx := context.Background()

	require.Error(t, storage.SaveSnapshot(ctx, "", gousage.UsageSnapshot{}))
	require.NoError(t, storage.SaveSnapshot(ctx, "biz-1", gousage.UsageSnapshot{AsOf: time.Now()}))
	require.NoError(t, storage.Delete(ctx, "biz-1"))

	got, err := storage.LoadSnapshot(ctx, "biz-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStorage_Ping(t *testing.T) {
	storage, _ := setupTestStorage(t, DefaultConfig())
	assert.NoError(t, storage.Ping(context.Background()))
}

func TestStorage_CorruptData(t *testing.T) {
	storage, mr := setupTestStorage(t, DefaultConfig())
	mr.HSet("gousage:snapshot:biz-1", "data", "{not json")

	_, err := storage.LoadSnapshot(context.Background(), "biz-1")
	assert.Error(t, err)
}
