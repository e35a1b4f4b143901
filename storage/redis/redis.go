// Package redis provides a Redis implementation of the gousage.SnapshotStore interface.
// Saves go through a Lua script so a stale snapshot never overwrites a newer one.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Storage implements gousage.SnapshotStore using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
	save   *redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gousage:")
	KeyPrefix string

	// SnapshotTTL is the TTL of stored snapshots (0 = no expiration)
	SnapshotTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix:   "gousage:",
		SnapshotTTL: 7 * 24 * time.Hour,
	}
}

// saveScript stores the snapshot unless the stored one is newer.
// KEYS[1] snapshot hash, ARGV[1] JSON, ARGV[2] asOf in ms, ARGV[3] ttl in ms.
const saveScript = `
local cur = redis.call('HGET', KEYS[1], 'asOf')
if cur and tonumber(cur) > tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'asOf', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`

// New creates a new Redis snapshot store.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "gousage:"
	}
	if config.SnapshotTTL < 0 {
		return nil, fmt.Errorf("snapshot TTL must be non-negative")
	}

	return &Storage{
		client: client,
		config: config,
		save:   redis.NewScript(saveScript),
	}, nil
}

// LoadSnapshot implements gousage.SnapshotStore
func (s *Storage) LoadSnapshot(ctx context.Context, businessID string) (*gousage.UsageSnapshot, error) {
	data, err := s.client.HGet(ctx, s.snapshotKey(businessID), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var snap gousage.UsageSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot implements gousage.SnapshotStore
func (s *Storage) SaveSnapshot(ctx context.Context, businessID string, snapshot gousage.UsageSnapshot) error {
	if businessID == "" {
		return fmt.Errorf("business id is required")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	err = s.save.Run(ctx, s.client,
		[]string{s.snapshotKey(businessID)},
		string(data), snapshot.AsOf.UnixMilli(), s.config.SnapshotTTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Delete removes the stored snapshot of a business
func (s *Storage) Delete(ctx context.Context, businessID string) error {
	if err := s.client.Del(ctx, s.snapshotKey(businessID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

func (s *Storage) snapshotKey(businessID string) string {
	return fmt.Sprintf("%ssnapshot:%s", s.config.KeyPrefix, businessID)
}

// Close closes the Redis connection
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
