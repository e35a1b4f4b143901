package gousage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PermissionConfig holds permission cache configuration
type PermissionConfig struct {
	// MaxAge bounds how long Ensure trusts a loaded entry (0 = until refreshed)
	MaxAge time.Duration

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	Logger  Logger
	Metrics Metrics
}

// PermissionCache caches which projects the logged-in user may answer.
// One cache exists per session; every mutation goes through its methods.
type PermissionCache struct {
	backend PermissionBackend
	config  PermissionConfig
	logger  Logger
	metrics Metrics

	mu       sync.RWMutex
	userID   string
	entries  map[string][]PermissionRecord
	loadedAt time.Time
	inflight int
	seq      uint64
	applied  uint64
	disposed bool
}

// NewPermissionCache creates an empty cache
func NewPermissionCache(backend PermissionBackend, config PermissionConfig) (*PermissionCache, error) {
	if backend == nil {
		return nil, ErrBackendUnavailable
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &PermissionCache{
		backend: backend,
		config:  config,
		logger:  orNoopLogger(config.Logger),
		metrics: orNoopMetrics(config.Metrics),
		entries: make(map[string][]PermissionRecord),
	}, nil
}

// Load fetches every permission record of userID and replaces the cache
// entry wholesale. An empty userID clears the cache and returns immediately.
// When loads overlap, the most recently started one wins.
func (c *PermissionCache) Load(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if userID == "" {
		c.userID = ""
		c.entries = make(map[string][]PermissionRecord)
		c.loadedAt = time.Time{}
		c.applied = c.seq
		c.mu.Unlock()
		return nil
	}
	if userID != c.userID {
		// A different user must never see the previous user's records.
		c.entries = make(map[string][]PermissionRecord)
		c.loadedAt = time.Time{}
	}
	c.userID = userID
	c.seq++
	seq := c.seq
	c.inflight++
	c.mu.Unlock()

	start := time.Now()
	records, err := c.backend.ListPermissions(ctx, userID)
	c.metrics.RecordPermissionLoad(time.Since(start), err)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--

	if err != nil {
		c.logger.Warn("permission load failed",
			Field{"userId", userID},
			Field{"error", err.Error()},
		)
		return fmt.Errorf("load permissions: %w", err)
	}
	if c.disposed || seq < c.applied || c.userID != userID {
		c.logger.Debug("discarding superseded permission load", Field{"userId", userID})
		return nil
	}

	owned := make([]PermissionRecord, 0, len(records))
	for _, r := range records {
		if r.UserID == "" {
			r.UserID = userID
		}
		owned = append(owned, r)
	}
	c.entries = map[string][]PermissionRecord{userID: owned}
	c.loadedAt = c.config.Now()
	c.applied = seq
	return nil
}

// Refresh reloads the permissions of the currently known user
func (c *PermissionCache) Refresh(ctx context.Context) error {
	return c.Load(ctx, c.UserID())
}

// Ensure loads the user's permissions unless a fresh enough entry is cached
func (c *PermissionCache) Ensure(ctx context.Context, userID string) error {
	c.mu.RLock()
	_, cached := c.entries[userID]
	fresh := cached && userID == c.userID &&
		(c.config.MaxAge <= 0 || c.config.Now().Sub(c.loadedAt) < c.config.MaxAge)
	c.mu.RUnlock()

	if fresh {
		return nil
	}
	return c.Load(ctx, userID)
}

// HasPermission reports whether the current user may answer the project.
// It returns false when nothing has been loaded yet.
func (c *PermissionCache) HasPermission(projectID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.entries[c.userID] {
		if r.ProjectID == projectID && r.CanAnswer {
			return true
		}
	}
	return false
}

// Records returns a copy of the current user's records
func (c *PermissionCache) Records() []PermissionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	recs := c.entries[c.userID]
	out := make([]PermissionRecord, len(recs))
	copy(out, recs)
	return out
}

// Loading reports whether a load is in flight
func (c *PermissionCache) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inflight > 0
}

// UserID returns the user whose permissions are cached
func (c *PermissionCache) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SetPermission writes a record to the backend: records without a
// PermissionID are created, existing ones are patched. The cache itself is
// not touched; callers refresh it afterwards.
func (c *PermissionCache) SetPermission(ctx context.Context, rec PermissionRecord) (*PermissionRecord, error) {
	if c.isDisposed() {
		return nil, ErrDisposed
	}
	if rec.UserID == "" {
		return nil, fmt.Errorf("set permission: user id is required")
	}

	var (
		saved *PermissionRecord
		err   error
	)
	if rec.Exists() {
		saved, err = c.backend.UpdatePermission(ctx, rec.PermissionID, rec.CanAnswer)
	} else {
		saved, err = c.backend.CreatePermission(ctx, rec)
	}
	if err != nil {
		return nil, fmt.Errorf("set permission: %w", err)
	}

	c.logger.Info("permission updated",
		Field{"userId", rec.UserID},
		Field{"projectId", rec.ProjectID},
		Field{"canAnswer", rec.CanAnswer},
		Field{"created", !rec.Exists()},
	)
	return saved, nil
}

// Dispose clears the cache; later loads fail with ErrDisposed
func (c *PermissionCache) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	c.userID = ""
	c.entries = make(map[string][]PermissionRecord)
}

func (c *PermissionCache) isDisposed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disposed
}
