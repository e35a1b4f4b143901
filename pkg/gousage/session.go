package gousage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"
)

// SessionConfig holds the configuration of one console session
type SessionConfig struct {
	// BusinessID scopes usage, limits and resets. Empty until the user picked a business.
	BusinessID string

	// UserID scopes permissions. Empty until the user logged in.
	UserID string

	// Limits are used until the first plan limits fetch resolves
	Limits PlanLimits

	// CoalesceRequests shares in-flight usage and limits fetches between callers
	CoalesceRequests bool

	// PermissionMaxAge bounds how long Ensure trusts loaded permissions
	PermissionMaxAge time.Duration

	// Poll configures background polling of badge values
	Poll PollConfig

	// CircuitBreaker wraps the backend when non-nil
	CircuitBreaker *CircuitBreakerConfig

	// Store keeps the last-known-good snapshot between sessions (default: NoopStore)
	Store SnapshotStore

	// Clock drives every timestamp and ticker of the session (default: real clock)
	Clock quartz.Clock

	Logger  Logger
	Metrics Metrics
}

// Validate checks the configuration
func (c SessionConfig) Validate() error {
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.PermissionMaxAge < 0 {
		return fmt.Errorf("permission max age must be non-negative, got %s", c.PermissionMaxAge)
	}
	if c.Poll.MinInterval < 0 || c.Poll.Interval < 0 {
		return fmt.Errorf("poll intervals must be non-negative")
	}
	return nil
}

// Session owns exactly one instance of every engine component and wires them
// together. Create it once per logged-in console and Dispose it on logout.
type Session struct {
	config  SessionConfig
	backend Backend
	counter UnansweredCounter
	logger  Logger
	metrics Metrics

	Ledger      *Ledger
	Permissions *PermissionCache
	Bus         *RefreshBus
	Polls       *PollGuard
	Resets      *ResetMonitor
}

// NewSession creates a session on top of backend
func NewSession(backend Backend, config SessionConfig) (*Session, error) {
	if backend == nil {
		return nil, ErrBackendUnavailable
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Clock == nil {
		config.Clock = quartz.NewReal()
	}
	if config.Store == nil {
		config.Store = NoopStore{}
	}
	logger := orNoopLogger(config.Logger)
	metrics := orNoopMetrics(config.Metrics)

	effective := backend
	if config.CircuitBreaker != nil {
		cbConfig := *config.CircuitBreaker
		if cbConfig.Clock == nil {
			cbConfig.Clock = config.Clock
		}
		cb := NewDefaultCircuitBreaker(cbConfig, func(state CircuitBreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("backend circuit breaker changed state", Field{"state", string(state)})
		})
		effective = NewCircuitBreakerBackend(backend, cb)
	}

	var counter UnansweredCounter
	if _, ok := backend.(UnansweredCounter); ok {
		counter, _ = effective.(UnansweredCounter)
	}

	clock := config.Clock
	now := func() time.Time { return clock.Now("session") }

	ledger, err := NewLedger(effective, LedgerConfig{
		BusinessID:       config.BusinessID,
		Limits:           config.Limits,
		CoalesceRequests: config.CoalesceRequests,
		Store:            config.Store,
		Now:              now,
		Logger:           logger,
		Metrics:          metrics,
	})
	if err != nil {
		return nil, err
	}

	perms, err := NewPermissionCache(effective, PermissionConfig{
		MaxAge:  config.PermissionMaxAge,
		Now:     now,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		return nil, err
	}

	resets, err := NewResetMonitor(effective, ledger, logger, metrics)
	if err != nil {
		return nil, err
	}

	pollConfig := config.Poll
	if pollConfig.Clock == nil {
		pollConfig.Clock = clock
	}
	if pollConfig.Logger == nil {
		pollConfig.Logger = logger
	}
	if pollConfig.Metrics == nil {
		pollConfig.Metrics = metrics
	}

	return &Session{
		config:      config,
		backend:     effective,
		counter:     counter,
		logger:      logger,
		metrics:     metrics,
		Ledger:      ledger,
		Permissions: perms,
		Bus:         NewRefreshBus(metrics),
		Polls:       NewPollGuard(pollConfig),
		Resets:      resets,
	}, nil
}

// Start warms the ledger from the snapshot store, loads limits, usage and
// permissions in parallel and then runs one reset check. Load failures do not
// stop the other loads; the first one is returned.
func (s *Session) Start(ctx context.Context) error {
	if s.config.BusinessID != "" {
		stored, err := s.config.Store.LoadSnapshot(ctx, s.config.BusinessID)
		switch {
		case err != nil:
			s.logger.Warn("loading stored usage snapshot failed",
				Field{"businessId", s.config.BusinessID},
				Field{"error", err.Error()},
			)
		case stored != nil:
			s.Ledger.Seed(*stored)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		_, err := s.Ledger.RefreshLimits(ctx)
		return err
	})
	g.Go(func() error {
		_, err := s.Ledger.RefreshSnapshot(ctx)
		return err
	})
	g.Go(func() error {
		return s.Permissions.Load(ctx, s.config.UserID)
	})
	loadErr := g.Wait()

	_, resetErr := s.Resets.Run(ctx)
	return errors.Join(loadErr, resetErr)
}

// Mutate runs a usage-changing mutation. The displayed counter moves by delta
// before fn runs; once fn settles the snapshot is refetched so the authoritative
// value supersedes the adjustment, and the refresh trigger is bumped on success.
// A failed fn has its adjustment retracted and its error returned.
func (s *Session) Mutate(ctx context.Context, m Metric, delta int64, fn func(ctx context.Context) error) error {
	if !m.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMetric, m)
	}
	return s.settle(ctx, m, s.Ledger.ApplyOptimistic(m, delta), fn)
}

// MutateWithinLimit is Mutate behind a plan limit check. A positive delta that
// does not fit is refused with ErrLimitExceeded before fn runs. The check and
// the optimistic adjustment are taken atomically.
func (s *Session) MutateWithinLimit(ctx context.Context, m Metric, delta int64, fn func(ctx context.Context) error, opts ...CheckOption) (CheckResult, error) {
	if !m.Valid() {
		return CheckResult{Reason: fmt.Sprintf("unknown usage metric %q", m)}, fmt.Errorf("%w: %q", ErrInvalidMetric, m)
	}
	res, adj := s.Ledger.Reserve(m, delta, opts...)
	if !res.Allowed {
		return res, fmt.Errorf("%w: %s", ErrLimitExceeded, res.Reason)
	}
	return res, s.settle(ctx, m, adj, fn)
}

func (s *Session) settle(ctx context.Context, m Metric, adj Adjustment, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		// A snapshot stored while fn ran already dropped the adjustment.
		s.Ledger.Retract(adj)
		if _, rerr := s.Ledger.RefreshSnapshot(ctx); rerr != nil {
			s.logger.Debug("reconciling usage after failed mutation", Field{"error", rerr.Error()})
		}
		return err
	}

	if _, err := s.Ledger.RefreshSnapshot(ctx); err != nil {
		// The mutation went through; the adjustment keeps the display right
		// until the next successful refresh.
		s.logger.Warn("usage refresh after mutation failed",
			Field{"metric", string(m)},
			Field{"error", err.Error()},
		)
	}
	s.Bus.Bump()
	return nil
}

// MutatePermission runs a permission-changing mutation, reloads the
// permission cache and bumps the refresh trigger.
func (s *Session) MutatePermission(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	if err := s.Permissions.Refresh(ctx); err != nil {
		s.logger.Warn("permission refresh after mutation failed", Field{"error", err.Error()})
	}
	s.Bus.Bump()
	return nil
}

// TogglePermission creates or patches a permission record through MutatePermission.
// Records without a user are assigned to the session's user.
func (s *Session) TogglePermission(ctx context.Context, rec PermissionRecord) (*PermissionRecord, error) {
	if rec.UserID == "" {
		rec.UserID = s.Permissions.UserID()
	}
	var saved *PermissionRecord
	err := s.MutatePermission(ctx, func(ctx context.Context) error {
		var err error
		saved, err = s.Permissions.SetPermission(ctx, rec)
		return err
	})
	return saved, err
}

// Watch returns a watcher of the session's refresh trigger
func (s *Session) Watch() *Watcher {
	return s.Bus.Watch()
}

// WatchUnanswered polls the unanswered-question count of a project through the
// poll guard. The returned stop function disarms the poll and freezes the value.
func (s *Session) WatchUnanswered(ctx context.Context, projectID int64) (*PolledValue[int], func(), error) {
	if s.counter == nil {
		return nil, nil, ErrUnsupported
	}

	pv := &PolledValue[int]{}
	fetch := pv.Fetcher(s.config.Clock, func(ctx context.Context) (int, error) {
		return s.counter.CountUnanswered(ctx, projectID)
	})
	disarm := s.Polls.Arm(ctx, UnansweredPollKey(projectID), fetch)
	return pv, func() {
		disarm()
		pv.Stop()
	}, nil
}

// UnansweredPollKey is the poll guard key of a project's badge count
func UnansweredPollKey(projectID int64) string {
	return "unanswered:" + strconv.FormatInt(projectID, 10)
}

// Dispose stops every poll and releases the ledger and the permission cache
func (s *Session) Dispose() {
	s.Polls.Close()
	s.Ledger.Dispose()
	s.Permissions.Dispose()
}
