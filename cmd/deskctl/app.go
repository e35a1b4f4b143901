package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/gousage/backend/memory"
	"github.com/mihaimyh/gousage/backend/rest"
	"github.com/mihaimyh/gousage/pkg/gousage"
	zerologadapter "github.com/mihaimyh/gousage/pkg/gousage/logger/zerolog"
	prommetrics "github.com/mihaimyh/gousage/pkg/gousage/metrics/prometheus"
	memorystore "github.com/mihaimyh/gousage/storage/memory"
	"github.com/mihaimyh/gousage/storage/postgres"
	redisstore "github.com/mihaimyh/gousage/storage/redis"
	"github.com/mihaimyh/gousage/storage/tiered"
)

const (
	demoBusinessID = "demo-business"
	demoUserID     = "demo-user"
)

// app is one started session plus everything that has to be released with it
type app struct {
	opts     *options
	log      zerolog.Logger
	session  *gousage.Session
	demo     *memory.Backend
	badges   *badgeBoard
	registry *prometheus.Registry
	closers  []func()
}

// startApp resolves the configuration, builds the backend, snapshot store and
// session, and starts the session.
func startApp(cmd *cobra.Command) (*app, error) {
	opts, err := loadOptions(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(opts)
	if err != nil {
		return nil, err
	}

	return newApp(cmd.Context(), opts, logger)
}

// newApp builds and starts the session described by opts
func newApp(ctx context.Context, opts *options, logger zerolog.Logger) (*app, error) {
	a := &app{opts: opts, log: logger, registry: prometheus.NewRegistry()}

	backend, err := a.newBackend()
	if err != nil {
		return nil, err
	}
	store, err := a.newStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	config := gousage.SessionConfig{
		BusinessID:       opts.BusinessID,
		UserID:           opts.UserID,
		Limits:           gousage.PlanLimits{},
		CoalesceRequests: opts.Coalesce,
		PermissionMaxAge: time.Minute,
		Store:            store,
		Logger:           zerologadapter.NewLogger(&a.log),
		Metrics:          prommetrics.NewMetrics(a.registry, "gousage"),
	}
	if opts.CircuitBreaker {
		config.CircuitBreaker = &gousage.CircuitBreakerConfig{}
	}

	a.session, err = gousage.NewSession(backend, config)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, a.session.Dispose)

	if err := a.session.Start(ctx); err != nil {
		// The session keeps whatever loaded; commands decide whether that is enough.
		a.log.Warn().Err(err).Msg("session started with errors")
	}
	return a, nil
}

func (a *app) newBackend() (gousage.Backend, error) {
	if a.opts.Memory {
		if a.opts.BusinessID == "" {
			a.opts.BusinessID = demoBusinessID
		}
		if a.opts.UserID == "" {
			a.opts.UserID = demoUserID
		}
		a.demo = newDemoBackend(a.opts.BusinessID, a.opts.UserID)
		return a.demo, nil
	}

	adapter := zerologadapter.NewLogger(&a.log)
	return rest.New(rest.Config{
		BaseURL:   a.opts.BaseURL,
		Token:     a.opts.Token,
		Timeout:   a.opts.Timeout,
		UserAgent: "deskctl",
		Logger:    adapter,
	})
}

// newStore picks the snapshot store: redis and postgres together form a
// tiered store, either alone is used directly, and neither means memory.
func (a *app) newStore(ctx context.Context) (gousage.SnapshotStore, error) {
	var hot, cold gousage.SnapshotStore

	if a.opts.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     a.opts.RedisAddr,
			Password: a.opts.RedisPassword,
			DB:       a.opts.RedisDB,
		})
		rs, err := redisstore.New(client, redisstore.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis snapshot store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rs.Close() })
		hot = rs
	}

	if a.opts.PostgresDSN != "" {
		config := postgres.DefaultConfig()
		config.ConnectionString = a.opts.PostgresDSN
		ps, err := postgres.New(ctx, config)
		if err != nil {
			return nil, fmt.Errorf("postgres snapshot store: %w", err)
		}
		a.closers = append(a.closers, ps.Close)
		if err := ps.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("postgres snapshot store: %w", err)
		}
		cold = ps
	}

	switch {
	case hot != nil && cold != nil:
		ts, err := tiered.New(tiered.Config{
			Hot:             hot,
			Cold:            cold,
			AsyncColdWrites: true,
			AsyncErrorHandler: func(err error) {
				a.log.Warn().Err(err).Msg("cold snapshot write failed")
			},
		})
		if err != nil {
			return nil, err
		}
		// Drain queued cold writes before the stores underneath close.
		a.closers = append(a.closers, func() { _ = ts.Close() })
		return ts, nil
	case hot != nil:
		return hot, nil
	case cold != nil:
		return cold, nil
	}
	return memorystore.New(), nil
}

// Close releases resources in reverse acquisition order
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) requireBusiness() error {
	if a.opts.BusinessID == "" {
		return errors.New("no business selected, pass --business or set DESK_BUSINESS")
	}
	return nil
}

func (a *app) requireUser() error {
	if a.opts.UserID == "" {
		return errors.New("no user selected, pass --user or set DESK_USER")
	}
	return nil
}

// newDemoBackend seeds an in-memory business that sits close to its limits
func newDemoBackend(businessID, userID string) *memory.Backend {
	b := memory.New()
	b.AddBusiness(businessID, gousage.PlanLimits{
		MaxConversations:         500,
		MaxExperts:               5,
		MaxDepartments:           3,
		MaxProjectsPerDepartment: 4,
	})
	b.SetUsage(businessID, gousage.UsageSnapshot{
		ConversationsCount: 420,
		ExpertsCount:       4,
		DepartmentsCount:   2,
		ProjectsCount:      7,
	})
	now := time.Now().UTC()
	b.SetBillingCycle(businessID, now.AddDate(0, -2, -10), now.AddDate(0, 0, -9))
	b.AddPermission(gousage.PermissionRecord{UserID: userID, ProjectID: 1, CanAnswer: true})
	b.AddPermission(gousage.PermissionRecord{UserID: userID, ProjectID: 2, CanAnswer: false})
	b.SetUnanswered(1, 3)
	return b
}
