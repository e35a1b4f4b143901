package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/singleflight"

	httpmw "github.com/mihaimyh/gousage/middleware/http"
	"github.com/mihaimyh/gousage/pkg/api"
	"github.com/mihaimyh/gousage/pkg/gousage"
	zerologadapter "github.com/mihaimyh/gousage/pkg/gousage/logger/zerolog"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the usage view, permission checks and Prometheus metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			a, err := startApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			router, err := a.router(ctx)
			if err != nil {
				return err
			}
			go a.watchRefresh(ctx, a.session.Watch())

			srv := &http.Server{
				Addr:              addr,
				Handler:           router,
				ReadHeaderTimeout: 5 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.log.Info().Str("addr", addr).Bool("demo", a.demo != nil).Msg("serving usage API")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			a.log.Info().Msg("shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

func (a *app) router(ctx context.Context) (http.Handler, error) {
	adapter := zerologadapter.NewLogger(&a.log)
	handler, err := api.NewHandler(api.Config{
		Session: a.session,
		Logger:  adapter,
	})
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.log))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Mount("/", http.StripPrefix("/api", handler.Routes()))

		a.badges = newBadgeBoard(ctx, a.session, maxBadgePolls)
		a.closers = append(a.closers, a.badges.Close)
		r.Get("/badges/{projectId}", a.badges.ServeHTTP)

		if a.demo != nil {
			guard := httpmw.Config{
				Session: a.session,
				GetMetric: func(r *http.Request) gousage.Metric {
					m, _ := gousage.ParseMetric(chi.URLParam(r, "metric"))
					return m
				},
				GetDepartmentCount: httpmw.DepartmentsFromQuery("departments"),
			}
			removal := guard
			removal.GetDelta = httpmw.FixedDelta(-1)

			r.With(httpmw.Middleware(guard)).Post("/demo/{metric}", a.demoMutation(1))
			r.With(httpmw.Middleware(removal)).Delete("/demo/{metric}", a.demoMutation(-1))
		}
	})
	return r, nil
}

// demoMutation changes the demo backend's counter the way a real create or
// delete endpoint would
func (a *app) demoMutation(delta int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m, err := gousage.ParseMetric(chi.URLParam(r, "metric"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		a.demo.AddUsage(a.opts.BusinessID, m, delta)
		if delta > 0 {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// watchRefresh reloads permissions and re-runs the badge polls once for every
// new value of the refresh trigger. The watcher is taken by the caller so that
// bumps racing the goroutine start are not missed.
func (a *app) watchRefresh(ctx context.Context, w *gousage.Watcher) {
	w.Run(ctx, func(ctx context.Context, trigger uint64) {
		a.log.Debug().Uint64("trigger", trigger).Msg("refresh trigger changed")
		if err := a.session.Permissions.Refresh(ctx); err != nil {
			a.log.Warn().Err(err).Msg("permission reload failed")
		}
		if a.badges != nil {
			a.badges.refresh()
		}
	})
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("requestId", middleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}

// maxBadgePolls bounds how many projects are polled at once
const maxBadgePolls = 64

// badgeBoard arms one unanswered-count poll per requested project. The least
// recently requested poll is stopped once more than limit projects are polled.
type badgeBoard struct {
	ctx     context.Context
	session *gousage.Session
	limit   int

	arming singleflight.Group

	mu    sync.Mutex
	polls map[int64]*badgePoll
	seq   uint64
}

type badgePoll struct {
	value    *gousage.PolledValue[int]
	stop     func()
	lastUsed uint64
}

func newBadgeBoard(ctx context.Context, session *gousage.Session, limit int) *badgeBoard {
	if limit <= 0 {
		limit = maxBadgePolls
	}
	return &badgeBoard{ctx: ctx, session: session, limit: limit, polls: make(map[int64]*badgePoll)}
}

func (b *badgeBoard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	projectID, ok := gousage.ParseProjectID(chi.URLParam(r, "projectId"))
	if !ok {
		http.Error(w, "invalid project id", http.StatusBadRequest)
		return
	}

	poll, err := b.poll(projectID)
	if errors.Is(err, gousage.ErrUnsupported) {
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	count, loaded := poll.value.Get()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"projectId":  projectID,
		"unanswered": count,
		"loaded":     loaded,
		"updatedAt":  poll.value.UpdatedAt(),
	})
}

func (b *badgeBoard) poll(projectID int64) (*badgePoll, error) {
	if p, ok := b.lookup(projectID); ok {
		return p, nil
	}

	// Arming fetches synchronously, so it runs outside b.mu; concurrent
	// requests for one project share a single arm.
	v, err, _ := b.arming.Do(strconv.FormatInt(projectID, 10), func() (interface{}, error) {
		if p, ok := b.lookup(projectID); ok {
			return p, nil
		}
		value, stop, err := b.session.WatchUnanswered(b.ctx, projectID)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.seq++
		p := &badgePoll{value: value, stop: stop, lastUsed: b.seq}
		b.polls[projectID] = p
		evicted := b.evictLocked()
		b.mu.Unlock()

		for _, stop := range evicted {
			stop()
		}
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*badgePoll), nil
}

func (b *badgeBoard) lookup(projectID int64) (*badgePoll, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.polls[projectID]
	if ok {
		b.seq++
		p.lastUsed = b.seq
	}
	return p, ok
}

func (b *badgeBoard) evictLocked() []func() {
	var stops []func()
	for len(b.polls) > b.limit {
		var (
			oldestID int64
			oldest   *badgePoll
		)
		for id, p := range b.polls {
			if oldest == nil || p.lastUsed < oldest.lastUsed {
				oldestID, oldest = id, p
			}
		}
		delete(b.polls, oldestID)
		stops = append(stops, oldest.stop)
	}
	return stops
}

// projects returns the polled project ids
func (b *badgeBoard) projects() []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int64, 0, len(b.polls))
	for id := range b.polls {
		ids = append(ids, id)
	}
	return ids
}

// refresh re-runs the guarded fetch of every polled project
func (b *badgeBoard) refresh() {
	for _, id := range b.projects() {
		b.session.Polls.Poke(gousage.UnansweredPollKey(id))
	}
}

func (b *badgeBoard) Close() {
	b.mu.Lock()
	polls := b.polls
	b.polls = make(map[int64]*badgePoll)
	b.mu.Unlock()
	for _, p := range polls {
		p.stop()
	}
}
