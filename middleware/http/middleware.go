// Package http provides HTTP middleware that guards usage-creating routes with plan limits
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// MetricExtractor returns the usage metric a request creates or removes
type MetricExtractor func(r *http.Request) gousage.Metric

// DeltaExtractor returns how much the request changes the metric.
// Positive deltas are limit-checked; zero or negative deltas are not.
type DeltaExtractor func(r *http.Request) (int64, error)

// DepartmentCountExtractor returns the department count to scale the projects
// limit with, when the request knows a fresher one than the ledger
type DepartmentCountExtractor func(r *http.Request) (int64, bool)

// Config holds middleware configuration
type Config struct {
	// Session is the engine session (required)
	Session *gousage.Session

	// GetMetric extracts the metric from the request (required)
	GetMetric MetricExtractor

	// GetDelta extracts the metric change (default: FixedDelta(1))
	GetDelta DeltaExtractor

	// GetDepartmentCount optionally overrides the department count of the projects check
	GetDepartmentCount DepartmentCountExtractor

	// LimitExceededStatusCode is returned when the plan limit is reached
	// Default: 403 (Forbidden)
	LimitExceededStatusCode int

	// OnLimitExceeded is called when the plan limit is reached
	// If nil, returns LimitExceededStatusCode JSON with the check result
	OnLimitExceeded func(w http.ResponseWriter, r *http.Request, metric gousage.Metric, res gousage.CheckResult)

	// OnError is called when the request cannot be evaluated
	// If nil, returns 400 Bad Request
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware creates an HTTP middleware that checks the plan limit, applies
// the change optimistically, runs the handler and reconciles usage afterwards.
// A 2xx response bumps the session refresh trigger; any other status reverts
// the optimistic change.
func Middleware(config Config) func(http.Handler) http.Handler {
	if config.Session == nil {
		panic("gousage/http: Config.Session is required")
	}
	if config.GetMetric == nil {
		panic("gousage/http: Config.GetMetric is required")
	}
	if config.GetDelta == nil {
		config.GetDelta = FixedDelta(1)
	}
	if config.LimitExceededStatusCode == 0 {
		config.LimitExceededStatusCode = http.StatusForbidden
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metric := config.GetMetric(r)
			delta, err := config.GetDelta(r)
			if err == nil && !metric.Valid() {
				err = fmt.Errorf("%w: %q", gousage.ErrInvalidMetric, metric)
			}
			if err != nil {
				if config.OnError != nil {
					config.OnError(w, r, err)
				} else {
					http.Error(w, "Bad Request", http.StatusBadRequest)
				}
				return
			}

			var opts []gousage.CheckOption
			if config.GetDepartmentCount != nil {
				if n, ok := config.GetDepartmentCount(r); ok {
					opts = append(opts, gousage.WithDepartmentCount(n))
				}
			}

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			// Reconciliation outlives a client that hung up after the handler ran.
			ctx := context.WithoutCancel(r.Context())
			res, _ := config.Session.MutateWithinLimit(ctx, metric, delta, func(context.Context) error {
				next.ServeHTTP(rec, r)
				if rec.status < 200 || rec.status > 299 {
					return fmt.Errorf("handler responded %d", rec.status)
				}
				return nil
			}, opts...)
			if !res.Allowed {
				if config.OnLimitExceeded != nil {
					config.OnLimitExceeded(w, r, metric, res)
				} else {
					writeLimitExceeded(w, config.LimitExceededStatusCode, metric, res)
				}
			}
		})
	}
}

// HandlerFunc creates an HTTP middleware that guards plan limits (HandlerFunc version)
func HandlerFunc(config Config) func(http.HandlerFunc) http.HandlerFunc {
	middleware := Middleware(config)
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			middleware(next).ServeHTTP(w, r)
		}
	}
}

func writeLimitExceeded(w http.ResponseWriter, status int, metric gousage.Metric, res gousage.CheckResult) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "limit_exceeded",
		"metric":  string(metric),
		"reason":  res.Reason,
		"current": res.Current,
		"limit":   res.Limit,
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.wroteHeader = true
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// Common extractors for convenience

// FixedMetric returns a MetricExtractor for routes that always touch one metric
func FixedMetric(m gousage.Metric) MetricExtractor {
	return func(*http.Request) gousage.Metric {
		return m
	}
}

// FixedDelta returns a DeltaExtractor that always returns a fixed change
func FixedDelta(delta int64) DeltaExtractor {
	return func(*http.Request) (int64, error) {
		return delta, nil
	}
}

// DepartmentsFromQuery reads the department count from a query parameter
func DepartmentsFromQuery(param string) DepartmentCountExtractor {
	return func(r *http.Request) (int64, bool) {
		n, err := strconv.ParseInt(r.URL.Query().Get(param), 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
}
