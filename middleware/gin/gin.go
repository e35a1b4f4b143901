// Package gin provides Gin middleware that guards usage-creating routes with plan limits
package gin

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// MetricExtractor returns the usage metric a request creates or removes
type MetricExtractor func(c *gongin.Context) gousage.Metric

// DeltaExtractor returns how much the request changes the metric.
// Positive deltas are limit-checked; zero or negative deltas are not.
type DeltaExtractor func(c *gongin.Context) (int64, error)

// DepartmentCountExtractor returns a department count fresher than the ledger's
type DepartmentCountExtractor func(c *gongin.Context) (int64, bool)

// Config holds middleware configuration
type Config struct {
	// Session is the engine session (required)
	Session *gousage.Session

	// GetMetric extracts the metric from the context (required)
	GetMetric MetricExtractor

	// GetDelta extracts the metric change (default: FixedDelta(1))
	GetDelta DeltaExtractor

	// GetDepartmentCount optionally overrides the department count of the projects check
	GetDepartmentCount DepartmentCountExtractor

	// LimitExceededStatusCode is returned when the plan limit is reached
	// Default: 403 (Forbidden)
	LimitExceededStatusCode int

	// OnLimitExceeded is called when the plan limit is reached
	// If nil, responds LimitExceededStatusCode JSON with the check result
	OnLimitExceeded func(c *gongin.Context, metric gousage.Metric, res gousage.CheckResult)

	// OnError is called when the request cannot be evaluated
	// If nil, returns 400 Bad Request
	OnError func(c *gongin.Context, err error)
}

// Middleware creates a Gin middleware running check, optimistic update,
// handler and reconciliation. Only 2xx responses bump the refresh trigger.
func Middleware(cfg Config) gongin.HandlerFunc {
	// Validate required configuration at startup (fail fast)
	if cfg.Session == nil {
		panic("gousage/gin: Config.Session is required")
	}
	if cfg.GetMetric == nil {
		panic("gousage/gin: Config.GetMetric is required")
	}
	if cfg.GetDelta == nil {
		cfg.GetDelta = FixedDelta(1)
	}
	if cfg.LimitExceededStatusCode == 0 {
		cfg.LimitExceededStatusCode = http.StatusForbidden
	}

	return func(c *gongin.Context) {
		metric := cfg.GetMetric(c)
		delta, err := cfg.GetDelta(c)
		if err == nil && !metric.Valid() {
			err = fmt.Errorf("%w: %q", gousage.ErrInvalidMetric, metric)
		}
		if err != nil {
			if cfg.OnError != nil {
				cfg.OnError(c, err)
			} else {
				c.JSON(http.StatusBadRequest, gongin.H{"error": err.Error()})
			}
			c.Abort()
			return
		}

		var opts []gousage.CheckOption
		if cfg.GetDepartmentCount != nil {
			if n, ok := cfg.GetDepartmentCount(c); ok {
				opts = append(opts, gousage.WithDepartmentCount(n))
			}
		}

		ctx := context.WithoutCancel(c.Request.Context())
		res, _ := cfg.Session.MutateWithinLimit(ctx, metric, delta, func(context.Context) error {
			c.Next()
			if status := c.Writer.Status(); status < 200 || status > 299 {
				return fmt.Errorf("handler responded %d", status)
			}
			return nil
		}, opts...)
		if !res.Allowed {
			if cfg.OnLimitExceeded != nil {
				cfg.OnLimitExceeded(c, metric, res)
			} else {
				c.JSON(cfg.LimitExceededStatusCode, gongin.H{
					"error":   "limit_exceeded",
					"metric":  string(metric),
					"reason":  res.Reason,
					"current": res.Current,
					"limit":   res.Limit,
				})
			}
			c.Abort()
		}
	}
}

// Common extractors for convenience

// FixedMetric returns a MetricExtractor for routes that always touch one metric
func FixedMetric(m gousage.Metric) MetricExtractor {
	return func(*gongin.Context) gousage.Metric {
		return m
	}
}

// MetricFromParam reads the metric from a route parameter, e.g. /usage/:metric
func MetricFromParam(paramName string) MetricExtractor {
	return func(c *gongin.Context) gousage.Metric {
		m, _ := gousage.ParseMetric(c.Param(paramName))
		return m
	}
}

// FixedDelta returns a DeltaExtractor that always returns a fixed change
func FixedDelta(delta int64) DeltaExtractor {
	return func(*gongin.Context) (int64, error) {
		return delta, nil
	}
}

// DepartmentsFromQuery reads the department count from a query parameter
func DepartmentsFromQuery(queryName string) DepartmentCountExtractor {
	return func(c *gongin.Context) (int64, bool) {
		n, err := strconv.ParseInt(c.Query(queryName), 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
}
