// Package echo provides Echo middleware that guards usage-creating routes with plan limits
package echo

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// MetricExtractor returns the usage metric a request creates or removes
type MetricExtractor func(c echo.Context) gousage.Metric

// DeltaExtractor returns how much the request changes the metric
type DeltaExtractor func(c echo.Context) (int64, error)

// DepartmentCountExtractor returns a department count fresher than the ledger's
type DepartmentCountExtractor func(c echo.Context) (int64, bool)

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
	OnLimitExceeded func(c echo.Context, metric gousage.Metric, res gousage.CheckResult) error

	// OnError is called when the request cannot be evaluated
	// If nil, returns 400 Bad Request
	OnError func(c echo.Context, err error) error
}

// Middleware creates an Echo middleware running check, optimistic update,
// handler and reconciliation. A handler error or a non-2xx response reverts
// the optimistic update.
func Middleware(config Config) echo.MiddlewareFunc {
	if config.Session == nil {
		panic("gousage/echo: Config.Session is required")
	}
	if config.GetMetric == nil {
		panic("gousage/echo: Config.GetMetric is required")
	}
	if config.GetDelta == nil {
		config.GetDelta = FixedDelta(1)
	}
	if config.LimitExceededStatusCode == 0 {
		config.LimitExceededStatusCode = http.StatusForbidden
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			metric := config.GetMetric(c)
			delta, err := config.GetDelta(c)
			if err == nil && !metric.Valid() {
				err = fmt.Errorf("%w: %q", gousage.ErrInvalidMetric, metric)
			}
			if err != nil {
				if config.OnError != nil {
					return config.OnError(c, err)
				}
				return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
			}

			var opts []gousage.CheckOption
			if config.GetDepartmentCount != nil {
				if n, ok := config.GetDepartmentCount(c); ok {
					opts = append(opts, gousage.WithDepartmentCount(n))
				}
			}

			var handlerErr error
			ctx := context.WithoutCancel(c.Request().Context())
			res, _ := config.Session.MutateWithinLimit(ctx, metric, delta, func(context.Context) error {
				if handlerErr = next(c); handlerErr != nil {
					return handlerErr
				}
				if status := c.Response().Status; status < 200 || status > 299 {
					return fmt.Errorf("handler responded %d", status)
				}
				return nil
			}, opts...)
			if !res.Allowed {
				if config.OnLimitExceeded != nil {
					return config.OnLimitExceeded(c, metric, res)
				}
				return c.JSON(config.LimitExceededStatusCode, map[string]interface{}{
					"error":   "limit_exceeded",
					"metric":  string(metric),
					"reason":  res.Reason,
					"current": res.Current,
					"limit":   res.Limit,
				})
			}
			return handlerErr
		}
	}
}

// FixedMetric returns a MetricExtractor for routes that always touch one metric
func FixedMetric(m gousage.Metric) MetricExtractor {
	return func(echo.Context) gousage.Metric {
		return m
	}
}

// MetricFromParam reads the metric from a path parameter
func MetricFromParam(paramName string) MetricExtractor {
	return func(c echo.Context) gousage.Metric {
		m, _ := gousage.ParseMetric(c.Param(paramName))
		return m
	}
}

// FixedDelta returns a DeltaExtractor that always returns a fixed change
func FixedDelta(delta int64) DeltaExtractor {
	return func(echo.Context) (int64, error) {
		return delta, nil
	}
}

// DepartmentsFromQuery reads the department count from a query parameter
func DepartmentsFromQuery(queryName string) DepartmentCountExtractor {
	return func(c echo.Context) (int64, bool) {
		n, err := strconv.ParseInt(c.QueryParam(queryName), 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
}
