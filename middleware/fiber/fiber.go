// Package fiber provides Fiber middleware that guards usage-creating routes with plan limits
package fiber

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// MetricExtractor returns the usage metric a request creates or removes
type MetricExtractor func(c *fiber.Ctx) gousage.Metric

// DeltaExtractor returns how much the request changes the metric
type DeltaExtractor func(c *fiber.Ctx) (int64, error)

// DepartmentCountExtractor returns a department count fresher than the ledger's
type DepartmentCountExtractor func(c *fiber.Ctx) (int64, bool)

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
	OnLimitExceeded func(c *fiber.Ctx, metric gousage.Metric, res gousage.CheckResult) error

	// OnError is called when the request cannot be evaluated
	// If nil, returns 400 Bad Request
	OnError func(c *fiber.Ctx, err error) error
}

// New creates a Fiber middleware running check, optimistic update, handler
// and reconciliation. Handler errors are returned unchanged so the app's
// error handler still renders them.
func New(config Config) fiber.Handler {
	if config.Session == nil {
		panic("gousage/fiber: Config.Session is required")
	}
	if config.GetMetric == nil {
		panic("gousage/fiber: Config.GetMetric is required")
	}
	if config.GetDelta == nil {
		config.GetDelta = FixedDelta(1)
	}
	if config.LimitExceededStatusCode == 0 {
		config.LimitExceededStatusCode = fiber.StatusForbidden
	}

	return func(c *fiber.Ctx) error {
		metric := config.GetMetric(c)
		delta, err := config.GetDelta(c)
		if err == nil && !metric.Valid() {
			err = fmt.Errorf("%w: %q", gousage.ErrInvalidMetric, metric)
		}
		if err != nil {
			if config.OnError != nil {
				return config.OnError(c, err)
			}
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		var opts []gousage.CheckOption
		if config.GetDepartmentCount != nil {
			if n, ok := config.GetDepartmentCount(c); ok {
				opts = append(opts, gousage.WithDepartmentCount(n))
			}
		}

		var handlerErr error
		// The fasthttp request context is recycled once the handler returns.
		ctx := context.WithoutCancel(c.UserContext())
		res, _ := config.Session.MutateWithinLimit(ctx, metric, delta, func(context.Context) error {
			if handlerErr = c.Next(); handlerErr != nil {
				return handlerErr
			}
			if status := c.Response().StatusCode(); status < 200 || status > 299 {
				return fmt.Errorf("handler responded %d", status)
			}
			return nil
		}, opts...)
		if !res.Allowed {
			if config.OnLimitExceeded != nil {
				return config.OnLimitExceeded(c, metric, res)
			}
			return c.Status(config.LimitExceededStatusCode).JSON(fiber.Map{
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

// FixedMetric returns a MetricExtractor for routes that always touch one metric
func FixedMetric(m gousage.Metric) MetricExtractor {
	return func(*fiber.Ctx) gousage.Metric {
		return m
	}
}

// MetricFromParam reads the metric from a route parameter
func MetricFromParam(paramName string) MetricExtractor {
	return func(c *fiber.Ctx) gousage.Metric {
		m, _ := gousage.ParseMetric(c.Params(paramName))
		return m
	}
}

// FixedDelta returns a DeltaExtractor that always returns a fixed change
func FixedDelta(delta int64) DeltaExtractor {
	return func(*fiber.Ctx) (int64, error) {
		return delta, nil
	}
}

// DepartmentsFromQuery reads the department count from a query parameter
func DepartmentsFromQuery(queryName string) DepartmentCountExtractor {
	return func(c *fiber.Ctx) (int64, bool) {
		n, err := strconv.ParseInt(c.Query(queryName), 10, 64)
		if err != nil || n < 0 {
			return 0, false
		}
		return n, true
	}
}
