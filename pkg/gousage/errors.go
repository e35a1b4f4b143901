package gousage

import "errors"

var (
	// ErrInvalidMetric is returned for an unknown usage metric
	ErrInvalidMetric = errors.New("invalid metric")

	// ErrInvalidLimits is returned when a plan limit is below the unlimited sentinel
	ErrInvalidLimits = errors.New("invalid plan limits")

	// ErrDisposed is returned by components used after Dispose
	ErrDisposed = errors.New("component disposed")

	// ErrBackendUnavailable is returned when no backend was configured
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrPermissionNotFound is returned when toggling a permission the backend does not know
	ErrPermissionNotFound = errors.New("permission not found")

	// ErrLimitExceeded is returned when an operation would exceed the plan limit
	ErrLimitExceeded = errors.New("plan limit exceeded")

	// ErrUnsupported is returned when the backend lacks an optional capability
	ErrUnsupported = errors.New("operation not supported by backend")
)
