package gousage

import "time"

// Metrics defines the interface for tracking engine operations.
type Metrics interface {
	// RecordSnapshotRefresh records the duration and outcome of a usage snapshot fetch.
	RecordSnapshotRefresh(duration time.Duration, err error)

	// RecordOptimisticAdjustment records a local, unconfirmed change to a metric.
	RecordOptimisticAdjustment(metric string, delta int64)

	// RecordOperationCheck records a limit check and whether it passed.
	RecordOperationCheck(metric string, allowed bool)

	// RecordPermissionLoad records the duration and outcome of a permission load.
	RecordPermissionLoad(duration time.Duration, err error)

	// RecordPoll records a guarded poll; skipped is true when the min interval suppressed it.
	RecordPoll(key string, skipped bool)

	// RecordRefreshBump records a new refresh trigger value.
	RecordRefreshBump(trigger uint64)

	// RecordReset records a reset check and whether a reset was forced.
	RecordReset(forced bool, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordSnapshotRefresh(duration time.Duration, err error)  {}
func (n *NoopMetrics) RecordOptimisticAdjustment(metric string, delta int64)    {}
func (n *NoopMetrics) RecordOperationCheck(metric string, allowed bool)         {}
func (n *NoopMetrics) RecordPermissionLoad(duration time.Duration, err error)   {}
func (n *NoopMetrics) RecordPoll(key string, skipped bool)                      {}
func (n *NoopMetrics) RecordRefreshBump(trigger uint64)                         {}
func (n *NoopMetrics) RecordReset(forced bool, err error)                       {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)             {}
