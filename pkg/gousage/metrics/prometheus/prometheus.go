package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics implements gousage.Metrics using Prometheus.
type Metrics struct {
	snapshotRefreshDuration    *prometheus.HistogramVec
	snapshotRefreshErrors      prometheus.Counter
	optimisticAdjustmentsTotal *prometheus.CounterVec
	optimisticDeltaTotal       *prometheus.CounterVec
	operationChecksTotal       *prometheus.CounterVec
	permissionLoadDuration     *prometheus.HistogramVec
	permissionLoadErrors       prometheus.Counter
	pollsTotal                 *prometheus.CounterVec
	refreshTrigger             prometheus.Gauge
	resetsTotal                *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		snapshotRefreshDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "usage_snapshot_refresh_duration_seconds",
			Help:      "Latency of usage snapshot fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"success"}),

		snapshotRefreshErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_snapshot_refresh_errors_total",
			Help:      "Total number of failed usage snapshot fetches.",
		}),

		optimisticAdjustmentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_adjustments_total",
			Help:      "Total number of optimistic usage adjustments.",
		}, []string{"metric", "direction"}),

		optimisticDeltaTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimistic_adjustment_units_total",
			Help:      "Absolute units moved by optimistic usage adjustments.",
		}, []string{"metric"}),

		operationChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_checks_total",
			Help:      "Total number of plan limit checks.",
		}, []string{"metric", "allowed"}),

		permissionLoadDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "permission_load_duration_seconds",
			Help:      "Latency of permission loads.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"success"}),

		permissionLoadErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_load_errors_total",
			Help:      "Total number of failed permission loads.",
		}),

		pollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guarded_polls_total",
			Help:      "Total number of guarded background fetches by outcome.",
		}, []string{"key", "outcome"}),

		refreshTrigger: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "refresh_trigger",
			Help:      "Current value of the refresh trigger.",
		}),

		resetsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reset_checks_total",
			Help:      "Total number of usage reset checks.",
		}, []string{"forced", "success"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordSnapshotRefresh(duration time.Duration, err error) {
	m.snapshotRefreshDuration.WithLabelValues(strconv.FormatBool(err == nil)).Observe(duration.Seconds())
	if err != nil {
		m.snapshotRefreshErrors.Inc()
	}
}

func (m *Metrics) RecordOptimisticAdjustment(metric string, delta int64) {
	direction := "increment"
	if delta < 0 {
		direction = "decrement"
		delta = -delta
	}
	m.optimisticAdjustmentsTotal.WithLabelValues(metric, direction).Inc()
	m.optimisticDeltaTotal.WithLabelValues(metric).Add(float64(delta))
}

func (m *Metrics) RecordOperationCheck(metric string, allowed bool) {
	m.operationChecksTotal.WithLabelValues(metric, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordPermissionLoad(duration time.Duration, err error) {
	m.permissionLoadDuration.WithLabelValues(strconv.FormatBool(err == nil)).Observe(duration.Seconds())
	if err != nil {
		m.permissionLoadErrors.Inc()
	}
}

func (m *Metrics) RecordPoll(key string, skipped bool) {
	outcome := "fetched"
	if skipped {
		outcome = "skipped"
	}
	m.pollsTotal.WithLabelValues(key, outcome).Inc()
}

func (m *Metrics) RecordRefreshBump(trigger uint64) {
	m.refreshTrigger.Set(float64(trigger))
}

func (m *Metrics) RecordReset(forced bool, err error) {
	m.resetsTotal.WithLabelValues(strconv.FormatBool(forced), strconv.FormatBool(err == nil)).Inc()
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
