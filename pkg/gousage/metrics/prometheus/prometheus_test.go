package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

var _ gousage.Metrics = (*Metrics)(nil)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labels(m *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, l := range m.GetLabel() {
		out[l.GetName()] = l.GetValue()
	}
	return out
}

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewMetrics(reg, "test"))
}

func TestPrometheusMetrics_RecordSnapshotRefresh(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordSnapshotRefresh(20*time.Millisecond, nil)
	metrics.RecordSnapshotRefresh(30*time.Millisecond, errors.New("timeout"))

	errs := gather(t, reg, "test_usage_snapshot_refresh_errors_total")
	assert.Equal(t, float64(1), errs.GetMetric()[0].GetCounter().GetValue())

	hist := gather(t, reg, "test_usage_snapshot_refresh_duration_seconds")
	assert.Len(t, hist.GetMetric(), 2)
}

func TestPrometheusMetrics_RecordOptimisticAdjustment(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordOptimisticAdjustment("projects", 2)
	metrics.RecordOptimisticAdjustment("projects", -1)

	units := gather(t, reg, "test_optimistic_adjustment_units_total")
	assert.Equal(t, float64(3), units.GetMetric()[0].GetCounter().GetValue())

	adjustments := gather(t, reg, "test_optimistic_adjustments_total")
	directions := map[string]float64{}
	for _, m := range adjustments.GetMetric() {
		directions[labels(m)["direction"]] = m.GetCounter().GetValue()
	}
	assert.Equal(t, map[string]float64{"increment": 1, "decrement": 1}, directions)
}

func TestPrometheusMetrics_OperationCheckLabels(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordOperationCheck("experts", true)
	metrics.RecordOperationCheck("experts", false)
	metrics.RecordOperationCheck("experts", false)

	checks := gather(t, reg, "test_operation_checks_total")
	byAllowed := map[string]float64{}
	for _, m := range checks.GetMetric() {
		l := labels(m)
		assert.Equal(t, "experts", l["metric"])
		byAllowed[l["allowed"]] = m.GetCounter().GetValue()
	}
	assert.Equal(t, float64(1), byAllowed["true"])
	assert.Equal(t, float64(2), byAllowed["false"])
}

func TestPrometheusMetrics_RecordPoll(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordPoll("unanswered:7", false)
	metrics.RecordPoll("unanswered:7", true)

	polls := gather(t, reg, "test_guarded_polls_total")
	assert.Len(t, polls.GetMetric(), 2)
}

func TestPrometheusMetrics_RecordRefreshBump(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordRefreshBump(1)
	metrics.RecordRefreshBump(5)

	gauge := gather(t, reg, "test_refresh_trigger")
	assert.Equal(t, float64(5), gauge.GetMetric()[0].GetGauge().GetValue())
}

func TestPrometheusMetrics_PermissionsResetsAndBreaker(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordPermissionLoad(time.Millisecond, errors.New("503"))
	metrics.RecordReset(true, nil)
	metrics.RecordReset(false, nil)
	metrics.RecordCircuitBreakerStateChange("open")

	assert.Equal(t, float64(1),
		gather(t, reg, "test_permission_load_errors_total").GetMetric()[0].GetCounter().GetValue())
	assert.Len(t, gather(t, reg, "test_usage_reset_checks_total").GetMetric(), 2)

	cb := gather(t, reg, "test_circuit_breaker_state_changes_total")
	assert.Equal(t, "open", labels(cb.GetMetric()[0])["state"])
}

func TestPrometheusMetrics_DefaultMetrics(t *testing.T) {
	prev := prometheus.DefaultRegisterer
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	defer func() { prometheus.DefaultRegisterer = prev }()

	assert.NotNil(t, DefaultMetrics("default_test"))
}
