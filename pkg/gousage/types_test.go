package gousage

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanLimits_ProjectsLimit(t *testing.T) {
	tests := []struct {
		name        string
		perDept     int64
		departments int64
		want        int64
	}{
		{"scales with departments", 3, 4, 12},
		{"no departments", 3, 0, 0},
		{"negative departments", 3, -2, 0},
		{"zero per department", 0, 5, 0},
		{"unlimited", Unlimited, 5, Unlimited},
		{"saturates on overflow", math.MaxInt64 / 2, 3, math.MaxInt64},
		{"largest product that fits", math.MaxInt64 / 4, 4, (math.MaxInt64 / 4) * 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := PlanLimits{MaxProjectsPerDepartment: tt.perDept}
			assert.Equal(t, tt.want, l.Limit(MetricProjects, tt.departments))
		})
	}
}

func TestLedger_HugeProjectsLimitStaysAllowed(t *testing.T) {
	l := newTestLedger(t, newFakeBackend(), PlanLimits{MaxDepartments: Unlimited, MaxProjectsPerDepartment: math.MaxInt64 / 2})
	res := l.CheckOperationAllowed(MetricProjects, WithDepartmentCount(3))
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(math.MaxInt64), res.Limit)
}
