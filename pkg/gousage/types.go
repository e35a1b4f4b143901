package gousage

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Metric identifies one of the plan-limited usage counters
type Metric string

const (
	// MetricConversations counts conversations handled in the current billing cycle
	MetricConversations Metric = "conversations"
	// MetricExperts counts experts (agents) invited to the business
	MetricExperts Metric = "experts"
	// MetricDepartments counts departments of the business
	MetricDepartments Metric = "departments"
	// MetricProjects counts projects across all departments
	MetricProjects Metric = "projects"
)

// AllMetrics lists every metric in display order
var AllMetrics = []Metric{MetricConversations, MetricExperts, MetricDepartments, MetricProjects}

// Valid reports whether m is a known metric
func (m Metric) Valid() bool {
	switch m {
	case MetricConversations, MetricExperts, MetricDepartments, MetricProjects:
		return true
	}
	return false
}

// ParseMetric converts a user supplied name into a Metric.
// Singular forms ("project") are accepted.
func ParseMetric(name string) (Metric, error) {
	m := Metric(strings.ToLower(strings.TrimSpace(name)))
	if !m.Valid() && !strings.HasSuffix(string(m), "s") {
		m += "s"
	}
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMetric, name)
	}
	return m, nil
}

// Unlimited is the sentinel limit meaning "no cap"
const Unlimited int64 = -1

// PlanLimits holds the limits of the business's subscription plan.
// Each value is non-negative or Unlimited.
type PlanLimits struct {
	MaxConversations         int64 `json:"maxConversations"`
	MaxExperts               int64 `json:"maxExperts"`
	MaxDepartments           int64 `json:"maxDepartments"`
	MaxProjectsPerDepartment int64 `json:"maxProjectsPerDepartment"`
}

// Validate checks that every limit is either non-negative or Unlimited
func (l PlanLimits) Validate() error {
	values := map[string]int64{
		"maxConversations":         l.MaxConversations,
		"maxExperts":               l.MaxExperts,
		"maxDepartments":           l.MaxDepartments,
		"maxProjectsPerDepartment": l.MaxProjectsPerDepartment,
	}
	for name, v := range values {
		if v < Unlimited {
			return fmt.Errorf("%w: %s=%d", ErrInvalidLimits, name, v)
		}
	}
	return nil
}

// Limit returns the effective limit for a metric. The projects limit scales
// with the number of departments; Unlimited is returned untouched.
func (l PlanLimits) Limit(m Metric, departments int64) int64 {
	switch m {
	case MetricConversations:
		return l.MaxConversations
	case MetricExperts:
		return l.MaxExperts
	case MetricDepartments:
		return l.MaxDepartments
	case MetricProjects:
		if l.MaxProjectsPerDepartment == Unlimited {
			return Unlimited
		}
		if departments <= 0 || l.MaxProjectsPerDepartment == 0 {
			return 0
		}
		// Saturate instead of wrapping into a negative limit.
		if departments > math.MaxInt64/l.MaxProjectsPerDepartment {
			return math.MaxInt64
		}
		return l.MaxProjectsPerDepartment * departments
	}
	return 0
}

// UsageSnapshot is the authoritative usage reported by the backend.
// It is replaced wholesale on every successful fetch.
type UsageSnapshot struct {
	ConversationsCount int64     `json:"conversationsCount"`
	ExpertsCount       int64     `json:"expertsCount"`
	DepartmentsCount   int64     `json:"departmentsCount"`
	ProjectsCount      int64     `json:"projectsCount"`
	AsOf               time.Time `json:"asOf"`

	// Included lists the metrics present in the backend response.
	// Nil means the response carried every metric.
	Included []Metric `json:"included,omitempty"`
}

// Count returns the snapshot value for a metric
func (s UsageSnapshot) Count(m Metric) int64 {
	switch m {
	case MetricConversations:
		return s.ConversationsCount
	case MetricExperts:
		return s.ExpertsCount
	case MetricDepartments:
		return s.DepartmentsCount
	case MetricProjects:
		return s.ProjectsCount
	}
	return 0
}

// Includes reports whether the snapshot carries a value for m
func (s UsageSnapshot) Includes(m Metric) bool {
	if s.Included == nil {
		return m.Valid()
	}
	for _, inc := range s.Included {
		if inc == m {
			return true
		}
	}
	return false
}

// PermissionRecord states whether a user may answer questions of a project
type PermissionRecord struct {
	UserID    string `json:"userId"`
	ProjectID int64  `json:"projectId"`
	CanAnswer bool   `json:"canAnswer"`

	// PermissionID is empty for records that do not exist on the backend yet
	PermissionID string `json:"permissionId,omitempty"`
}

// Exists reports whether the record has been created on the backend
func (r PermissionRecord) Exists() bool {
	return r.PermissionID != ""
}

// ParseProjectID normalizes a project id received as a string by the transport layer
func ParseProjectID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != float64(int64(f)) {
			return 0, false
		}
		id = int64(f)
	}
	return id, true
}

// ResetDecision is the backend's answer to "is a usage reset due"
type ResetDecision string

const (
	// ResetYes means the billing cycle rolled over and counters should be reset
	ResetYes ResetDecision = "YES"
	// ResetNo means no reset is due
	ResetNo ResetDecision = "NO"
)

// ResetWindowState describes the billing-cycle reset window of a business
type ResetWindowState struct {
	ShouldReset        ResetDecision `json:"shouldReset"`
	LastResetDate      time.Time     `json:"lastResetDate"`
	NextResetDate      time.Time     `json:"nextResetDate"`
	DaysSinceLastReset int           `json:"daysSinceLastReset"`
	DaysUntilNextReset int           `json:"daysUntilNextReset"`
}

// Due reports whether the backend asked for a reset
func (s ResetWindowState) Due() bool {
	return s.ShouldReset == ResetYes
}

// ResetResult is returned by a forced reset
type ResetResult struct {
	Message string `json:"message"`
}

// CheckResult is the outcome of a limit check
type CheckResult struct {
	Allowed bool
	// Reason is a human readable message, set when Allowed is false
	Reason  string
	Current int64
	Limit   int64
}

// Remaining is the headroom left under a limit
type Remaining struct {
	Count     int64
	Unlimited bool
}

func (r Remaining) String() string {
	if r.Unlimited {
		return "Unlimited"
	}
	return strconv.FormatInt(r.Count, 10)
}

// CheckOption adjusts a single limit check
type CheckOption func(*checkOptions)

type checkOptions struct {
	departments    int64
	hasDepartments bool
}

// WithDepartmentCount overrides the department count used to scale the
// projects limit, for call sites that know a fresher count than the ledger
func WithDepartmentCount(n int64) CheckOption {
	return func(o *checkOptions) {
		o.departments = n
		o.hasDepartments = true
	}
}
