package api

import "time"

// UsageResponse is the usage view of the session's business
type UsageResponse struct {
	BusinessID string                 `json:"business_id"`
	Trigger    uint64                 `json:"trigger"`
	AsOf       *time.Time             `json:"as_of,omitempty"`
	ResetState string                 `json:"reset_state"`
	Metrics    map[string]MetricUsage `json:"metrics"`
}

// MetricUsage is the displayed state of a single metric
type MetricUsage struct {
	Current    int64   `json:"current"`
	Limit      int64   `json:"limit"`     // -1 for unlimited
	Remaining  int64   `json:"remaining"` // -1 for unlimited
	Percentage float64 `json:"percentage"`
	Pending    int64   `json:"pending"` // Unconfirmed optimistic adjustment
	Allowed    bool    `json:"allowed"` // Whether one more unit fits the plan
	Reason     string  `json:"reason,omitempty"`
}

// CheckResponse is the outcome of a single limit check
type CheckResponse struct {
	Metric  string `json:"metric"`
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Current int64  `json:"current"`
	Limit   int64  `json:"limit"`
}

// PermissionResponse answers whether the session user may answer a project
type PermissionResponse struct {
	UserID    string `json:"user_id"`
	ProjectID int64  `json:"project_id"`
	CanAnswer bool   `json:"can_answer"`
	Loading   bool   `json:"loading"`
}
