package rest

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// The backend has shipped camelCase and snake_case payloads, bare or wrapped
// in a "data" envelope, with numbers sometimes encoded as strings.

func unwrap(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("invalid JSON response")
	}
	root := gjson.ParseBytes(body)
	if data := root.Get("data"); data.Exists() && (data.IsObject() || data.IsArray()) {
		return data, nil
	}
	return root, nil
}

func pick(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func intField(r gjson.Result, keys ...string) (int64, bool) {
	v := pick(r, keys...)
	switch v.Type {
	case gjson.Number:
		return v.Int(), true
	case gjson.String:
		n, ok := gousage.ParseProjectID(v.Str)
		return n, ok
	}
	return 0, false
}

func timeField(r gjson.Result, keys ...string) time.Time {
	v := pick(r, keys...)
	switch v.Type {
	case gjson.String:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
			if t, err := time.Parse(layout, v.Str); err == nil {
				return t.UTC()
			}
		}
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC()
	}
	return time.Time{}
}

func parseUsage(body []byte) (*gousage.UsageSnapshot, error) {
	r, err := unwrap(body)
	if err != nil {
		return nil, err
	}

	snap := &gousage.UsageSnapshot{
		AsOf: timeField(r, "asOf", "as_of", "updatedAt", "updated_at"),
	}
	fields := []struct {
		metric gousage.Metric
		dst    *int64
		keys   []string
	}{
		{gousage.MetricConversations, &snap.ConversationsCount, []string{"conversationsCount", "conversations_count", "conversations"}},
		{gousage.MetricExperts, &snap.ExpertsCount, []string{"expertsCount", "experts_count", "experts"}},
		{gousage.MetricDepartments, &snap.DepartmentsCount, []string{"departmentsCount", "departments_count", "departments"}},
		{gousage.MetricProjects, &snap.ProjectsCount, []string{"projectsCount", "projects_count", "projects"}},
	}

	var included []gousage.Metric
	for _, f := range fields {
		if v, ok := intField(r, f.keys...); ok {
			if v < 0 {
				return nil, fmt.Errorf("usage response carries negative %s count %d", f.metric, v)
			}
			*f.dst = v
			included = append(included, f.metric)
		}
	}
	if len(included) == 0 {
		return nil, fmt.Errorf("usage response carries no known metric")
	}
	if len(included) < len(gousage.AllMetrics) {
		snap.Included = included
	}
	return snap, nil
}

// parseLimits treats a missing or null limit as unlimited
func parseLimits(body []byte) (*gousage.PlanLimits, error) {
	r, err := unwrap(body)
	if err != nil {
		return nil, err
	}
	if l := r.Get("limits"); l.IsObject() {
		r = l
	}

	limit := func(keys ...string) int64 {
		if v, ok := intField(r, keys...); ok {
			return v
		}
		return gousage.Unlimited
	}
	limits := &gousage.PlanLimits{
		MaxConversations:         limit("maxConversations", "max_conversations"),
		MaxExperts:               limit("maxExperts", "max_experts"),
		MaxDepartments:           limit("maxDepartments", "max_departments"),
		MaxProjectsPerDepartment: limit("maxProjectsPerDepartment", "max_projects_per_department"),
	}
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	return limits, nil
}

func parseResetWindow(body []byte) (*gousage.ResetWindowState, error) {
	r, err := unwrap(body)
	if err != nil {
		return nil, err
	}

	st := &gousage.ResetWindowState{ShouldReset: gousage.ResetNo}
	v := pick(r, "shouldReset", "should_reset")
	switch {
	case !v.Exists():
		return nil, fmt.Errorf("reset response carries no decision")
	case v.Type == gjson.True:
		st.ShouldReset = gousage.ResetYes
	case v.Type == gjson.String && strings.EqualFold(v.Str, string(gousage.ResetYes)):
		st.ShouldReset = gousage.ResetYes
	}
	st.LastResetDate = timeField(r, "lastResetDate", "last_reset_date")
	st.NextResetDate = timeField(r, "nextResetDate", "next_reset_date")
	if n, ok := intField(r, "daysSinceLastReset", "days_since_last_reset"); ok {
		st.DaysSinceLastReset = int(n)
	}
	if n, ok := intField(r, "daysUntilNextReset", "days_until_next_reset"); ok {
		st.DaysUntilNextReset = int(n)
	}
	return st, nil
}

func parseResetResult(body []byte) *gousage.ResetResult {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return &gousage.ResetResult{}
	}
	r := gjson.ParseBytes(body)
	return &gousage.ResetResult{Message: pick(r, "message", "data.message").String()}
}

func parsePermission(r gjson.Result) (gousage.PermissionRecord, bool) {
	projectID, ok := intField(r, "projectId", "project_id", "project")
	if !ok {
		// Populated relations come back as objects.
		projectID, ok = intField(r, "project.id", "project._id")
	}
	if !ok {
		return gousage.PermissionRecord{}, false
	}
	userID := pick(r, "userId", "user_id", "user.id", "user._id").String()
	if u := r.Get("user"); u.Type == gjson.String {
		userID = u.Str
	}
	return gousage.PermissionRecord{
		PermissionID: pick(r, "id", "_id", "permissionId", "permission_id").String(),
		UserID:       userID,
		ProjectID:    projectID,
		CanAnswer:    pick(r, "canAnswer", "can_answer").Type == gjson.True,
	}, true
}

func parsePermissions(body []byte) ([]gousage.PermissionRecord, error) {
	r, err := unwrap(body)
	if err != nil {
		return nil, err
	}
	if p := r.Get("permissions"); p.IsArray() {
		r = p
	}
	if !r.IsArray() {
		return nil, fmt.Errorf("permissions response is not a list")
	}

	var out []gousage.PermissionRecord
	for _, item := range r.Array() {
		if rec, ok := parsePermission(item); ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func parseSinglePermission(body []byte) (*gousage.PermissionRecord, error) {
	r, err := unwrap(body)
	if err != nil {
		return nil, err
	}
	if p := r.Get("permission"); p.IsObject() {
		r = p
	}
	rec, ok := parsePermission(r)
	if !ok {
		return nil, fmt.Errorf("permission response carries no project")
	}
	return &rec, nil
}

func parseCount(body []byte) (int, error) {
	r, err := unwrap(body)
	if err != nil {
		return 0, err
	}
	n, ok := r.Int(), r.Type == gjson.Number
	if !ok {
		n, ok = intField(r, "count", "unansweredCount", "unanswered_count", "unanswered")
	}
	if !ok {
		return 0, fmt.Errorf("count response carries no count")
	}
	if n < 0 {
		return 0, fmt.Errorf("count response carries negative count %d", n)
	}
	return int(n), nil
}
