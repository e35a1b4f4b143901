package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

// Handler provides HTTP endpoints for usage and permission inspection
type Handler struct {
	config Config
}

// Routes returns a mux serving every endpoint of the handler:
//
//	GET  /usage               usage view
//	GET  /usage/check         limit check (?metric=&departments=)
//	POST /usage/refresh       refetch usage and permissions, bump the trigger
//	GET  /permissions/check   permission check (?projectId=)
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /usage", h.GetUsage)
	mux.HandleFunc("GET /usage/check", h.CheckOperation)
	mux.HandleFunc("POST /usage/refresh", h.Refresh)
	mux.HandleFunc("GET /permissions/check", h.CheckPermission)
	return mux
}

// GetUsage returns the displayed usage of every configured metric
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.buildUsage())
}

func (h *Handler) buildUsage() UsageResponse {
	s := h.config.Session
	snap := s.Ledger.Snapshot()

	resp := UsageResponse{
		BusinessID: s.Ledger.BusinessID(),
		Trigger:    s.Bus.Trigger(),
		ResetState: string(s.Resets.State()),
		Metrics:    make(map[string]MetricUsage, len(h.config.Metrics)),
	}
	if !snap.AsOf.IsZero() {
		asOf := snap.AsOf
		resp.AsOf = &asOf
	}

	for _, m := range h.config.Metrics {
		check := s.Ledger.CheckOperationAllowed(m)
		remaining := s.Ledger.Remaining(m)
		left := remaining.Count
		if remaining.Unlimited {
			left = gousage.Unlimited
		}
		resp.Metrics[string(m)] = MetricUsage{
			Current:    check.Current,
			Limit:      check.Limit,
			Remaining:  left,
			Percentage: s.Ledger.UsagePercentage(m),
			Pending:    s.Ledger.Pending(m),
			Allowed:    check.Allowed,
			Reason:     check.Reason,
		}
	}
	return resp
}

// CheckOperation runs a single limit check
func (h *Handler) CheckOperation(w http.ResponseWriter, r *http.Request) {
	m, err := gousage.ParseMetric(r.URL.Query().Get("metric"))
	if err != nil {
		h.handleError(w, r, err, http.StatusBadRequest)
		return
	}

	var opts []gousage.CheckOption
	if raw := r.URL.Query().Get("departments"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			h.handleError(w, r, fmt.Errorf("invalid departments count %q", raw), http.StatusBadRequest)
			return
		}
		opts = append(opts, gousage.WithDepartmentCount(n))
	}

	res := h.config.Session.Ledger.CheckOperationAllowed(m, opts...)
	h.writeJSON(w, http.StatusOK, CheckResponse{
		Metric:  string(m),
		Allowed: res.Allowed,
		Reason:  res.Reason,
		Current: res.Current,
		Limit:   res.Limit,
	})
}

// Refresh refetches usage and permissions, bumps the refresh trigger and
// returns the new usage view. Backend failures keep the previous values.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	s := h.config.Session
	ctx := r.Context()

	_, usageErr := s.Ledger.RefreshSnapshot(ctx)
	permErr := s.Permissions.Refresh(ctx)
	if err := errors.Join(usageErr, permErr); err != nil {
		h.config.Logger.Warn("manual refresh failed", gousage.Field{Key: "error", Value: err.Error()})
		h.handleError(w, r, err, http.StatusBadGateway)
		return
	}
	s.Bus.Bump()
	h.writeJSON(w, http.StatusOK, h.buildUsage())
}

// CheckPermission reports whether the session user may answer a project
func (h *Handler) CheckPermission(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("projectId")
	projectID, ok := gousage.ParseProjectID(raw)
	if !ok {
		h.handleError(w, r, fmt.Errorf("invalid project id %q", raw), http.StatusBadRequest)
		return
	}

	perms := h.config.Session.Permissions
	h.writeJSON(w, http.StatusOK, PermissionResponse{
		UserID:    perms.UserID(),
		ProjectID: projectID,
		CanAnswer: perms.HasPermission(projectID),
		Loading:   perms.Loading(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.config.Logger.Debug("encoding response failed", gousage.Field{Key: "error", Value: err.Error()})
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	h.writeJSON(w, statusCode, map[string]string{
		"error": err.Error(),
	})
}
