// Package rest implements gousage.Backend against the support console's HTTP+JSON API.
package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mihaimyh/gousage/pkg/gousage"
)

const maxBodySize = 1 << 20

// Client is a gousage.Backend and gousage.UnansweredCounter talking to the REST API
type Client struct {
	baseURL    string
	token      string
	userAgent  string
	httpClient *http.Client
	logger     gousage.Logger
}

// New creates a REST backend client
func New(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}
	if config.UserAgent == "" {
		config.UserAgent = "gousage"
	}
	logger := config.Logger
	if logger == nil {
		logger = &gousage.NoopLogger{}
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		token:      config.Token,
		userAgent:  config.UserAgent,
		httpClient: config.HTTPClient,
		logger:     logger,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.logger.Debug("backend request",
		gousage.Field{Key: "method", Value: method},
		gousage.Field{Key: "path", Value: path},
		gousage.Field{Key: "status", Value: resp.StatusCode},
		gousage.Field{Key: "duration", Value: time.Since(start).String()},
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if gjson.ValidBytes(data) {
			apiErr.Message = pick(gjson.ParseBytes(data), "message", "error.message", "error").String()
		}
		return nil, apiErr
	}
	return data, nil
}

func businessPath(businessID, suffix string) string {
	return "/businesses/" + url.PathEscape(businessID) + suffix
}

// FetchUsageMetrics implements gousage.UsageBackend
func (c *Client) FetchUsageMetrics(ctx context.Context, businessID string) (*gousage.UsageSnapshot, error) {
	body, err := c.do(ctx, http.MethodGet, businessPath(businessID, "/usage-metrics"), nil, nil)
	if err != nil {
		return nil, err
	}
	snap, err := parseUsage(body)
	if err != nil {
		return nil, fmt.Errorf("decode usage metrics: %w", err)
	}
	return snap, nil
}

// FetchPlanLimits implements gousage.UsageBackend
func (c *Client) FetchPlanLimits(ctx context.Context, businessID string) (*gousage.PlanLimits, error) {
	body, err := c.do(ctx, http.MethodGet, businessPath(businessID, "/plan-limits"), nil, nil)
	if err != nil {
		return nil, err
	}
	limits, err := parseLimits(body)
	if err != nil {
		return nil, fmt.Errorf("decode plan limits: %w", err)
	}
	return limits, nil
}

// ShouldReset implements gousage.ResetBackend
func (c *Client) ShouldReset(ctx context.Context, businessID string) (*gousage.ResetWindowState, error) {
	body, err := c.do(ctx, http.MethodGet, businessPath(businessID, "/usage/should-reset"), nil, nil)
	if err != nil {
		return nil, err
	}
	st, err := parseResetWindow(body)
	if err != nil {
		return nil, fmt.Errorf("decode reset window: %w", err)
	}
	return st, nil
}

// ForceReset implements gousage.ResetBackend
func (c *Client) ForceReset(ctx context.Context, businessID string) (*gousage.ResetResult, error) {
	body, err := c.do(ctx, http.MethodPatch, businessPath(businessID, "/usage/force-reset"), nil, []byte("{}"))
	if err != nil {
		return nil, err
	}
	return parseResetResult(body), nil
}

// ListPermissions implements gousage.PermissionBackend
func (c *Client) ListPermissions(ctx context.Context, userID string) ([]gousage.PermissionRecord, error) {
	body, err := c.do(ctx, http.MethodGet, "/permissions", url.Values{"userId": {userID}}, nil)
	if err != nil {
		return nil, err
	}
	recs, err := parsePermissions(body)
	if err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	return recs, nil
}

// CreatePermission implements gousage.PermissionBackend
func (c *Client) CreatePermission(ctx context.Context, rec gousage.PermissionRecord) (*gousage.PermissionRecord, error) {
	payload, err := sjson.SetBytes(nil, "userId", rec.UserID)
	if err == nil {
		payload, err = sjson.SetBytes(payload, "projectId", rec.ProjectID)
	}
	if err == nil {
		payload, err = sjson.SetBytes(payload, "canAnswer", rec.CanAnswer)
	}
	if err != nil {
		return nil, fmt.Errorf("encode permission: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/permissions", nil, payload)
	if err != nil {
		return nil, err
	}
	saved, err := parseSinglePermission(body)
	if err != nil {
		return nil, fmt.Errorf("decode permission: %w", err)
	}
	if saved.UserID == "" {
		saved.UserID = rec.UserID
	}
	return saved, nil
}

// UpdatePermission implements gousage.PermissionBackend
func (c *Client) UpdatePermission(ctx context.Context, permissionID string, canAnswer bool) (*gousage.PermissionRecord, error) {
	payload, err := sjson.SetBytes(nil, "canAnswer", canAnswer)
	if err != nil {
		return nil, fmt.Errorf("encode permission: %w", err)
	}

	body, err := c.do(ctx, http.MethodPatch, "/permissions/"+url.PathEscape(permissionID), nil, payload)
	if err != nil {
		if IsStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("%w: %w", gousage.ErrPermissionNotFound, err)
		}
		return nil, err
	}
	saved, err := parseSinglePermission(body)
	if err != nil {
		return nil, fmt.Errorf("decode permission: %w", err)
	}
	if saved.PermissionID == "" {
		saved.PermissionID = permissionID
	}
	return saved, nil
}

// CountUnanswered implements gousage.UnansweredCounter
func (c *Client) CountUnanswered(ctx context.Context, projectID int64) (int, error) {
	path := "/projects/" + strconv.FormatInt(projectID, 10) + "/unanswered-count"
	body, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return 0, err
	}
	n, err := parseCount(body)
	if err != nil {
		return 0, fmt.Errorf("decode unanswered count: %w", err)
	}
	return n, nil
}
