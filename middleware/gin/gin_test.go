package gin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	gongin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gousage/backend/memory"
	"github.com/mihaimyh/gousage/pkg/gousage"
)

const testBusinessID = "biz-1"

func init() {
	gongin.SetMode(gongin.TestMode)
}

func newTestSession(t *testing.T) (*gousage.Session, *memory.Backend) {
	t.Helper()

	backend := memory.New()
	backend.AddBusiness(testBusinessID, gousage.PlanLimits{
		MaxConversations:         gousage.Unlimited,
		MaxExperts:               5,
		MaxDepartments:           2,
		MaxProjectsPerDepartment: 2,
	})
	backend.SetUsage(testBusinessID, gousage.UsageSnapshot{DepartmentsCount: 2, ProjectsCount: 3, ExpertsCount: 5})

	session, err := gousage.NewSession(backend, gousage.SessionConfig{BusinessID: testBusinessID})
	require.NoError(t, err)
	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(session.Dispose)
	return session, backend
}

func newRouter(session *gousage.Session, backend *memory.Backend, status int) *gongin.Engine {
	r := gongin.New()
	r.POST("/usage/:metric", Middleware(Config{
		Session:            session,
		GetMetric:          MetricFromParam("metric"),
		GetDepartmentCount: DepartmentsFromQuery("departments"),
	}), func(c *gongin.Context) {
		m, _ := gousage.ParseMetric(c.Param("metric"))
		if status == http.StatusCreated {
			backend.AddUsage(testBusinessID, m, 1)
		}
		c.Status(status)
	})
	return r
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
}

func TestMiddleware_AllowedMutation(t *testing.T) {
	session, backend := newTestSession(t)
	router := newRouter(session, backend, http.StatusCreated)
	before := session.Bus.Trigger()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/usage/projects", nil))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, int64(4), session.Ledger.Current(gousage.MetricProjects))
	assert.Zero(t, session.Ledger.Pending(gousage.MetricProjects))
	assert.Equal(t, before+1, session.Bus.Trigger())
}

func TestMiddleware_LimitExceeded(t *testing.T) {
	session, backend := newTestSession(t)
	router := newRouter(session, backend, http.StatusCreated)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/usage/expert", nil))

	require.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "experts", body["metric"])
	assert.Equal(t, float64(5), body["limit"])
	assert.Equal(t, int64(5), session.Ledger.Current(gousage.MetricExperts))
}

func TestMiddleware_DepartmentOverride(t *testing.T) {
	session, backend := newTestSession(t)
	router := newRouter(session, backend, http.StatusCreated)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/usage/projects?departments=1", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMiddleware_FailedHandlerReverts(t *testing.T) {
	session, backend := newTestSession(t)
	router := newRouter(session, backend, http.StatusBadGateway)
	before := session.Bus.Trigger()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/usage/projects", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, int64(3), session.Ledger.Current(gousage.MetricProjects))
	assert.Equal(t, before, session.Bus.Trigger())
}

func TestMiddleware_UnknownMetric(t *testing.T) {
	session, backend := newTestSession(t)
	router := newRouter(session, backend, http.StatusCreated)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/usage/tickets", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
