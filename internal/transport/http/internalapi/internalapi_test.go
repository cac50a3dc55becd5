package internalapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
	"github.com/xiaot623/gogo/sandboxrun/internal/logging"
	"github.com/xiaot623/gogo/sandboxrun/internal/repository"
	"github.com/xiaot623/gogo/sandboxrun/internal/service"
	"github.com/xiaot623/gogo/sandboxrun/tests/helpers"
)

func newTestHandler(t *testing.T) (*Handler, *store.SQLiteStore) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	helpers.SeedWorkspace(t, db, "w1", map[string]domain.Role{"alice": domain.RoleMember})

	svc := service.New(db, helpers.NewTestGate(t, db), helpers.TestConfig(), logging.Discard(), nil)
	return NewHandler(svc), db
}

// serve routes the request through a real echo router so path parameters
// and static-vs-param precedence are exercised.
func serve(h *Handler, method, target, body string) *httptest.ResponseRecorder {
	e := echo.New()
	h.RegisterRoutes(e)

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(ServiceHeader, "supervisor")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateAndGetRun(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := serve(h, http.MethodPost, "/internal/runs", `{"thread_id":"t","workspace_id":"w1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "created_by is required")

	rec = serve(h, http.MethodPost, "/internal/runs", `{"thread_id":"t","workspace_id":"w1","created_by":"scheduler"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	run := decode[domain.Run](t, rec)
	assert.Equal(t, "scheduler", run.CreatedBy)
	assert.Equal(t, domain.RunStatusBooting, run.Status)

	rec = serve(h, http.MethodGet, "/internal/runs/"+run.RunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, run.RunID, decode[domain.Run](t, rec).RunID)

	rec = serve(h, http.MethodGet, "/internal/runs/run_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, http.MethodPost, "/internal/runs", `{"thread_id":"t","workspace_id":"nope","created_by":"scheduler"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateRunSkipTerminal(t *testing.T) {
	h, db := newTestHandler(t)
	finished := time.Now().Add(-time.Minute)
	helpers.InsertRun(t, db, &domain.Run{
		RunID: "done", ThreadID: "t", WorkspaceID: "w1", CreatedBy: "alice",
		Status: domain.RunStatusSucceeded, StartedAt: time.Now().Add(-time.Hour), FinishedAt: &finished,
	})

	rec := serve(h, http.MethodPatch, "/internal/runs/done", `{"status":"canceled"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = serve(h, http.MethodPatch, "/internal/runs/done?skip_terminal=true", `{"status":"canceled"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[domain.UpdateResult](t, rec)
	assert.True(t, result.Skipped)
	assert.False(t, result.Updated)

	rec = serve(h, http.MethodPatch, "/internal/runs/done?skip_terminal=maybe", `{"status":"canceled"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateRunTransitions(t *testing.T) {
	h, db := newTestHandler(t)
	helpers.InsertRun(t, db, &domain.Run{
		RunID: "r1", ThreadID: "t", WorkspaceID: "w1", CreatedBy: "alice",
		Status: domain.RunStatusBooting, StartedAt: time.Now().Add(-time.Minute),
	})

	rec := serve(h, http.MethodPatch, "/internal/runs/r1", `{"status":"running","sandbox_id":"sbx-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[domain.UpdateResult](t, rec).Updated)

	rec = serve(h, http.MethodPatch, "/internal/runs/r1", `{"sandbox_id":"sbx-2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "sandbox_id is write-once")

	rec = serve(h, http.MethodPost, "/internal/runs/r1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[domain.UpdateResult](t, rec).Updated)

	got, err := db.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusCanceled, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "canceled", got.Error.Code)

	rec = serve(h, http.MethodPost, "/internal/runs/r1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, "cancelling twice is a no-op")
	again, err := db.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestReconciliationQueries(t *testing.T) {
	h, db := newTestHandler(t)
	now := time.Now()
	helpers.InsertRun(t, db, &domain.Run{
		RunID: "idle", ThreadID: "t", WorkspaceID: "w1", CreatedBy: "alice", SandboxID: "sbx-1",
		Status: domain.RunStatusRunning, StartedAt: now.Add(-time.Hour), LastActivityAt: now.Add(-30 * time.Minute),
	})
	helpers.InsertRun(t, db, &domain.Run{
		RunID: "stuck", ThreadID: "t", WorkspaceID: "w1", CreatedBy: "alice",
		Status: domain.RunStatusBooting, StartedAt: now.Add(-10 * time.Minute),
	})

	rec := serve(h, http.MethodGet, "/internal/runs/idle?max_idle_ms=600000", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	idle := decode[domain.RunListResponse](t, rec)
	require.Len(t, idle.Runs, 1)
	assert.Equal(t, "idle", idle.Runs[0].RunID)

	rec = serve(h, http.MethodGet, "/internal/runs/stuck?max_boot_ms=120000", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stuck := decode[domain.RunListResponse](t, rec)
	require.Len(t, stuck.Runs, 1)
	assert.Equal(t, "stuck", stuck.Runs[0].RunID)

	rec = serve(h, http.MethodGet, "/internal/runs/stuck?max_boot_ms=3600000", "")
	assert.Empty(t, decode[domain.RunListResponse](t, rec).Runs)

	rec = serve(h, http.MethodGet, "/internal/runs/idle", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	since := strconv.FormatInt(now.Add(-2*time.Hour).UnixMilli(), 10)
	rec = serve(h, http.MethodGet, "/internal/users/alice/runs/count?since_ms="+since, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[domain.RunCountResponse](t, rec).Count)

	rec = serve(h, http.MethodGet, "/internal/users/alice/runs/count", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkspaceRegistry(t *testing.T) {
	h, db := newTestHandler(t)

	rec := serve(h, http.MethodPut, "/internal/workspaces/w9", `{"name":"Nine"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Nine", decode[domain.Workspace](t, rec).Name)

	rec = serve(h, http.MethodPut, "/internal/workspaces/w9/members/carol", `{"role":"admin"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	m, err := db.GetMembership(context.Background(), "w9", "carol")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, domain.RoleAdmin, m.Role)

	rec = serve(h, http.MethodPut, "/internal/workspaces/w9/members/carol", `{"role":"root"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPut, "/internal/workspaces/missing/members/carol", `{"role":"member"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
