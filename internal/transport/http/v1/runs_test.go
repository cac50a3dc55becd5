package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sandboxrun/internal/config"
	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
	"github.com/xiaot623/gogo/sandboxrun/internal/logging"
	"github.com/xiaot623/gogo/sandboxrun/internal/repository"
	"github.com/xiaot623/gogo/sandboxrun/internal/service"
	"github.com/xiaot623/gogo/sandboxrun/tests/helpers"
)

func newTestHandler(t *testing.T) (*Handler, *store.SQLiteStore) {
	return newTestHandlerWithConfig(t, helpers.TestConfig())
}

func newTestHandlerWithConfig(t *testing.T, cfg *config.Config) (*Handler, *store.SQLiteStore) {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	helpers.SeedWorkspace(t, db, "w1", map[string]domain.Role{
		"alice": domain.RoleMember,
		"vera":  domain.RoleViewer,
	})
	helpers.SeedWorkspace(t, db, "w2", map[string]domain.Role{"bob": domain.RoleMember})

	svc := service.New(db, helpers.NewTestGate(t, db), cfg, logging.Discard(), nil)
	return NewHandler(svc), db
}

func newRequest(method, target, principal, body string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if principal != "" {
		req.Header.Set(PrincipalHeader, principal)
	}
	return req
}

func createRun(t *testing.T, h *Handler, principal, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPost, "/v1/runs", principal, body), rec)
	if err := h.CreateRun(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func mustCreateRun(t *testing.T, h *Handler, principal, workspaceID string) string {
	t.Helper()
	rec := createRun(t, h, principal, `{"thread_id":"thread-1","workspace_id":"`+workspaceID+`"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp domain.CreateRunResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.RunID
}

func patchRun(t *testing.T, h *Handler, principal, runID, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodPatch, "/v1/runs/"+runID, principal, body), rec)
	c.SetPath("/v1/runs/:run_id")
	c.SetParamNames("run_id")
	c.SetParamValues(runID)
	if err := h.UpdateRun(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return rec
}

func TestCreateRun(t *testing.T) {
	h, db := newTestHandler(t)

	runID := mustCreateRun(t, h, "alice", "w1")
	got, err := db.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got == nil || got.Status != domain.RunStatusBooting || got.CreatedBy != "alice" {
		t.Fatalf("unexpected run: %+v", got)
	}
}

func TestCreateRunErrors(t *testing.T) {
	h, _ := newTestHandler(t)

	cases := []struct {
		name      string
		principal string
		body      string
		want      int
	}{
		{"no principal", "", `{"thread_id":"t","workspace_id":"w1"}`, http.StatusUnauthorized},
		{"other workspace", "bob", `{"thread_id":"t","workspace_id":"w1"}`, http.StatusForbidden},
		{"viewer", "vera", `{"thread_id":"t","workspace_id":"w1"}`, http.StatusForbidden},
		{"missing thread", "alice", `{"workspace_id":"w1"}`, http.StatusBadRequest},
		{"non-initial status", "alice", `{"thread_id":"t","workspace_id":"w1","status":"running"}`, http.StatusBadRequest},
		{"malformed", "alice", `{"thread_id":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := createRun(t, h, tc.principal, tc.body)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d: %s", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestCreateRunRateLimited(t *testing.T) {
	cfg := helpers.TestConfig()
	cfg.RateLimit.MaxRuns = 2
	cfg.RateLimit.Window = time.Hour
	h, _ := newTestHandlerWithConfig(t, cfg)

	mustCreateRun(t, h, "alice", "w1")
	mustCreateRun(t, h, "alice", "w1")

	rec := createRun(t, h, "alice", `{"thread_id":"t","workspace_id":"w1"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	mustCreateRun(t, h, "bob", "w2")
}

func TestGetRun(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)
	runID := mustCreateRun(t, h, "alice", "w1")

	for principal, want := range map[string]int{
		"vera": http.StatusOK,
		"bob":  http.StatusNotFound,
		"":     http.StatusUnauthorized,
	} {
		rec := httptest.NewRecorder()
		c := e.NewContext(newRequest(http.MethodGet, "/v1/runs/"+runID, principal, ""), rec)
		c.SetPath("/v1/runs/:run_id")
		c.SetParamNames("run_id")
		c.SetParamValues(runID)
		if err := h.GetRun(c); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		if rec.Code != want {
			t.Fatalf("principal %q: expected %d, got %d", principal, want, rec.Code)
		}
	}
}

func TestUpdateRun(t *testing.T) {
	h, db := newTestHandler(t)
	runID := mustCreateRun(t, h, "alice", "w1")

	rec := patchRun(t, h, "alice", runID, `{"status":"running","sandbox_id":"sbx-1"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = patchRun(t, h, "alice", runID, `{"status":"succeeded","e2b_cost":0.25}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	got, err := db.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != domain.RunStatusSucceeded || got.SandboxID != "sbx-1" || got.FinishedAt == nil {
		t.Fatalf("unexpected run: %+v", got)
	}

	rec = patchRun(t, h, "alice", runID, `{"status":"running"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestUpdateRunErrors(t *testing.T) {
	h, _ := newTestHandler(t)
	runID := mustCreateRun(t, h, "alice", "w1")

	cases := []struct {
		name      string
		principal string
		runID     string
		body      string
		want      int
	}{
		{"unknown status", "alice", runID, `{"status":"paused"}`, http.StatusBadRequest},
		{"negative cost", "alice", runID, `{"e2b_cost":-1}`, http.StatusBadRequest},
		{"viewer", "vera", runID, `{"status":"running"}`, http.StatusForbidden},
		{"non-member", "bob", runID, `{"status":"running"}`, http.StatusNotFound},
		{"missing run", "alice", "run_missing", `{"status":"running"}`, http.StatusNotFound},
		{"booting to succeeded", "alice", runID, `{"status":"succeeded"}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		rec := patchRun(t, h, tc.principal, tc.runID, tc.body)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d: %s", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestListWorkspaceRuns(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)
	for i := 0; i < 3; i++ {
		mustCreateRun(t, h, "alice", "w1")
	}

	list := func(query string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		c := e.NewContext(newRequest(http.MethodGet, "/v1/workspaces/w1/runs?"+query, "alice", ""), rec)
		c.SetPath("/v1/workspaces/:workspace_id/runs")
		c.SetParamNames("workspace_id")
		c.SetParamValues("w1")
		if err := h.ListWorkspaceRuns(c); err != nil {
			t.Fatalf("handler error: %v", err)
		}
		return rec
	}

	rec := list("limit=2")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var page domain.RunPage
	if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Runs) != 2 || page.NextToken == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	rec = list("limit=2&page_token=" + page.NextToken)
	var next domain.RunPage
	if err := json.Unmarshal(rec.Body.Bytes(), &next); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(next.Runs) != 1 || next.NextToken != "" {
		t.Fatalf("unexpected second page: %+v", next)
	}

	if rec := list("limit=abc"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
	if rec := list("page_token=***"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad token, got %d", rec.Code)
	}
}

func TestListThreadRuns(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)
	mustCreateRun(t, h, "alice", "w1")
	mustCreateRun(t, h, "bob", "w2")

	rec := httptest.NewRecorder()
	c := e.NewContext(newRequest(http.MethodGet, "/v1/threads/thread-1/runs", "alice", ""), rec)
	c.SetPath("/v1/threads/:thread_id/runs")
	c.SetParamNames("thread_id")
	c.SetParamValues("thread-1")
	if err := h.ListThreadRuns(c); err != nil {
		t.Fatalf("handler error: %v", err)
	}

	var resp domain.RunListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Runs) != 1 || resp.Runs[0].WorkspaceID != "w1" {
		t.Fatalf("unexpected runs: %+v", resp.Runs)
	}
}

func TestHealth(t *testing.T) {
	e := echo.New()
	h, _ := newTestHandler(t)
	rec := httptest.NewRecorder()
	if err := h.Health(e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
