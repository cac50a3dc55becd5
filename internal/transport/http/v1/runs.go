package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
	"github.com/xiaot623/gogo/sandboxrun/internal/transport/http/respond"
)

// CreateRun starts a run in booting on behalf of the caller.
func (h *Handler) CreateRun(c echo.Context) error {
	var body domain.CreateRunBody
	if err := c.Bind(&body); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}
	req, err := body.ToRequest()
	if err != nil {
		return respond.Error(c, err)
	}

	ctx := c.Request().Context()
	auth := callerAuth(c)
	if err := h.service.CheckRateLimit(ctx, auth.Principal()); err != nil {
		return respond.Error(c, err)
	}

	run, err := h.service.CreateRun(ctx, auth, req)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusCreated, domain.CreateRunResponse{RunID: run.RunID})
}

// GetRun returns a run the caller can see.
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), callerAuth(c), c.Param("run_id"))
	if err != nil {
		return respond.Error(c, err)
	}
	if run == nil {
		return respond.Error(c, domain.ErrNotFound)
	}
	return c.JSON(http.StatusOK, run)
}

// UpdateRun applies a partial update.
func (h *Handler) UpdateRun(c echo.Context) error {
	var body domain.UpdateRunBody
	if err := c.Bind(&body); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}
	patch, err := body.ToPatch()
	if err != nil {
		return respond.Error(c, err)
	}

	_, err = h.service.UpdateRun(c.Request().Context(), callerAuth(c), c.Param("run_id"), patch, domain.UpdateOptions{})
	if err != nil {
		return respond.Error(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListWorkspaceRuns pages through a workspace's runs, newest first.
func (h *Handler) ListWorkspaceRuns(c echo.Context) error {
	page := domain.PageRequest{Token: c.QueryParam("page_token")}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return respond.BadRequest(c, "limit must be an integer")
		}
		page.Limit = limit
	}

	result, err := h.service.ListRunsByWorkspace(c.Request().Context(), callerAuth(c), c.Param("workspace_id"), page)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ListThreadRuns lists a thread's runs in workspaces the caller belongs to.
func (h *Handler) ListThreadRuns(c echo.Context) error {
	runs, err := h.service.ListRunsByThread(c.Request().Context(), callerAuth(c), c.Param("thread_id"))
	if err != nil {
		return respond.Error(c, err)
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	return c.JSON(http.StatusOK, domain.RunListResponse{Runs: runs})
}
