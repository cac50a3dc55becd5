package internalapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
	"github.com/xiaot623/gogo/sandboxrun/internal/transport/http/respond"
)

// CreateRun creates a run on behalf of created_by.
// POST /internal/runs
func (h *Handler) CreateRun(c echo.Context) error {
	var body domain.CreateRunBody
	if err := c.Bind(&body); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}
	req, err := body.ToRequest()
	if err != nil {
		return respond.Error(c, err)
	}

	run, err := h.service.CreateRun(c.Request().Context(), trustedAuth(c), req)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusCreated, run)
}

// GetRun returns any run.
// GET /internal/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), trustedAuth(c), c.Param("run_id"))
	if err != nil {
		return respond.Error(c, err)
	}
	if run == nil {
		return respond.Error(c, domain.ErrNotFound)
	}
	return c.JSON(http.StatusOK, run)
}

// UpdateRun applies a partial update. skip_terminal=true absorbs changes
// against runs that already finished.
// PATCH /internal/runs/:run_id
func (h *Handler) UpdateRun(c echo.Context) error {
	var body domain.UpdateRunBody
	if err := c.Bind(&body); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}
	patch, err := body.ToPatch()
	if err != nil {
		return respond.Error(c, err)
	}
	skip, err := boolQuery(c, "skip_terminal")
	if err != nil {
		return respond.BadRequest(c, "skip_terminal must be a boolean")
	}

	result, err := h.service.UpdateRun(c.Request().Context(), trustedAuth(c), c.Param("run_id"), patch, domain.UpdateOptions{SkipTerminal: skip})
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// CancelRun cancels a run unless it already finished.
// POST /internal/runs/:run_id/cancel
func (h *Handler) CancelRun(c echo.Context) error {
	canceled := domain.RunStatusCanceled
	patch := domain.RunPatch{
		Status: &canceled,
		Error:  &domain.RunError{Message: "canceled by operator", Code: "canceled"},
	}

	result, err := h.service.UpdateRun(c.Request().Context(), trustedAuth(c), c.Param("run_id"), patch, domain.UpdateOptions{SkipTerminal: true})
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// FindIdleRuns lists running runs without activity for max_idle_ms.
// GET /internal/runs/idle
func (h *Handler) FindIdleRuns(c echo.Context) error {
	maxIdle, err := durationQuery(c, "max_idle_ms")
	if err != nil {
		return respond.BadRequest(c, err.Error())
	}
	runs, err := h.service.FindIdleRuns(c.Request().Context(), maxIdle)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, listResponse(runs))
}

// FindStuckBootingRuns lists runs in booting for longer than max_boot_ms.
// GET /internal/runs/stuck
func (h *Handler) FindStuckBootingRuns(c echo.Context) error {
	maxBoot, err := durationQuery(c, "max_boot_ms")
	if err != nil {
		return respond.BadRequest(c, err.Error())
	}
	runs, err := h.service.FindStuckBootingRuns(c.Request().Context(), maxBoot)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, listResponse(runs))
}

// CountRecentRuns counts runs a user started since since_ms.
// GET /internal/users/:user_id/runs/count
func (h *Handler) CountRecentRuns(c echo.Context) error {
	raw := c.QueryParam("since_ms")
	sinceMs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return respond.BadRequest(c, "since_ms must be unix milliseconds")
	}
	n, err := h.service.CountRunsByUserSince(c.Request().Context(), c.Param("user_id"), time.UnixMilli(sinceMs))
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, domain.RunCountResponse{Count: n})
}

func listResponse(runs []domain.Run) domain.RunListResponse {
	if runs == nil {
		runs = []domain.Run{}
	}
	return domain.RunListResponse{Runs: runs}
}

func durationQuery(c echo.Context, name string) (time.Duration, error) {
	ms, err := strconv.ParseInt(c.QueryParam(name), 10, 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func boolQuery(c echo.Context, name string) (bool, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
