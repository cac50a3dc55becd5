package internalapi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
	"github.com/xiaot623/gogo/sandboxrun/internal/transport/http/respond"
)

// UpsertWorkspace registers or renames a workspace.
// PUT /internal/workspaces/:workspace_id
func (h *Handler) UpsertWorkspace(c echo.Context) error {
	var body domain.WorkspaceBody
	if err := c.Bind(&body); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}
	ws, err := h.service.UpsertWorkspace(c.Request().Context(), c.Param("workspace_id"), body.Name)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, ws)
}

// UpsertMembership grants or changes a principal's role in a workspace.
// PUT /internal/workspaces/:workspace_id/members/:principal_id
func (h *Handler) UpsertMembership(c echo.Context) error {
	var body domain.MembershipBody
	if err := c.Bind(&body); err != nil {
		return respond.BadRequest(c, "invalid request body")
	}
	m, err := h.service.UpsertMembership(c.Request().Context(), c.Param("workspace_id"), c.Param("principal_id"), body.Role)
	if err != nil {
		return respond.Error(c, err)
	}
	return c.JSON(http.StatusOK, m)
}
