// Package internalapi provides HTTP handlers for internal lifecycle APIs.
// These APIs are only reachable from trusted services such as the sandbox
// supervisor and the billing worker, so every call runs with a trusted
// authorization.
package internalapi

import (
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
	"github.com/xiaot623/gogo/sandboxrun/internal/service"
)

// ServiceHeader names the calling service in audit logs.
const ServiceHeader = "X-Service-Name"

// Handler handles internal HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new internal API handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Reconciliation queries, registered before :run_id
	e.GET("/internal/runs/idle", h.FindIdleRuns)
	e.GET("/internal/runs/stuck", h.FindStuckBootingRuns)

	// Run management
	e.POST("/internal/runs", h.CreateRun)
	e.GET("/internal/runs/:run_id", h.GetRun)
	e.PATCH("/internal/runs/:run_id", h.UpdateRun)
	e.POST("/internal/runs/:run_id/cancel", h.CancelRun)

	// Rate limiting
	e.GET("/internal/users/:user_id/runs/count", h.CountRecentRuns)

	// Workspace registry
	e.PUT("/internal/workspaces/:workspace_id", h.UpsertWorkspace)
	e.PUT("/internal/workspaces/:workspace_id/members/:principal_id", h.UpsertMembership)
}

func trustedAuth(c echo.Context) domain.Authorization {
	caller := c.Request().Header.Get(ServiceHeader)
	if caller == "" {
		caller = "unknown"
	}
	return domain.TrustedAuthorization("internal api: " + caller)
}
