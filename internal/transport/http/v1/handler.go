// Package v1 serves the caller-facing run API.
package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
	"github.com/xiaot623/gogo/sandboxrun/internal/service"
)

// PrincipalHeader carries the authenticated caller identity, set by the
// gateway in front of this service.
const PrincipalHeader = "X-Principal-ID"

// Version is reported by the health endpoint.
var Version = "0.1.0"

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", h.CreateRun)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.PATCH("/v1/runs/:run_id", h.UpdateRun)

	e.GET("/v1/workspaces/:workspace_id/runs", h.ListWorkspaceRuns)
	e.GET("/v1/threads/:thread_id/runs", h.ListThreadRuns)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

func callerAuth(c echo.Context) domain.Authorization {
	return domain.CallerAuthorization(c.Request().Header.Get(PrincipalHeader))
}
