// Package http provides the HTTP servers for the run lifecycle service.
package http

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/gogo/sandboxrun/internal/service"
	"github.com/xiaot623/gogo/sandboxrun/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/gogo/sandboxrun/internal/transport/http/v1"
)

// NewExternalServer creates and configures the caller-facing HTTP server.
func NewExternalServer(svc *service.Service, logger *log.Logger) *echo.Echo {
	e := newEcho(logger.With("server", "external"))
	e.Use(middleware.CORS())

	v1.NewHandler(svc).RegisterRoutes(e)
	return e
}

// NewInternalServer creates and configures the HTTP server for trusted
// services.
func NewInternalServer(svc *service.Service, logger *log.Logger) *echo.Echo {
	e := newEcho(logger.With("server", "internal"))

	internalapi.NewHandler(svc).RegisterRoutes(e)
	return e
}

func newEcho(logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []interface{}{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				logger.Error("request failed", append(fields, "err", v.Error)...)
				return nil
			}
			logger.Info("request", fields...)
			return nil
		},
	}))
	e.Use(middleware.Recover())
	return e
}

// Shutdown gracefully stops e, logging instead of failing when ctx expires.
func Shutdown(ctx context.Context, e *echo.Echo, logger *log.Logger) {
	if err := e.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
}
