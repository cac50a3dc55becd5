package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/xiaot623/gogo/sandboxrun/internal/service"
	httpserver "github.com/xiaot623/gogo/sandboxrun/internal/transport/http"
	"github.com/xiaot623/gogo/sandboxrun/internal/transport/rpc"
)

// ServeCommand runs the listeners and the sweeper until SIGINT or SIGTERM.
type ServeCommand struct{}

func (s *ServeCommand) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, g.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	cfg := a.cfg
	logger := a.logger
	logger.Info("starting sandboxrun",
		"version", g.Version,
		"http_port", cfg.Server.HTTPPort,
		"internal_port", cfg.Server.InternalPort,
		"rpc_port", cfg.Server.RPCPort,
		"database", cfg.Database.Driver,
	)

	external := httpserver.NewExternalServer(a.svc, logger)
	internalSrv := httpserver.NewInternalServer(a.svc, logger)

	var rpcServer *rpc.Server
	if cfg.Server.RPCPort != 0 {
		rpcServer, err = rpc.NewServer(a.svc, logger)
		if err != nil {
			return err
		}
	}

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return startEcho(external, cfg.Server.HTTPPort)
	})
	group.Go(func() error {
		return startEcho(internalSrv, cfg.Server.InternalPort)
	})
	if rpcServer != nil {
		group.Go(func() error {
			return rpcServer.Start(fmt.Sprintf(":%d", cfg.Server.RPCPort))
		})
	}
	if cfg.Sweeper.Enabled {
		sweeper, err := service.NewSweeper(a.svc, cfg, logger, a.metrics)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return sweeper.Run(gctx)
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down sandboxrun")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		httpserver.Shutdown(shutdownCtx, external, logger)
		httpserver.Shutdown(shutdownCtx, internalSrv, logger)
		if rpcServer != nil {
			if err := rpcServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("rpc shutdown", "err", err)
			}
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("sandboxrun stopped")
	return nil
}

func startEcho(e *echo.Echo, port int) error {
	if err := e.Start(fmt.Sprintf(":%d", port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %d: %w", port, err)
	}
	return nil
}
