package cli

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/xiaot623/gogo/sandboxrun/internal/access"
	"github.com/xiaot623/gogo/sandboxrun/internal/config"
	"github.com/xiaot623/gogo/sandboxrun/internal/logging"
	"github.com/xiaot623/gogo/sandboxrun/internal/repository"
	"github.com/xiaot623/gogo/sandboxrun/internal/service"
	"github.com/xiaot623/gogo/sandboxrun/internal/telemetry"
	"github.com/xiaot623/gogo/sandboxrun/policy"
)

// app holds the wired dependencies shared by commands.
type app struct {
	cfg       *config.Config
	logger    *log.Logger
	store     store.Store
	gate      *access.Gate
	telemetry *telemetry.Provider
	metrics   *telemetry.Metrics
	svc       *service.Service
}

func bootstrap(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	a.store, err = openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	policyContent := policy.DefaultPolicy
	if cfg.Access.PolicyFile != "" {
		policyContent, err = policy.LoadPolicy(cfg.Access.PolicyFile)
		if err != nil {
			return nil, err
		}
	}
	engine, err := policy.NewEngine(ctx, policyContent)
	if err != nil {
		return nil, fmt.Errorf("init policy engine: %w", err)
	}
	a.gate, err = access.NewGate(a.store, engine, access.Config{
		CacheTTL:      cfg.Access.CacheTTL,
		CacheMaxItems: cfg.Access.CacheMaxItems,
	})
	if err != nil {
		return nil, err
	}

	a.telemetry, err = telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	a.metrics, err = telemetry.NewMetrics(a.telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.svc = service.New(a.store, a.gate, cfg, logger, a.metrics)
	ok = true
	return a, nil
}

func openStore(ctx context.Context, db config.Database) (store.Store, error) {
	switch db.Driver {
	case "postgres":
		return store.NewPostgresStore(ctx, db.URL, db.MaxConns)
	case "sqlite", "":
		return store.NewSQLiteStore(db.URL)
	default:
		return nil, fmt.Errorf("unknown database driver %q", db.Driver)
	}
}

// Close releases everything bootstrap opened.
func (a *app) Close(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", "err", err)
		}
	}
	if a.gate != nil {
		a.gate.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close", "err", err)
		}
	}
}
