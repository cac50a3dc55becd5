package cli

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/sandboxrun/internal/config"
	"github.com/xiaot623/gogo/sandboxrun/internal/repository"
)

// MigrateCommand applies the embedded Postgres migrations. SQLite creates its
// schema on open.
type MigrateCommand struct{}

func (m *MigrateCommand) Run(g *Globals) error {
	cfg, err := config.LoadFrom(g.ConfigPath)
	if err != nil {
		return err
	}
	if cfg.Database.Driver != "postgres" {
		return fmt.Errorf("migrate requires database.driver postgres, got %q", cfg.Database.Driver)
	}
	return store.RunMigrations(context.Background(), cfg.Database.URL)
}

// VersionCommand prints the build version.
type VersionCommand struct{}

func (v *VersionCommand) Run(g *Globals) error {
	fmt.Println(g.Version)
	return nil
}
