// Package cli is the sandboxrun command line.
package cli

import (
	"github.com/alecthomas/kong"

	v1 "github.com/xiaot623/gogo/sandboxrun/internal/transport/http/v1"
)

// CLI is the kong command tree.
type CLI struct {
	Config string `short:"c" help:"Path to the YAML config file" default:"sandboxrun.yaml" type:"path"`

	Serve   ServeCommand   `cmd:"" default:"1" help:"Run the HTTP, RPC and sweeper services"`
	Sweep   SweepCommand   `cmd:"" help:"Run one reconciliation pass and exit"`
	Migrate MigrateCommand `cmd:"" help:"Apply Postgres schema migrations"`
	Version VersionCommand `cmd:"" help:"Print the version"`
}

// Globals is passed to every command's Run.
type Globals struct {
	ConfigPath string
	Version    string
}

// Run parses args and executes the selected command.
func Run(args []string, version string) error {
	v1.Version = version

	cli := CLI{}
	parser, err := kong.New(
		&cli,
		kong.Name("sandboxrun"),
		kong.Description("Sandbox run lifecycle service"),
	)
	if err != nil {
		return err
	}

	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(&Globals{ConfigPath: cli.Config, Version: version})
}
