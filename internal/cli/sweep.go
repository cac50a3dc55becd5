package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/xiaot623/gogo/sandboxrun/internal/service"
)

// SweepCommand runs the reconciliation sweeper without the listeners.
type SweepCommand struct {
	Once bool `help:"Run a single pass, print its report and exit"`
}

func (s *SweepCommand) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, g.ConfigPath)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	sweeper, err := service.NewSweeper(a.svc, a.cfg, a.logger, a.metrics)
	if err != nil {
		return err
	}
	if !s.Once {
		return sweeper.Run(ctx)
	}

	report := sweeper.SweepOnce(ctx)
	_, err = fmt.Fprintf(os.Stdout, "idle=%d stuck=%d overdue=%d\n", report.Idle, report.Stuck, report.Overdue)
	return err
}
