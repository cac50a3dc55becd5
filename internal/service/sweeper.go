package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	cronlib "github.com/robfig/cron/v3"

	"github.com/xiaot623/gogo/sandboxrun/internal/config"
	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
	"github.com/xiaot623/gogo/sandboxrun/internal/telemetry"
)

// Error codes recorded on runs the sweeper forces terminal.
const (
	CodeIdleTimeout = "idle_timeout"
	CodeBootTimeout = "boot_timeout"
	CodeMaxDuration = "max_duration"
)

// scheduleParser accepts standard 5-field expressions and descriptors such
// as "@every 30s".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// SweepReport counts the runs one pass forced terminal.
type SweepReport struct {
	Idle    int
	Stuck   int
	Overdue int
}

// Sweeper periodically cancels idle runs, fails runs stuck in booting and
// cancels runs past their maximum duration.
type Sweeper struct {
	svc       *Service
	cfg       config.Sweeper
	lifecycle config.Lifecycle
	schedule  cronlib.Schedule
	logger    *log.Logger
	metrics   *telemetry.Metrics
}

// NewSweeper validates the schedule and builds a Sweeper.
func NewSweeper(svc *Service, cfg *config.Config, logger *log.Logger, metrics *telemetry.Metrics) (*Sweeper, error) {
	schedule, err := scheduleParser.Parse(cfg.Sweeper.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweeper schedule %q: %w", cfg.Sweeper.Schedule, err)
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Sweeper{
		svc:       svc,
		cfg:       cfg.Sweeper,
		lifecycle: cfg.Lifecycle,
		schedule:  schedule,
		logger:    logger.With("component", "sweeper"),
		metrics:   metrics,
	}, nil
}

// Run schedules passes until ctx is canceled. An overrunning pass makes the
// next tick skip.
func (w *Sweeper) Run(ctx context.Context) error {
	clog := cronLogger{w.logger}
	c := cronlib.New(
		cronlib.WithLogger(clog),
		cronlib.WithChain(cronlib.Recover(clog), cronlib.SkipIfStillRunning(clog)),
	)
	c.Schedule(w.schedule, cronlib.FuncJob(func() {
		w.SweepOnce(ctx)
	}))

	c.Start()
	w.logger.Info("sweeper started", "schedule", w.cfg.Schedule)
	<-ctx.Done()

	<-c.Stop().Done()
	w.logger.Info("sweeper stopped")
	return nil
}

// SweepOnce runs a single reconciliation pass bounded by sweeper.timeout.
func (w *Sweeper) SweepOnce(ctx context.Context) SweepReport {
	start := time.Now()
	sweepCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	var report SweepReport
	report.Idle = w.sweepIdle(sweepCtx)
	report.Stuck = w.sweepStuck(sweepCtx)
	report.Overdue = w.sweepOverdue(sweepCtx)

	w.metrics.RecordSweep(ctx, time.Since(start))
	if report.Idle+report.Stuck+report.Overdue > 0 {
		w.logger.Info("sweep finished", "idle", report.Idle, "stuck", report.Stuck, "overdue", report.Overdue)
	}
	return report
}

func (w *Sweeper) sweepIdle(ctx context.Context) int {
	runs, err := w.svc.findExpiredIdle(ctx, w.lifecycle.IdleTimeout, w.cfg.BatchLimit)
	if err != nil {
		w.logger.Warn("idle sweep failed", "err", err)
		return 0
	}

	now := w.svc.clock()
	forced := 0
	for _, run := range runs {
		idle := now.Sub(run.LastActivityAt)
		timeout := w.lifecycle.IdleTimeout
		if run.IdleTimeoutMs != nil {
			timeout = time.Duration(*run.IdleTimeoutMs) * time.Millisecond
		}
		details := map[string]int64{"idle_ms": idle.Milliseconds(), "timeout_ms": timeout.Milliseconds()}
		if w.force(ctx, run, domain.RunStatusCanceled, CodeIdleTimeout, "sandbox idle timeout", details) {
			forced++
		}
	}
	return forced
}

func (w *Sweeper) sweepStuck(ctx context.Context) int {
	runs, err := w.svc.findStuckBooting(ctx, w.lifecycle.BootTimeout, w.cfg.BatchLimit)
	if err != nil {
		w.logger.Warn("boot sweep failed", "err", err)
		return 0
	}

	forced := 0
	for _, run := range runs {
		details := map[string]int64{"timeout_ms": w.lifecycle.BootTimeout.Milliseconds()}
		if w.force(ctx, run, domain.RunStatusFailed, CodeBootTimeout, "sandbox did not finish booting", details) {
			forced++
		}
	}
	return forced
}

func (w *Sweeper) sweepOverdue(ctx context.Context) int {
	runs, err := w.svc.findOverdue(ctx, w.lifecycle.DefaultMaxDuration, w.cfg.BatchLimit)
	if err != nil {
		w.logger.Warn("max duration sweep failed", "err", err)
		return 0
	}

	forced := 0
	for _, run := range runs {
		limit := w.lifecycle.DefaultMaxDuration
		if run.MaxDurationMs != nil {
			limit = time.Duration(*run.MaxDurationMs) * time.Millisecond
		}
		details := map[string]int64{"max_duration_ms": limit.Milliseconds()}
		if w.force(ctx, run, domain.RunStatusCanceled, CodeMaxDuration, "run exceeded its maximum duration", details) {
			forced++
		}
	}
	return forced
}

// force moves run to status in skip-terminal mode so a run that finished in
// the meantime is left alone.
func (w *Sweeper) force(ctx context.Context, run domain.Run, status domain.RunStatus, code, message string, details map[string]int64) bool {
	detailData, _ := json.Marshal(details)
	patch := domain.RunPatch{
		Status: &status,
		Error:  &domain.RunError{Message: message, Code: code, Details: detailData},
	}

	result, err := w.svc.UpdateRun(ctx, domain.TrustedAuthorization("sweeper: "+code), run.RunID, patch, domain.UpdateOptions{SkipTerminal: true})
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			w.logger.Debug("run changed during sweep", "run_id", run.RunID)
		} else {
			w.logger.Warn("failed to force run", "run_id", run.RunID, "code", code, "err", err)
		}
		return false
	}
	if !result.Updated {
		return false
	}

	w.metrics.RecordForced(ctx, code)
	w.logger.Info("run forced", "run_id", run.RunID, "status", status, "code", code)
	return true
}

// cronLogger routes robfig/cron logging into the sweeper logger.
type cronLogger struct {
	l *log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "err", err)...)
}
