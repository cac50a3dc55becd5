package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
)

// Metrics holds the run lifecycle instruments.
type Metrics struct {
	RunsCreated    metric.Int64Counter
	Transitions    metric.Int64Counter
	UpdatesSkipped metric.Int64Counter
	SweeperForced  metric.Int64Counter
	SweepDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RunsCreated, err = meter.Int64Counter("sandboxrun.runs.created",
		metric.WithDescription("Runs created"),
	)
	if err != nil {
		return nil, err
	}

	m.Transitions, err = meter.Int64Counter("sandboxrun.runs.transitions",
		metric.WithDescription("Applied status transitions by from and to status"),
	)
	if err != nil {
		return nil, err
	}

	m.UpdatesSkipped, err = meter.Int64Counter("sandboxrun.runs.update_skipped",
		metric.WithDescription("Updates absorbed by skip-terminal mode"),
	)
	if err != nil {
		return nil, err
	}

	m.SweeperForced, err = meter.Int64Counter("sandboxrun.sweeper.forced",
		metric.WithDescription("Runs forced terminal by the sweeper, by reason"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("sandboxrun.sweeper.duration",
		metric.WithDescription("Sweep pass duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments that record nothing.
func NoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	return m
}

func (m *Metrics) RecordCreated(ctx context.Context) {
	m.RunsCreated.Add(ctx, 1)
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to domain.RunStatus) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (m *Metrics) RecordSkipped(ctx context.Context) {
	m.UpdatesSkipped.Add(ctx, 1)
}

func (m *Metrics) RecordForced(ctx context.Context, reason string) {
	m.SweeperForced.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) RecordSweep(ctx context.Context, elapsed time.Duration) {
	m.SweepDuration.Record(ctx, elapsed.Seconds())
}
