package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
	"github.com/xiaot623/gogo/sandboxrun/internal/logging"
	"github.com/xiaot623/gogo/sandboxrun/internal/repository"
	"github.com/xiaot623/gogo/sandboxrun/internal/telemetry"
	"github.com/xiaot623/gogo/sandboxrun/tests/helpers"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *Service
	db     *store.SQLiteStore
	reader *sdkmetric.ManualReader
	now    time.Time
}

// newFixture builds a Service over an in-memory store with two workspaces:
// w1 (alice member, vera viewer, olga owner) and w2 (bob member).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	return newFixtureWithStore(t, db, db)
}

func newFixtureWithStore(t *testing.T, db *store.SQLiteStore, st store.Store) *fixture {
	t.Helper()
	helpers.SeedWorkspace(t, db, "w1", map[string]domain.Role{
		"alice": domain.RoleMember,
		"vera":  domain.RoleViewer,
		"olga":  domain.RoleOwner,
	})
	helpers.SeedWorkspace(t, db, "w2", map[string]domain.Role{"bob": domain.RoleMember})

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := telemetry.NewMetrics(mp.Meter(telemetry.MeterName))
	require.NoError(t, err)

	f := &fixture{db: db, reader: reader, now: baseTime}
	f.svc = New(st, helpers.NewTestGate(t, db), helpers.TestConfig(), logging.Discard(), metrics)
	f.svc.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) createRun(t *testing.T, principal, workspaceID string) *domain.Run {
	t.Helper()
	run, err := f.svc.CreateRun(context.Background(), domain.CallerAuthorization(principal), domain.CreateRunRequest{
		ThreadID:    "thread-1",
		WorkspaceID: workspaceID,
	})
	require.NoError(t, err)
	return run
}

// startRun creates a run and moves it to running with a sandbox.
func (f *fixture) startRun(t *testing.T, principal, workspaceID string) *domain.Run {
	t.Helper()
	run := f.createRun(t, principal, workspaceID)
	running := domain.RunStatusRunning
	sandbox := "sbx-" + run.RunID
	res, err := f.svc.UpdateRun(context.Background(), domain.CallerAuthorization(principal), run.RunID,
		domain.RunPatch{Status: &running, SandboxID: &sandbox}, domain.UpdateOptions{})
	require.NoError(t, err)
	require.True(t, res.Updated)
	return f.mustGet(t, run.RunID)
}

func (f *fixture) mustGet(t *testing.T, runID string) *domain.Run {
	t.Helper()
	run, err := f.db.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

// counter returns the summed value of an int64 counter, optionally filtered
// by one attribute.
func (f *fixture) counter(t *testing.T, name, attrKey, attrValue string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, f.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != name {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				if attrKey != "" {
					v, ok := dp.Attributes.Value(attribute.Key(attrKey))
					if !ok || v.AsString() != attrValue {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}
