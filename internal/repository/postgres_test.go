package store

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
)

// setupPostgresStore connects to SANDBOXRUN_TEST_POSTGRES_DSN, runs all
// migrations, and closes the pool via t.Cleanup.
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := os.Getenv("SANDBOXRUN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("requires SANDBOXRUN_TEST_POSTGRES_DSN")
	}

	s, err := NewPostgresStore(context.Background(), dsn, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStoreRunLifecycle(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()

	// Unique ids keep reruns against a shared database independent.
	workspaceID := "ws_" + uuid.NewString()
	runID := "run_" + uuid.NewString()
	creator := "u_" + uuid.NewString()

	require.NoError(t, s.UpsertWorkspace(ctx, &domain.Workspace{WorkspaceID: workspaceID, CreatedAt: time.Now()}))
	require.NoError(t, s.UpsertMembership(ctx, &domain.Membership{
		WorkspaceID: workspaceID, PrincipalID: creator, Role: domain.RoleMember, CreatedAt: time.Now(),
	}))

	m, err := s.GetMembership(ctx, workspaceID, creator)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, domain.RoleMember, m.Role)

	start := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	require.NoError(t, s.CreateRun(ctx, &domain.Run{
		RunID: runID, ThreadID: "t1", WorkspaceID: workspaceID, CreatedBy: creator,
		Status: domain.RunStatusBooting, StartedAt: start, LastActivityAt: start,
	}))

	running := domain.RunStatusRunning
	sandbox := "sbx-1"
	ok, err := s.PatchRun(ctx, runID, domain.RunStatusBooting, domain.RunPatch{Status: &running, SandboxID: &sandbox})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.PatchRun(ctx, runID, domain.RunStatusBooting, domain.RunPatch{Status: &running})
	require.NoError(t, err)
	assert.False(t, ok, "stale expected status must not match")

	earlier := start.Add(-time.Minute)
	_, err = s.PatchRun(ctx, runID, domain.RunStatusRunning, domain.RunPatch{LastActivityAt: &earlier})
	require.NoError(t, err)

	got, err := s.GetRun(ctx, runID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.RunStatusRunning, got.Status)
	assert.Equal(t, "sbx-1", got.SandboxID)
	assert.True(t, got.LastActivityAt.Equal(start))

	idle, err := s.FindIdleRuns(ctx, time.Now().Add(-10*time.Minute), 0)
	require.NoError(t, err)
	assert.Contains(t, runIDs(idle), runID)

	expired, err := s.FindExpiredIdleRuns(ctx, time.Now(), 10*time.Minute, 0)
	require.NoError(t, err)
	assert.Contains(t, runIDs(expired), runID)
	expired, err = s.FindExpiredIdleRuns(ctx, time.Now(), 2*time.Hour, 0)
	require.NoError(t, err)
	assert.NotContains(t, runIDs(expired), runID)
	overdue, err := s.FindExpiredRunningRuns(ctx, time.Now(), 30*time.Minute, 0)
	require.NoError(t, err)
	assert.Contains(t, runIDs(overdue), runID)

	n, err := s.CountRunsByCreatorSince(ctx, creator, start)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	failed := domain.RunStatusFailed
	finished := time.Now().UTC().Truncate(time.Millisecond)
	ok, err = s.PatchRun(ctx, runID, domain.RunStatusRunning, domain.RunPatch{
		Status: &failed, FinishedAt: &finished, Error: &domain.RunError{Message: "boom", Details: json.RawMessage(`{"exit":137,"signal":"KILL"}`)},
	})
	require.NoError(t, err)
	assert.True(t, ok)

	page, err := s.ListRunsByWorkspace(ctx, workspaceID, nil, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, domain.RunStatusFailed, page[0].Status)
	require.NotNil(t, page[0].Error)
	assert.Equal(t, "boom", page[0].Error.Message)
	assert.True(t, page[0].Error.Equal(&domain.RunError{Message: "boom", Details: json.RawMessage(`{"exit":137,"signal":"KILL"}`)}),
		"jsonb round trip keeps the error equal")
}

func runIDs(runs []domain.Run) []string {
	ids := make([]string, 0, len(runs))
	for _, r := range runs {
		ids = append(ids, r.RunID)
	}
	return ids
}
