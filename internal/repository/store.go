// Package store defines the run record storage interface and its SQLite and
// Postgres implementations.
package store

import (
	"context"
	"time"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
)

// Store defines the interface for data persistence.
type Store interface {
	// Workspace operations
	UpsertWorkspace(ctx context.Context, workspace *domain.Workspace) error
	WorkspaceExists(ctx context.Context, workspaceID string) (bool, error)
	UpsertMembership(ctx context.Context, membership *domain.Membership) error
	GetMembership(ctx context.Context, workspaceID, principalID string) (*domain.Membership, error)

	// Run operations
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	// PatchRun applies the non-nil fields of patch in a single statement,
	// guarded on the run still being in expected. It reports false when the
	// guard did not match.
	PatchRun(ctx context.Context, runID string, expected domain.RunStatus, patch domain.RunPatch) (bool, error)
	ListRunsByWorkspace(ctx context.Context, workspaceID string, after *domain.RunCursor, limit int) ([]domain.Run, error)
	ListRunsByThread(ctx context.Context, threadID string) ([]domain.Run, error)

	// Reconciliation queries
	FindIdleRuns(ctx context.Context, activeBefore time.Time, limit int) ([]domain.Run, error)
	FindRunsStartedBefore(ctx context.Context, status domain.RunStatus, startedBefore time.Time, limit int) ([]domain.Run, error)
	// FindExpiredIdleRuns and FindExpiredRunningRuns compare each run against
	// its own idle_timeout_ms / max_duration_ms, falling back to fallback
	// when the column is NULL.
	FindExpiredIdleRuns(ctx context.Context, now time.Time, fallback time.Duration, limit int) ([]domain.Run, error)
	FindExpiredRunningRuns(ctx context.Context, now time.Time, fallback time.Duration, limit int) ([]domain.Run, error)
	CountRunsByCreatorSince(ctx context.Context, createdBy string, since time.Time) (int, error)

	// Lifecycle
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
