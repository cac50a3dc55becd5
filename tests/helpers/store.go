package helpers

import (
	"context"
	"testing"
	"time"

	"github.com/xiaot623/gogo/sandboxrun/internal/access"
	"github.com/xiaot623/gogo/sandboxrun/internal/config"
	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
	"github.com/xiaot623/gogo/sandboxrun/internal/repository"
	"github.com/xiaot623/gogo/sandboxrun/policy"
)

func NewTestSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// NewTestGate builds an access gate over the default role policy with the
// membership cache disabled.
func NewTestGate(t *testing.T, source access.MembershipSource) *access.Gate {
	t.Helper()

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	gate, err := access.NewGate(source, engine, access.Config{})
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	t.Cleanup(gate.Close)
	return gate
}

// TestConfig returns the default configuration pointed at an in-memory
// database.
func TestConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Database.URL = ":memory:"
	return &cfg
}

// SeedWorkspace creates a workspace and grants each principal its role.
func SeedWorkspace(t *testing.T, s store.Store, workspaceID string, members map[string]domain.Role) {
	t.Helper()
	ctx := context.Background()

	if err := s.UpsertWorkspace(ctx, &domain.Workspace{WorkspaceID: workspaceID, CreatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertWorkspace: %v", err)
	}
	for principal, role := range members {
		m := &domain.Membership{WorkspaceID: workspaceID, PrincipalID: principal, Role: role, CreatedAt: time.Now()}
		if err := s.UpsertMembership(ctx, m); err != nil {
			t.Fatalf("UpsertMembership: %v", err)
		}
	}
}

// InsertRun writes a run directly, bypassing the lifecycle manager.
func InsertRun(t *testing.T, s store.Store, run *domain.Run) {
	t.Helper()
	if run.LastActivityAt.IsZero() {
		run.LastActivityAt = run.StartedAt
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
}
