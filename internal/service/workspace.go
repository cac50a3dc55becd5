package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
)

// UpsertWorkspace registers a workspace or renames it.
func (s *Service) UpsertWorkspace(ctx context.Context, workspaceID, name string) (*domain.Workspace, error) {
	if workspaceID == "" {
		return nil, domain.NewValidationError("workspace_id", "is required")
	}
	ws := &domain.Workspace{WorkspaceID: workspaceID, Name: name, CreatedAt: s.clock()}
	if err := s.store.UpsertWorkspace(ctx, ws); err != nil {
		return nil, fmt.Errorf("failed to upsert workspace: %w", err)
	}
	return ws, nil
}

// UpsertMembership grants principalID a role in an existing workspace.
func (s *Service) UpsertMembership(ctx context.Context, workspaceID, principalID string, role domain.Role) (*domain.Membership, error) {
	if principalID == "" {
		return nil, domain.NewValidationError("principal_id", "is required")
	}
	if !role.Valid() {
		return nil, domain.NewValidationError("role", "unknown role "+string(role))
	}

	exists, err := s.store.WorkspaceExists(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check workspace: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("workspace %s: %w", workspaceID, domain.ErrNotFound)
	}

	m := &domain.Membership{WorkspaceID: workspaceID, PrincipalID: principalID, Role: role, CreatedAt: s.clock()}
	if err := s.store.UpsertMembership(ctx, m); err != nil {
		return nil, fmt.Errorf("failed to upsert membership: %w", err)
	}
	s.gate.Forget(workspaceID, principalID)
	s.logger.Info("membership updated", "workspace_id", workspaceID, "principal_id", principalID, "role", role)
	return m, nil
}
