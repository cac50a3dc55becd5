package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xiaot623/gogo/sandboxrun/internal/access"
	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 200
)

// CreateRun inserts a new run in status booting.
func (s *Service) CreateRun(ctx context.Context, auth domain.Authorization, req domain.CreateRunRequest) (*domain.Run, error) {
	if !auth.Trusted() && auth.Principal() == "" {
		return nil, domain.ErrUnauthenticated
	}
	if err := s.validateCreate(req); err != nil {
		return nil, err
	}

	if auth.Trusted() {
		if req.CreatedBy == "" {
			return nil, domain.NewValidationError("created_by", "is required")
		}
		s.logger.Debug("trusted create", "workspace_id", req.WorkspaceID, "reason", auth.Reason())
	} else {
		if err := s.gate.Authorize(ctx, auth, req.WorkspaceID, domain.ActionRunCreate); err != nil {
			return nil, err
		}
		req.CreatedBy = auth.Principal()
	}

	exists, err := s.store.WorkspaceExists(ctx, req.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check workspace: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("workspace %s: %w", req.WorkspaceID, domain.ErrNotFound)
	}

	now := s.clock()
	run := &domain.Run{
		RunID:          newRunID(),
		ThreadID:       req.ThreadID,
		WorkspaceID:    req.WorkspaceID,
		CreatedBy:      req.CreatedBy,
		Status:         domain.RunStatusBooting,
		StartedAt:      now,
		LastActivityAt: now,
		MaxDurationMs:  req.MaxDurationMs,
		IdleTimeoutMs:  req.IdleTimeoutMs,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	s.metrics.RecordCreated(ctx)
	s.logger.Info("run created", "run_id", run.RunID, "thread_id", run.ThreadID, "workspace_id", run.WorkspaceID)
	return run, nil
}

func (s *Service) validateCreate(req domain.CreateRunRequest) error {
	if strings.TrimSpace(req.ThreadID) == "" {
		return domain.NewValidationError("thread_id", "is required")
	}
	if max := s.config.Lifecycle.ThreadIDMaxLength; len(req.ThreadID) > max {
		return domain.NewValidationError("thread_id", fmt.Sprintf("exceeds %d characters", max))
	}
	if req.WorkspaceID == "" {
		return domain.NewValidationError("workspace_id", "is required")
	}
	if req.MaxDurationMs != nil && *req.MaxDurationMs <= 0 {
		return domain.NewValidationError("max_duration_ms", "must be > 0")
	}
	if req.IdleTimeoutMs != nil && *req.IdleTimeoutMs <= 0 {
		return domain.NewValidationError("idle_timeout_ms", "must be > 0")
	}
	return nil
}

// GetRun returns the run, or nil when it does not exist or the caller may not
// read it.
func (s *Service) GetRun(ctx context.Context, auth domain.Authorization, runID string) (*domain.Run, error) {
	if !auth.Trusted() && auth.Principal() == "" {
		return nil, domain.ErrUnauthenticated
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, nil
	}

	if err := s.gate.Authorize(ctx, auth, run.WorkspaceID, domain.ActionRunRead); err != nil {
		if errors.Is(err, domain.ErrUnauthorized) {
			return nil, nil
		}
		return nil, err
	}
	return run, nil
}

// ListRunsByWorkspace returns one page of the workspace's runs, newest first.
func (s *Service) ListRunsByWorkspace(ctx context.Context, auth domain.Authorization, workspaceID string, page domain.PageRequest) (*domain.RunPage, error) {
	if err := s.gate.Authorize(ctx, auth, workspaceID, domain.ActionRunRead); err != nil {
		return nil, err
	}

	limit := page.Limit
	switch {
	case limit < 0:
		return nil, domain.NewValidationError("limit", "must be >= 0")
	case limit == 0:
		limit = defaultPageLimit
	case limit > maxPageLimit:
		limit = maxPageLimit
	}

	var after *domain.RunCursor
	if page.Token != "" {
		cursor, err := decodePageToken(page.Token)
		if err != nil {
			return nil, err
		}
		after = &cursor
	}

	runs, err := s.store.ListRunsByWorkspace(ctx, workspaceID, after, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	result := &domain.RunPage{Runs: runs}
	if len(runs) > limit {
		result.Runs = runs[:limit]
		last := result.Runs[limit-1]
		result.NextToken = encodePageToken(domain.RunCursor{StartedAt: last.StartedAt, RunID: last.RunID})
	}
	if result.Runs == nil {
		result.Runs = []domain.Run{}
	}
	return result, nil
}

// ListRunsByThread returns the thread's runs the caller may read, oldest
// first.
func (s *Service) ListRunsByThread(ctx context.Context, auth domain.Authorization, threadID string) ([]domain.Run, error) {
	if !auth.Trusted() && auth.Principal() == "" {
		return nil, domain.ErrUnauthenticated
	}

	runs, err := s.store.ListRunsByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread runs: %w", err)
	}
	if auth.Trusted() {
		return runs, nil
	}

	readable := map[string]bool{}
	visible := make([]domain.Run, 0, len(runs))
	for _, run := range runs {
		ok, seen := readable[run.WorkspaceID]
		if !seen {
			err := s.gate.Authorize(ctx, auth, run.WorkspaceID, domain.ActionRunRead)
			if err != nil && !errors.Is(err, domain.ErrUnauthorized) {
				return nil, err
			}
			ok = err == nil
			readable[run.WorkspaceID] = ok
		}
		if ok {
			visible = append(visible, run)
		}
	}
	return visible, nil
}

// encodePageToken packs a cursor as base64("<started_at_ms>:<run_id>").
func encodePageToken(c domain.RunCursor) string {
	raw := strconv.FormatInt(c.StartedAt.UnixMilli(), 10) + ":" + c.RunID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodePageToken(token string) (domain.RunCursor, error) {
	invalid := domain.NewValidationError("page_token", "is malformed")

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return domain.RunCursor{}, invalid
	}
	ms, runID, ok := strings.Cut(string(raw), ":")
	if !ok || runID == "" {
		return domain.RunCursor{}, invalid
	}
	startedAt, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return domain.RunCursor{}, invalid
	}
	return domain.RunCursor{StartedAt: time.UnixMilli(startedAt), RunID: runID}, nil
}

// isNotMember reports whether err means the caller has no membership at all,
// as opposed to a role the policy rejects.
func isNotMember(err error) bool {
	return errors.Is(err, access.ErrNotMember)
}
