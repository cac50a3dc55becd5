package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
)

// UpdateRun applies patch to the run. The record is re-read right before the
// decision and written with a status-guarded patch, so of two concurrent
// conflicting updates at most one succeeds. The write is never retried.
func (s *Service) UpdateRun(ctx context.Context, auth domain.Authorization, runID string, patch domain.RunPatch, opts domain.UpdateOptions) (domain.UpdateResult, error) {
	if !auth.Trusted() && auth.Principal() == "" {
		return domain.UpdateResult{}, domain.ErrUnauthenticated
	}

	current, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return domain.UpdateResult{}, fmt.Errorf("failed to get run: %w", err)
	}
	if current == nil {
		return domain.UpdateResult{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}

	if auth.Trusted() {
		s.logger.Debug("trusted update", "run_id", runID, "reason", auth.Reason())
	} else if err := s.gate.Authorize(ctx, auth, current.WorkspaceID, domain.ActionRunUpdate); err != nil {
		if isNotMember(err) {
			return domain.UpdateResult{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
		}
		return domain.UpdateResult{}, err
	}

	write, result, err := s.planUpdate(current, patch, opts)
	if err != nil {
		return domain.UpdateResult{}, err
	}
	if result.Skipped {
		s.recordSkip(ctx, runID, current.Status)
		return result, nil
	}
	if write.Empty() {
		return result, nil
	}

	applied, err := s.store.PatchRun(ctx, runID, current.Status, write)
	if err != nil {
		return domain.UpdateResult{}, fmt.Errorf("failed to update run: %w", err)
	}
	if !applied {
		return s.classifyMiss(ctx, runID, patch, opts)
	}

	if write.Status != nil {
		s.metrics.RecordTransition(ctx, current.Status, *write.Status)
		s.logger.Info("run transitioned", "run_id", runID, "from", current.Status, "to", *write.Status)
	}
	return domain.UpdateResult{Updated: true}, nil
}

// planUpdate checks patch against the freshly read record and returns the
// fields that actually need writing. An empty write with Updated set means
// nothing changes.
func (s *Service) planUpdate(current *domain.Run, patch domain.RunPatch, opts domain.UpdateOptions) (domain.RunPatch, domain.UpdateResult, error) {
	skipped := domain.UpdateResult{Skipped: true, Reason: domain.SkipReasonTerminal}
	target := current.Status

	if patch.Status != nil {
		target = *patch.Status
		if !domain.ValidateTransition(current.Status, target) {
			if opts.SkipTerminal && domain.IsTerminal(current.Status) {
				return domain.RunPatch{}, skipped, nil
			}
			return domain.RunPatch{}, domain.UpdateResult{}, &domain.TransitionError{From: current.Status, To: target}
		}
	}

	if domain.IsTerminal(current.Status) {
		if field := terminalDiff(current, patch); field != "" {
			if opts.SkipTerminal {
				return domain.RunPatch{}, skipped, nil
			}
			return domain.RunPatch{}, domain.UpdateResult{}, domain.NewValidationError(field, "run is terminal")
		}
		return domain.RunPatch{}, domain.UpdateResult{Updated: true}, nil
	}

	var write domain.RunPatch
	entering := target != current.Status
	terminal := domain.IsTerminal(target)

	if patch.SandboxID != nil {
		switch {
		case *patch.SandboxID == "":
			return domain.RunPatch{}, domain.UpdateResult{}, domain.NewValidationError("sandbox_id", "must not be empty")
		case current.SandboxID == "":
			write.SandboxID = patch.SandboxID
		case current.SandboxID != *patch.SandboxID:
			return domain.RunPatch{}, domain.UpdateResult{}, domain.NewValidationError("sandbox_id", "already set to "+current.SandboxID)
		}
	}

	if patch.LastActivityAt != nil {
		if patch.LastActivityAt.Before(current.StartedAt) {
			return domain.RunPatch{}, domain.UpdateResult{}, domain.NewValidationError("last_activity_at", "precedes started_at")
		}
		if patch.LastActivityAt.After(current.LastActivityAt) {
			write.LastActivityAt = patch.LastActivityAt
		}
	}

	if patch.FinishedAt != nil {
		if !terminal {
			return domain.RunPatch{}, domain.UpdateResult{}, domain.NewValidationError("finished_at", "requires a terminal status")
		}
		if patch.FinishedAt.Before(current.StartedAt) {
			return domain.RunPatch{}, domain.UpdateResult{}, domain.NewValidationError("finished_at", "precedes started_at")
		}
		write.FinishedAt = patch.FinishedAt
	}

	if patch.Error != nil {
		if !domain.FailureIndicating(target) {
			return domain.RunPatch{}, domain.UpdateResult{}, domain.NewValidationError("error", "requires status failed or canceled")
		}
		if patch.Error.Message == "" {
			return domain.RunPatch{}, domain.UpdateResult{}, domain.NewValidationError("error.message", "is required")
		}
		write.Error = patch.Error
	}

	if patch.E2BCost != nil {
		cost := *patch.E2BCost
		if cost < 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
			return domain.RunPatch{}, domain.UpdateResult{}, domain.NewValidationError("e2b_cost", "must be a finite number >= 0")
		}
		if current.E2BCost == nil || *current.E2BCost != cost {
			write.E2BCost = patch.E2BCost
		}
	}

	if entering {
		write.Status = &target
		if terminal && write.FinishedAt == nil {
			now := s.clock()
			write.FinishedAt = &now
		}
	}

	return write, domain.UpdateResult{Updated: true}, nil
}

// classifyMiss explains a status-guarded write that matched no row. The
// record is read once more for classification only.
func (s *Service) classifyMiss(ctx context.Context, runID string, patch domain.RunPatch, opts domain.UpdateOptions) (domain.UpdateResult, error) {
	fresh, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return domain.UpdateResult{}, fmt.Errorf("failed to get run: %w", err)
	}
	if fresh == nil {
		return domain.UpdateResult{}, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}

	if opts.SkipTerminal && domain.IsTerminal(fresh.Status) {
		s.recordSkip(ctx, runID, fresh.Status)
		return domain.UpdateResult{Skipped: true, Reason: domain.SkipReasonTerminal}, nil
	}
	if patch.Status != nil && !domain.ValidateTransition(fresh.Status, *patch.Status) {
		return domain.UpdateResult{}, &domain.TransitionError{From: fresh.Status, To: *patch.Status}
	}
	return domain.UpdateResult{}, fmt.Errorf("run %s: %w", runID, domain.ErrConflict)
}

func (s *Service) recordSkip(ctx context.Context, runID string, status domain.RunStatus) {
	s.metrics.RecordSkipped(ctx)
	s.logger.Debug("update skipped", "run_id", runID, "status", status, "reason", domain.SkipReasonTerminal)
}

// terminalDiff names the first supplied field whose value differs from the
// stored one, or returns "" when the patch would change nothing.
func terminalDiff(current *domain.Run, patch domain.RunPatch) string {
	switch {
	case patch.SandboxID != nil && *patch.SandboxID != current.SandboxID:
		return "sandbox_id"
	case patch.FinishedAt != nil && !sameMillis(patch.FinishedAt, current.FinishedAt):
		return "finished_at"
	case patch.LastActivityAt != nil && !sameMillis(patch.LastActivityAt, &current.LastActivityAt):
		return "last_activity_at"
	case patch.E2BCost != nil && (current.E2BCost == nil || *patch.E2BCost != *current.E2BCost):
		return "e2b_cost"
	case patch.Error != nil && !patch.Error.Equal(current.Error):
		return "error"
	}
	return ""
}

func sameMillis(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.UnixMilli() == b.UnixMilli()
}
