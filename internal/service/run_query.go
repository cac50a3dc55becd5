package service

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/sandboxrun/internal/domain"
)

// FindIdleRuns returns every running run holding a sandbox whose last
// activity is older than maxIdle, oldest first.
func (s *Service) FindIdleRuns(ctx context.Context, maxIdle time.Duration) ([]domain.Run, error) {
	if maxIdle <= 0 {
		return nil, domain.NewValidationError("max_idle", "must be > 0")
	}
	runs, err := s.store.FindIdleRuns(ctx, s.clock().Add(-maxIdle), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to find idle runs: %w", err)
	}
	return runs, nil
}

// FindStuckBootingRuns returns every booting run started more than maxBoot ago.
func (s *Service) FindStuckBootingRuns(ctx context.Context, maxBoot time.Duration) ([]domain.Run, error) {
	return s.findStuckBooting(ctx, maxBoot, 0)
}

// FindOverdueRuns returns running runs past their max_duration_ms, or past
// maxDuration when the run carries no override.
func (s *Service) FindOverdueRuns(ctx context.Context, maxDuration time.Duration) ([]domain.Run, error) {
	return s.findOverdue(ctx, maxDuration, 0)
}

// findExpiredIdle returns up to limit running runs idle for longer than
// their idle_timeout_ms, or maxIdle when unset.
func (s *Service) findExpiredIdle(ctx context.Context, maxIdle time.Duration, limit int) ([]domain.Run, error) {
	if maxIdle <= 0 {
		return nil, domain.NewValidationError("max_idle", "must be > 0")
	}
	runs, err := s.store.FindExpiredIdleRuns(ctx, s.clock(), maxIdle, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find idle runs: %w", err)
	}
	return runs, nil
}

func (s *Service) findStuckBooting(ctx context.Context, maxBoot time.Duration, limit int) ([]domain.Run, error) {
	if maxBoot <= 0 {
		return nil, domain.NewValidationError("max_boot", "must be > 0")
	}
	runs, err := s.store.FindRunsStartedBefore(ctx, domain.RunStatusBooting, s.clock().Add(-maxBoot), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find stuck runs: %w", err)
	}
	return runs, nil
}

func (s *Service) findOverdue(ctx context.Context, maxDuration time.Duration, limit int) ([]domain.Run, error) {
	if maxDuration <= 0 {
		return nil, domain.NewValidationError("max_duration", "must be > 0")
	}
	runs, err := s.store.FindExpiredRunningRuns(ctx, s.clock(), maxDuration, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find overdue runs: %w", err)
	}
	return runs, nil
}

// CountRecentRunsByUser counts runs userID started within window.
func (s *Service) CountRecentRunsByUser(ctx context.Context, userID string, window time.Duration) (int, error) {
	if window <= 0 {
		return 0, domain.NewValidationError("window", "must be > 0")
	}
	return s.CountRunsByUserSince(ctx, userID, s.clock().Add(-window))
}

// CountRunsByUserSince counts runs userID started at or after since.
func (s *Service) CountRunsByUserSince(ctx context.Context, userID string, since time.Time) (int, error) {
	if userID == "" {
		return 0, domain.NewValidationError("user_id", "is required")
	}
	n, err := s.store.CountRunsByCreatorSince(ctx, userID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count runs: %w", err)
	}
	return n, nil
}

// CheckRateLimit returns ErrRateLimited when principal already started
// rate_limit.max_runs runs inside rate_limit.window.
func (s *Service) CheckRateLimit(ctx context.Context, principal string) error {
	limit := s.config.RateLimit
	if limit.MaxRuns <= 0 || principal == "" {
		return nil
	}
	n, err := s.CountRecentRunsByUser(ctx, principal, limit.Window)
	if err != nil {
		return err
	}
	if n >= limit.MaxRuns {
		return fmt.Errorf("%w: %d runs in the last %s", domain.ErrRateLimited, n, limit.Window)
	}
	return nil
}
