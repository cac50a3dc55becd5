// Package service implements the sandbox run lifecycle manager and the
// reconciliation sweeper.
package service

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiaot623/gogo/sandboxrun/internal/access"
	"github.com/xiaot623/gogo/sandboxrun/internal/config"
	"github.com/xiaot623/gogo/sandboxrun/internal/repository"
	"github.com/xiaot623/gogo/sandboxrun/internal/telemetry"
)

// Service is the lifecycle manager. Every operation takes a
// domain.Authorization that says whether the caller still needs an access
// check.
type Service struct {
	store   store.Store
	gate    *access.Gate
	config  *config.Config
	logger  *log.Logger
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New creates a new lifecycle service. A nil metrics records nothing.
func New(store store.Store, gate *access.Gate, cfg *config.Config, logger *log.Logger, metrics *telemetry.Metrics) *Service {
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	return &Service{
		store:   store,
		gate:    gate,
		config:  cfg,
		logger:  logger.With("component", "lifecycle"),
		metrics: metrics,
		now:     time.Now,
	}
}

// clock returns the current time at the millisecond precision runs are
// stored with.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}
