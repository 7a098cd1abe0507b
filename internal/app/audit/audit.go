package audit

import (
	"context"
	"fmt"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
)

// ServiceConfig is the configuration for the audit service.
type ServiceConfig struct {
	Repository storage.AuditRepository
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Service reads the audit log of tasks.
type Service struct {
	repo   storage.AuditRepository
	logger log.Logger
}

// NewService creates a new audit service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// Request represents the audit request parameters.
type Request struct {
	TaskID string
	// RunID only returns the entries of a run.
	RunID string
	// DecisionFilter only returns the entries with this decision.
	DecisionFilter *model.AuditDecision
}

// Run returns the audit entries of a task in append order.
func (s *Service) Run(ctx context.Context, req Request) ([]model.AuditEntry, error) {
	entries, err := s.repo.ListAudit(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not list audit entries: %w", err)
	}

	filtered := make([]model.AuditEntry, 0, len(entries))
	for _, e := range entries {
		if req.RunID != "" && e.RunID != req.RunID {
			continue
		}
		if req.DecisionFilter != nil && e.Decision != *req.DecisionFilter {
			continue
		}
		filtered = append(filtered, e)
	}

	s.logger.Debugf("found %d audit entries", len(filtered))
	return filtered, nil
}
