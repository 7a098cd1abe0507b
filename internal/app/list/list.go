package list

import (
	"context"
	"fmt"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
)

// ServiceConfig is the configuration for the list service.
type ServiceConfig struct {
	Repository storage.RunRepository
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

// Service lists the runs of a task with optional filtering.
type Service struct {
	repo   storage.RunRepository
	logger log.Logger
}

// NewService creates a new list service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// Request represents the list request parameters.
type Request struct {
	TaskID string
	// StatusFilter is an optional filter to only show runs with this status.
	StatusFilter *model.RunStatus
	// ActiveOnly only shows runs that didn't reach a terminal status.
	ActiveOnly bool
}

// Run lists the runs of a task newest first, optionally filtered.
func (s *Service) Run(ctx context.Context, req Request) ([]model.Run, error) {
	s.logger.Debugf("listing runs of task %s with filter: %v", req.TaskID, req.StatusFilter)

	runs, err := s.repo.ListRuns(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not list runs: %w", err)
	}

	if req.StatusFilter != nil || req.ActiveOnly {
		filtered := make([]model.Run, 0, len(runs))
		for _, r := range runs {
			if req.StatusFilter != nil && r.Status != *req.StatusFilter {
				continue
			}
			if req.ActiveOnly && !r.Active() {
				continue
			}
			filtered = append(filtered, r)
		}
		runs = filtered
	}

	s.logger.Debugf("found %d runs", len(runs))
	return runs, nil
}
