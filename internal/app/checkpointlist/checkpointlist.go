package checkpointlist

import (
	"context"
	"fmt"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
)

// ServiceConfig is the configuration for the checkpoint list service.
type ServiceConfig struct {
	Repository storage.CheckpointRepository
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

// Service lists checkpoints.
type Service struct {
	repo   storage.CheckpointRepository
	logger log.Logger
}

// NewService creates a new checkpoint list service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// Request represents the checkpoint list request parameters.
type Request struct {
	TaskID string
	// ParentID only returns the checkpoints branched from this one.
	ParentID int
}

// Run lists the checkpoints of a task in creation order.
func (s *Service) Run(ctx context.Context, req Request) ([]model.Checkpoint, error) {
	checkpoints, err := s.repo.ListCheckpoints(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not list checkpoints: %w", err)
	}

	if req.ParentID > 0 {
		filtered := make([]model.Checkpoint, 0, len(checkpoints))
		for _, c := range checkpoints {
			if c.ParentID == req.ParentID {
				filtered = append(filtered, c)
			}
		}
		checkpoints = filtered
	}

	s.logger.Debugf("found %d checkpoints", len(checkpoints))
	return checkpoints, nil
}
