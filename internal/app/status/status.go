package status

import (
	"context"
	"errors"
	"fmt"

	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
)

// ServiceConfig is the configuration for the status service.
type ServiceConfig struct {
	Events storage.EventRepository
	Runs   storage.RunRepository
	Logger log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Events == nil {
		return fmt.Errorf("event repository is required")
	}

	if c.Runs == nil {
		return fmt.Errorf("run repository is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Service rebuilds the state of runs from their event logs.
type Service struct {
	events storage.EventRepository
	runs   storage.RunRepository
	logger log.Logger
}

// NewService creates a new status service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		events: cfg.Events,
		runs:   cfg.Runs,
		logger: cfg.Logger,
	}, nil
}

// Request represents the status request parameters.
type Request struct {
	TaskID string
	// RunID is the run to replay, the latest run of the task when empty.
	RunID string
}

// Run replays the event log of a run. The result only depends on the log, the
// run index is used to find the run.
func (s *Service) Run(ctx context.Context, req Request) (*kernel.State, error) {
	runID, err := ResolveRun(ctx, s.runs, req.TaskID, req.RunID)
	if err != nil {
		return nil, err
	}

	events, err := s.events.ListEvents(ctx, req.TaskID, runID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not list events: %w", err)
	}

	st, err := kernel.Replay(req.TaskID, runID, events)
	if err != nil {
		return nil, fmt.Errorf("could not replay run %s: %w", runID, err)
	}

	s.logger.Debugf("run %s replayed from %d events", runID, len(events))
	return st, nil
}

// ResolveRun returns the run id of a request, the latest run of the task when
// none is requested.
func ResolveRun(ctx context.Context, runs storage.RunRepository, taskID, runID string) (string, error) {
	if runID != "" {
		r, err := runs.GetRun(ctx, runID)
		if err != nil {
			return "", fmt.Errorf("could not get run: %w", err)
		}
		if r.TaskID != taskID {
			return "", fmt.Errorf("run %s belongs to task %s: %w", r.ID, r.TaskID, model.ErrNotFound)
		}
		return r.ID, nil
	}

	all, err := runs.ListRuns(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("could not list runs: %w", err)
	}
	if len(all) == 0 {
		return "", fmt.Errorf("task %s has no runs: %w", taskID, model.ErrNotFound)
	}
	return all[0].ID, nil
}
