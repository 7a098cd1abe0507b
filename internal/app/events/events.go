package events

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/slok/autopilot/internal/app/status"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
)

// ServiceConfig is the configuration for the events service.
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

// Service reads run event logs.
type Service struct {
	events storage.EventRepository
	runs   storage.RunRepository
	logger log.Logger
}

// NewService creates a new events service.
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

// Request represents the events request parameters.
type Request struct {
	TaskID string
	// RunID is the run to read, the latest run of the task when empty.
	RunID string
	// FromSeq skips the events before this sequence.
	FromSeq int64
	// Types only returns events of these types, all when empty.
	Types []model.EventType
}

// Result is the filtered event log of a run.
type Result struct {
	RunID  string
	Events []model.Event
}

// Run returns the events of a run in sequence order.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	runID, err := status.ResolveRun(ctx, s.runs, req.TaskID, req.RunID)
	if err != nil {
		return nil, err
	}

	all, err := s.events.ListEvents(ctx, req.TaskID, runID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not list events: %w", err)
	}

	events := make([]model.Event, 0, len(all))
	for _, e := range all {
		if e.Seq < req.FromSeq {
			continue
		}
		if len(req.Types) > 0 && !slices.Contains(req.Types, e.Type) {
			continue
		}
		events = append(events, e)
	}

	s.logger.Debugf("found %d of %d events of run %s", len(events), len(all), runID)
	return &Result{RunID: runID, Events: events}, nil
}
