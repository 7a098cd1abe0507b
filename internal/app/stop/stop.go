package stop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
)

// ServiceConfig is the configuration for the stop service.
type ServiceConfig struct {
	Events storage.EventRepository
	Runs   storage.RunRepository
	Logger log.Logger
	Now    func() time.Time
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
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.Stop"})

	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}

	return nil
}

// Service aborts runs that are waiting, a run iterating in a process is
// stopped by interrupting that process.
type Service struct {
	events storage.EventRepository
	runs   storage.RunRepository
	logger log.Logger
	now    func() time.Time
}

// NewService creates a new stop service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		events: cfg.Events,
		runs:   cfg.Runs,
		logger: cfg.Logger,
		now:    cfg.Now,
	}, nil
}

// Request represents the stop request parameters.
type Request struct {
	TaskID string
	// RunID is the run to abort, the active run of the task when empty.
	RunID string
}

// Run aborts a PAUSED, AWAITING_USER or IDLE run into ERROR.
func (s *Service) Run(ctx context.Context, req Request) (*kernel.State, error) {
	runID := req.RunID
	if runID == "" {
		r, err := s.runs.GetActiveRun(ctx, req.TaskID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil, fmt.Errorf("task %s has no active run: %w", req.TaskID, model.ErrNotFound)
			}
			return nil, fmt.Errorf("could not get active run: %w", err)
		}
		runID = r.ID
	}

	st, err := kernel.Record(ctx, kernel.RecordConfig{
		TaskID: req.TaskID,
		RunID:  runID,
		Events: s.events,
		Runs:   s.runs,
		Logger: s.logger,
		Now:    s.now,
	}, func(st kernel.State) ([]model.EventPayload, error) {
		return []model.EventPayload{
			model.StateChanged{From: st.Status, To: model.RunStatusError, Reason: model.ReasonAborted},
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not abort run: %w", err)
	}

	s.logger.Infof("Run %s aborted", runID)
	return st, nil
}
