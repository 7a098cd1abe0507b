package checkpointcreate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/slok/autopilot/internal/checkpoint"
	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
	"github.com/slok/autopilot/internal/workspace"
)

// Repository is the persistence the checkpoint create service needs.
type Repository interface {
	storage.TaskRepository
	storage.EventRepository
	storage.CheckpointRepository
}

// ServiceConfig is the configuration for the checkpoint create service.
type ServiceConfig struct {
	Repository Repository
	Runs       storage.RunRepository
	// Tree returns the checkpoint tree of the workspace, a plain directory tree when missing.
	Tree   checkpoint.TreeFunc
	Logger log.Logger
	Now    func() time.Time
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Runs == nil {
		return fmt.Errorf("run repository is required")
	}

	if c.Tree == nil {
		c.Tree = func(_ context.Context, root string) (checkpoint.Tree, error) { return checkpoint.NewDirTree(root), nil }
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.CheckpointCreate"})

	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

// Service creates checkpoints of task workspaces.
type Service struct {
	repo   Repository
	runs   storage.RunRepository
	tree   checkpoint.TreeFunc
	logger log.Logger
	now    func() time.Time
}

// NewService creates a new checkpoint create service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		runs:   cfg.Runs,
		tree:   cfg.Tree,
		logger: cfg.Logger,
		now:    cfg.Now,
	}, nil
}

// Request represents a checkpoint creation request.
type Request struct {
	TaskID string
	Label  string
}

// Run snapshots the workspace of a task. When the task has a run waiting for
// the user the checkpoint is recorded in its log, a run iterating in a process
// is rejected.
func (s *Service) Run(ctx context.Context, req Request) (*model.Checkpoint, error) {
	task, err := s.repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	active, err := s.runs.GetActiveRun(ctx, task.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("could not get active run: %w", err)
	}
	if active != nil && active.Status == model.RunStatusRunning {
		return nil, fmt.Errorf("run %s is iterating: %w", active.ID, model.ErrInvalidTransition)
	}

	ws, err := workspace.New(task.Workspace)
	if err != nil {
		return nil, fmt.Errorf("could not open workspace: %w", err)
	}

	tree, err := s.tree(ctx, ws.Root())
	if err != nil {
		return nil, fmt.Errorf("could not get workspace tree: %w", err)
	}

	m, err := checkpoint.NewManager(checkpoint.ManagerConfig{
		TaskID:     task.ID,
		Workspace:  ws,
		Tree:       tree,
		Repository: s.repo,
		Logger:     s.logger,
		Now:        s.now,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create checkpoint manager: %w", err)
	}

	if active == nil {
		cp, err := m.Create(ctx, req.Label)
		if err != nil {
			return nil, fmt.Errorf("could not create checkpoint: %w", err)
		}
		s.logger.Infof("Checkpoint %d created", cp.ID)
		return cp, nil
	}

	var cp *model.Checkpoint
	_, err = kernel.Record(ctx, kernel.RecordConfig{
		TaskID: task.ID,
		RunID:  active.ID,
		Events: s.repo,
		Runs:   s.runs,
		Logger: s.logger,
		Now:    s.now,
	}, func(kernel.State) ([]model.EventPayload, error) {
		c, err := m.Create(ctx, req.Label)
		if err != nil {
			return nil, fmt.Errorf("could not create checkpoint: %w", err)
		}
		cp = c
		return []model.EventPayload{model.CheckpointCreated{Checkpoint: *c}}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Checkpoint %d created in run %s", cp.ID, active.ID)
	return cp, nil
}
