package checkpointrestore

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

// Repository is the persistence the checkpoint restore service needs.
type Repository interface {
	storage.TaskRepository
	storage.EventRepository
	storage.CheckpointRepository
}

// ServiceConfig is the configuration for the checkpoint restore service.
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

	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.CheckpointRestore"})

	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

// Service restores task workspaces to checkpoints.
type Service struct {
	repo   Repository
	runs   storage.RunRepository
	tree   checkpoint.TreeFunc
	logger log.Logger
	now    func() time.Time
}

// NewService creates a new checkpoint restore service.
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

// Request represents a checkpoint restore request.
type Request struct {
	TaskID string
	ID     int
	// Branch records a new checkpoint that starts a branch from the restored one.
	Branch bool
	// Label is the label of the branch checkpoint.
	Label string
}

// Result is the outcome of a restore.
type Result struct {
	// Branch is the checkpoint of the new branch, if any.
	Branch *model.Checkpoint
}

// Run restores the workspace of a task. When the task has a run waiting for
// the user the restore is recorded in its log, a run iterating in a process
// is rejected.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
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

	res := &Result{}
	restore := func() (model.CheckpointRestored, error) {
		if !req.Branch {
			if err := m.Restore(ctx, req.ID); err != nil {
				return model.CheckpointRestored{}, fmt.Errorf("could not restore checkpoint %d: %w", req.ID, err)
			}
			return model.CheckpointRestored{ID: req.ID}, nil
		}

		c, err := m.Branch(ctx, req.ID, req.Label)
		if err != nil {
			return model.CheckpointRestored{}, fmt.Errorf("could not branch checkpoint %d: %w", req.ID, err)
		}
		res.Branch = c
		return model.CheckpointRestored{ID: req.ID, BranchID: c.ID}, nil
	}

	if active == nil {
		if _, err := restore(); err != nil {
			return nil, err
		}
		s.logger.Infof("Checkpoint %d restored", req.ID)
		return res, nil
	}

	_, err = kernel.Record(ctx, kernel.RecordConfig{
		TaskID: task.ID,
		RunID:  active.ID,
		Events: s.repo,
		Runs:   s.runs,
		Logger: s.logger,
		Now:    s.now,
	}, func(kernel.State) ([]model.EventPayload, error) {
		p, err := restore()
		if err != nil {
			return nil, err
		}
		return []model.EventPayload{p}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Infof("Checkpoint %d restored in run %s", req.ID, active.ID)
	return res, nil
}
