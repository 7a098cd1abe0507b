package taskinit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/storage"
)

// TaskLoader loads a task configuration document.
type TaskLoader interface {
	GetTask(ctx context.Context, path string) (model.Task, *model.Plan, error)
}

// ServiceConfig is the configuration for the task init service.
type ServiceConfig struct {
	Loader     TaskLoader
	Repository storage.TaskRepository
	Runs       storage.RunRepository
	Logger     log.Logger
	Now        func() time.Time
}

func (c *ServiceConfig) defaults() error {
	if c.Loader == nil {
		return fmt.Errorf("loader is required")
	}
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Runs == nil {
		return fmt.Errorf("run repository is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.TaskInit"})
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

// Service registers task configurations so they can be run.
type Service struct {
	loader TaskLoader
	repo   storage.TaskRepository
	runs   storage.RunRepository
	logger log.Logger
	now    func() time.Time
}

// NewService creates a new task init service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		loader: cfg.Loader,
		repo:   cfg.Repository,
		runs:   cfg.Runs,
		logger: cfg.Logger,
		now:    cfg.Now,
	}, nil
}

// Request represents the task init request parameters.
type Request struct {
	// Path is the config document path for the loader.
	Path string
	// BaseDir resolves relative workspaces, usually the config document directory.
	BaseDir string
}

// Result is the registered task.
type Result struct {
	Task model.Task
	Plan *model.Plan
}

// Run loads, validates and stores a task configuration. A task can be
// registered again to change it, unless it has an active run.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	task, plan, err := s.loader.GetTask(ctx, req.Path)
	if err != nil {
		return nil, fmt.Errorf("could not load task: %w", err)
	}

	if !filepath.IsAbs(task.Workspace) {
		task.Workspace = filepath.Join(req.BaseDir, task.Workspace)
	}
	abs, err := filepath.Abs(task.Workspace)
	if err != nil {
		return nil, fmt.Errorf("could not resolve workspace: %w", err)
	}
	task.Workspace = abs

	run, err := s.runs.GetActiveRun(ctx, task.ID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("task %s has the active run %s (%s): %w", task.ID, run.ID, run.Status, model.ErrAlreadyExists)
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("could not check active runs: %w", err)
	}

	task.CreatedAt = s.now()
	prev, err := s.repo.GetTask(ctx, task.ID)
	switch {
	case err == nil:
		task.CreatedAt = prev.CreatedAt
		s.logger.Infof("Updating task %s", task.ID)
	case !errors.Is(err, model.ErrNotFound):
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	if err := s.repo.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("could not save task: %w", err)
	}
	// Without a plan the stored one is reset, runs will draft their own.
	stored := model.Plan{Goal: task.Goal, Steps: []model.Step{}}
	if plan != nil {
		stored = *plan
	}
	if err := s.repo.SavePlan(ctx, task.ID, stored); err != nil {
		return nil, fmt.Errorf("could not save plan: %w", err)
	}

	s.logger.Infof("Task %s registered with workspace %s", task.ID, task.Workspace)
	return &Result{Task: task, Plan: plan}, nil
}
