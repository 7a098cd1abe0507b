package taskrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/run"
	"github.com/oklog/ulid/v2"

	"github.com/slok/autopilot/internal/checkpoint"
	"github.com/slok/autopilot/internal/eventlog"
	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/proposer"
	"github.com/slok/autopilot/internal/storage"
	"github.com/slok/autopilot/internal/tool"
	"github.com/slok/autopilot/internal/workspace"
)

// Tools are the collaborators of a run bound to the task workspace.
type Tools struct {
	Terminal   tool.Terminal
	Filesystem tool.Filesystem
	Git        tool.Git
	Browser    tool.Browser
	// Tree is the checkpoint tree, a plain directory tree is used when missing.
	Tree checkpoint.Tree
	// Close releases the collaborators, optional.
	Close func(ctx context.Context) error
}

// ToolsFactory returns the collaborators of a task.
type ToolsFactory func(ctx context.Context, task model.Task, ws *workspace.Workspace) (*Tools, error)

// Repository is the persistence a run needs besides the run index and the audit log.
type Repository interface {
	storage.TaskRepository
	storage.EventRepository
	storage.CheckpointRepository
}

// ServiceConfig is the configuration for the task run service.
type ServiceConfig struct {
	Repository Repository
	Runs       storage.RunRepository
	Audit      storage.AuditRepository
	Proposer   proposer.Proposer
	// Planner drafts the plan of tasks without one, optional.
	Planner proposer.Planner
	Tools   ToolsFactory
	Env     []string
	// EventBuffer is the event subscription buffer of the follower.
	EventBuffer int
	Logger      log.Logger
	NewID       func() string
	Now         func() time.Time
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}
	if c.Runs == nil {
		return fmt.Errorf("run repository is required")
	}
	if c.Audit == nil {
		return fmt.Errorf("audit repository is required")
	}
	if c.Proposer == nil {
		return fmt.Errorf("proposer is required")
	}
	if c.Tools == nil {
		return fmt.Errorf("tools factory is required")
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.TaskRun"})
	if c.NewID == nil {
		c.NewID = func() string { return ulid.Make().String() }
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

// Service runs tasks: it starts new runs and resumes persisted ones.
type Service struct {
	repo        Repository
	runs        storage.RunRepository
	audit       storage.AuditRepository
	proposer    proposer.Proposer
	planner     proposer.Planner
	tools       ToolsFactory
	env         []string
	eventBuffer int
	logger      log.Logger
	newID       func() string
	now         func() time.Time
}

// NewService creates a new task run service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:        cfg.Repository,
		runs:        cfg.Runs,
		audit:       cfg.Audit,
		proposer:    cfg.Proposer,
		planner:     cfg.Planner,
		tools:       cfg.Tools,
		env:         cfg.Env,
		eventBuffer: cfg.EventBuffer,
		logger:      cfg.Logger,
		newID:       cfg.NewID,
		now:         cfg.Now,
	}, nil
}

// Request represents the task run request parameters.
type Request struct {
	TaskID string
	// RunID resumes a persisted run, a new run is started when empty.
	RunID string
	// Input is sent to a resumed run instead of a plain resume.
	Input *kernel.UserInput
	// OnEvent receives the events appended while the run iterates, optional.
	OnEvent func(e model.Event) error
}

// Result is the state of the run once it stopped iterating.
type Result struct {
	RunID string
	State kernel.State
}

// Run starts or resumes a run and follows it until it leaves RUNNING. Cancelling
// the context aborts an iterating run and kills the in flight tool call, runs
// waiting for the user are left to be resumed.
func (s *Service) Run(ctx context.Context, req Request) (*Result, error) {
	task, err := s.repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	ws, err := workspace.New(task.Workspace)
	if err != nil {
		return nil, fmt.Errorf("could not open workspace: %w", err)
	}

	tools, err := s.tools(ctx, *task, ws)
	if err != nil {
		return nil, fmt.Errorf("could not create tools: %w", err)
	}
	if tools.Close != nil {
		defer func() {
			if err := tools.Close(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warningf("Could not close tools: %s", err)
			}
		}()
	}

	cps, err := checkpoint.NewManager(checkpoint.ManagerConfig{
		TaskID:     task.ID,
		Workspace:  ws,
		Tree:       tools.Tree,
		Repository: s.repo,
		Logger:     s.logger,
		Now:        s.now,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create checkpoint manager: %w", err)
	}

	kcfg := kernel.Config{
		Task:        *task,
		Workspace:   ws,
		Proposer:    s.proposer,
		Planner:     s.planner,
		Terminal:    tools.Terminal,
		Filesystem:  tools.Filesystem,
		Git:         tools.Git,
		Browser:     tools.Browser,
		Checkpoints: cps,
		Audit:       s.audit,
		Runs:        s.runs,
		Tasks:       s.repo,
		Env:         s.env,
		Logger:      s.logger,
		Now:         s.now,
	}

	var command func(ctx context.Context, k *kernel.Kernel) error
	if req.RunID == "" {
		kcfg.Log, kcfg.Plan, err = s.newRun(ctx, *task)
		command = func(ctx context.Context, k *kernel.Kernel) error { return k.Start(ctx) }
	} else {
		kcfg.Log, kcfg.Events, err = s.openRun(ctx, *task, req.RunID)
		command = func(ctx context.Context, k *kernel.Kernel) error {
			if req.Input != nil {
				return k.UserInput(ctx, *req.Input)
			}
			return k.Resume(ctx)
		}
	}
	if err != nil {
		return nil, err
	}
	defer kcfg.Log.Close()

	k, err := kernel.New(kcfg)
	if err != nil {
		if req.RunID == "" {
			s.abandon(context.WithoutCancel(ctx), kcfg.Log.RunID(), err)
		}
		return nil, fmt.Errorf("could not create kernel: %w", err)
	}

	sub := k.Subscribe(s.eventBuffer)
	defer sub.Cancel()

	onEvent := req.OnEvent
	if onEvent == nil {
		onEvent = func(model.Event) error { return nil }
	}

	var g run.Group
	{
		kctx, kcancel := context.WithCancel(context.WithoutCancel(ctx))
		g.Add(
			func() error { return k.Run(kctx) },
			func(_ error) { kcancel() },
		)
	}
	{
		fctx, fcancel := context.WithCancel(context.WithoutCancel(ctx))
		g.Add(
			func() error { return s.follow(ctx, fctx, k, sub, command, onEvent) },
			func(_ error) { fcancel() },
		)
	}

	if err := g.Run(); err != nil {
		if k.State().Status == model.RunStatusIdle {
			s.abandon(context.WithoutCancel(ctx), kcfg.Log.RunID(), err)
		}
		return nil, err
	}
	if err := drain(sub.C(), onEvent); err != nil {
		return nil, err
	}

	st := k.State()
	s.logger.Infof("Run %s is %s (%s)", kcfg.Log.RunID(), st.Status, st.Reason)
	return &Result{RunID: kcfg.Log.RunID(), State: st}, nil
}

func (s *Service) newRun(ctx context.Context, task model.Task) (*eventlog.Log, *model.Plan, error) {
	now := s.now()
	r := model.Run{
		ID:        s.newID(),
		TaskID:    task.ID,
		Status:    model.RunStatusIdle,
		LastSeq:   -1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.runs.CreateRun(ctx, r); err != nil {
		return nil, nil, fmt.Errorf("could not create run: %w", err)
	}

	plan, err := s.repo.GetPlan(ctx, task.ID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, nil, fmt.Errorf("could not get plan: %w", err)
	}

	l, err := eventlog.New(ctx, eventlog.Config{TaskID: task.ID, RunID: r.ID, Repository: s.repo, Logger: s.logger, Now: s.now})
	if err != nil {
		s.abandon(context.WithoutCancel(ctx), r.ID, err)
		return nil, nil, fmt.Errorf("could not create event log: %w", err)
	}

	s.logger.Infof("Run %s created for task %s", r.ID, task.ID)
	return l, freshPlan(plan), nil
}

func (s *Service) openRun(ctx context.Context, task model.Task, runID string) (*eventlog.Log, []model.Event, error) {
	r, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("could not get run: %w", err)
	}
	if r.TaskID != task.ID {
		return nil, nil, fmt.Errorf("run %s belongs to task %s: %w", r.ID, r.TaskID, model.ErrNotFound)
	}
	if r.Status.Terminal() {
		return nil, nil, fmt.Errorf("run %s is %s: %w", r.ID, r.Status, model.ErrInvalidTransition)
	}

	l, events, err := eventlog.Open(ctx, eventlog.Config{TaskID: task.ID, RunID: r.ID, Repository: s.repo, Logger: s.logger, Now: s.now})
	if err != nil {
		return nil, nil, fmt.Errorf("could not open event log: %w", err)
	}

	s.logger.Debugf("Run %s resumed from %d events", r.ID, len(events))
	return l, events, nil
}

// abandon marks a run that never started as failed, otherwise it would block
// new runs of the task.
func (s *Service) abandon(ctx context.Context, runID string, cause error) {
	r, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		s.logger.Warningf("Could not get run %s: %s", runID, err)
		return
	}

	r.Status = model.RunStatusError
	r.Reason = model.ReasonAborted
	r.LastError = cause.Error()
	r.UpdatedAt = s.now()
	if err := s.runs.UpdateRun(ctx, *r); err != nil {
		s.logger.Warningf("Could not update run %s: %s", runID, err)
	}
}

// freshPlan returns the plan a new run starts from: the stored plan with its
// progress reset and the repair steps of previous runs dropped. Without steps
// the run drafts its own plan.
func freshPlan(p *model.Plan) *model.Plan {
	if p == nil || len(p.Steps) == 0 {
		return nil
	}

	fresh := model.Plan{Version: p.Version, Goal: p.Goal, Steps: []model.Step{}}
	for _, st := range p.Steps {
		if st.RepairOf != "" {
			continue
		}
		if st.Status != model.StepStatusSkipped {
			st.Status = model.StepStatusPending
			st.Done = false
		}
		st.Rules = append([]model.JudgeRule(nil), st.Rules...)
		fresh.Steps = append(fresh.Steps, st)
	}
	return &fresh
}

// follow sends the command and streams events until the run leaves RUNNING
// or the caller context is cancelled. done ends the follower when the kernel
// actor ends first.
func (s *Service) follow(ctx, done context.Context, k *kernel.Kernel, sub *eventlog.Subscription, command func(context.Context, *kernel.Kernel) error, onEvent func(model.Event) error) error {
	if err := command(done, k); err != nil {
		return err
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	events := sub.C()
	for {
		select {
		case <-done.Done():
			return nil

		case <-ctx.Done():
			s.logger.Infof("Stopping run")
			return nil

		case e, ok := <-events:
			if !ok {
				s.logger.Warningf("Event stream lagged behind the run, some events were not printed")
				events = nil
				continue
			}
			if err := onEvent(e); err != nil {
				return err
			}
			continue

		case <-ticker.C:
		}

		if k.State().Status != model.RunStatusRunning {
			return nil
		}
	}
}

// drain hands the buffered events to the callback.
func drain(events <-chan model.Event, onEvent func(model.Event) error) error {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if err := onEvent(e); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}
