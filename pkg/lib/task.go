package lib

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/slok/autopilot/internal/app/stop"
	"github.com/slok/autopilot/internal/app/taskinit"
	"github.com/slok/autopilot/internal/app/taskrun"
	"github.com/slok/autopilot/internal/proposer/script"
	storageio "github.com/slok/autopilot/internal/storage/io"
	"github.com/slok/autopilot/internal/tool/toolset"
	"github.com/slok/autopilot/internal/utils/env"
)

// TerminalType selects where the terminal commands of a run execute.
type TerminalType = toolset.TerminalType

const (
	// TerminalLocal runs commands on the host, in the task workspace.
	TerminalLocal = toolset.TerminalLocal
	// TerminalDocker runs commands in a container with the workspace mounted.
	TerminalDocker = toolset.TerminalDocker
)

// RegisteredTask is a task stored in the data directory.
type RegisteredTask struct {
	Task Task
	// Plan is the initial plan of the configuration, nil when the runs draft it.
	Plan *Plan
}

// RegisterTask loads, validates and stores a task YAML configuration.
// Relative workspaces are resolved against the configuration directory.
//
// Returns [ErrAlreadyExists] if the task has an active run.
func (c *Client) RegisterTask(ctx context.Context, path string) (*RegisteredTask, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("could not resolve config path: %w", err)
	}
	dir := filepath.Dir(abs)

	svc, err := taskinit.NewService(taskinit.ServiceConfig{
		Loader:     storageio.NewTaskYAMLRepository(os.DirFS(dir)),
		Repository: c.files,
		Runs:       c.db,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	res, err := svc.Run(ctx, taskinit.Request{Path: filepath.Base(abs), BaseDir: dir})
	if err != nil {
		return nil, err
	}

	return &RegisteredTask{Task: res.Task, Plan: res.Plan}, nil
}

// RunOpts configures how a run iterates.
//
// A Proposer or a Script is required.
type RunOpts struct {
	// Proposer proposes the actions of each iteration.
	Proposer Proposer
	// Planner drafts the plan of tasks without one. Defaults to the proposer
	// when it is also a planner.
	Planner Planner
	// Script is a YAML script with the proposals of each plan step, used
	// instead of a Proposer.
	Script []byte
	// Terminal selects where terminal commands run. Default: [TerminalLocal].
	Terminal TerminalType
	// DockerImage is the image of [TerminalDocker].
	DockerImage string
	// Env are extra environment variables of the commands.
	Env map[string]string
	// OnEvent receives the events of the run as they are appended. An error
	// stops the run.
	OnEvent func(e Event) error
}

// RunResult is the outcome of a run once it stops iterating.
type RunResult struct {
	RunID string
	State State
}

// RunTask starts a new run of a task and blocks until it stops iterating:
// it is done, failed, waits for the user or paused. Cancelling the context
// aborts the run.
//
// Returns [ErrNotFound] if the task doesn't exist or [ErrAlreadyExists] if it
// already has an active run.
func (c *Client) RunTask(ctx context.Context, taskID string, opts RunOpts) (*RunResult, error) {
	return c.run(ctx, taskrun.Request{TaskID: taskID}, opts)
}

// ResumeRun continues a paused run or one waiting for the user, input answers
// it and nil resumes it as is.
//
// Returns [ErrNotFound] if the run doesn't exist or [ErrInvalidTransition]
// if it already finished.
func (c *Client) ResumeRun(ctx context.Context, taskID, runID string, input *UserInput, opts RunOpts) (*RunResult, error) {
	return c.run(ctx, taskrun.Request{TaskID: taskID, RunID: runID, Input: input}, opts)
}

func (c *Client) run(ctx context.Context, req taskrun.Request, opts RunOpts) (*RunResult, error) {
	p, planner := opts.Proposer, opts.Planner
	if p == nil {
		if opts.Script == nil {
			return nil, fmt.Errorf("a proposer or a script is required: %w", ErrNotValid)
		}
		sp, err := script.NewProposer(script.ProposerConfig{Data: opts.Script, Logger: c.logger})
		if err != nil {
			return nil, fmt.Errorf("invalid script: %v: %w", err, ErrNotValid)
		}
		p = sp
		if planner == nil {
			planner = sp
		}
	}
	if planner == nil {
		planner, _ = p.(Planner)
	}

	envList := env.Env(opts.Env).List()
	tools, err := toolset.NewFactory(toolset.Config{
		Terminal:    opts.Terminal,
		DockerImage: opts.DockerImage,
		Env:         envList,
		Logger:      c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid terminal: %v: %w", err, ErrNotValid)
	}

	svc, err := taskrun.NewService(taskrun.ServiceConfig{
		Repository: c.files,
		Runs:       c.db,
		Audit:      c.db,
		Proposer:   p,
		Planner:    planner,
		Tools:      tools,
		Env:        envList,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	req.OnEvent = opts.OnEvent
	res, err := svc.Run(ctx, req)
	if err != nil {
		return nil, err
	}

	return &RunResult{RunID: res.RunID, State: res.State}, nil
}

// StopRun aborts a run that is paused or waiting for the user. An empty runID
// stops the active run of the task.
//
// Returns [ErrNotFound] if there is no such run or [ErrInvalidTransition] if
// it is iterating or already finished.
func (c *Client) StopRun(ctx context.Context, taskID, runID string) (*State, error) {
	svc, err := stop.NewService(stop.ServiceConfig{
		Events: c.files,
		Runs:   c.db,
		Logger: c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create service: %w", err)
	}

	return svc.Run(ctx, stop.Request{TaskID: taskID, RunID: runID})
}
