// Package toolset assembles the tool collaborators of a task workspace.
package toolset

import (
	"context"
	"fmt"

	"github.com/slok/autopilot/internal/app/taskrun"
	"github.com/slok/autopilot/internal/checkpoint"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/model"
	"github.com/slok/autopilot/internal/tool/docker"
	"github.com/slok/autopilot/internal/tool/local"
	"github.com/slok/autopilot/internal/workspace"
)

// TerminalType selects where terminal commands run.
type TerminalType string

const (
	TerminalLocal  TerminalType = "local"
	TerminalDocker TerminalType = "docker"
)

// Config is the configuration of the tools of a workspace.
type Config struct {
	Terminal TerminalType
	// DockerImage is the image of the docker terminal.
	DockerImage string
	// DockerSkipPull uses the local docker image without pulling it.
	DockerSkipPull bool
	// Env are the `KEY=VALUE` variables of terminal commands.
	Env    []string
	Logger log.Logger
}

func (c *Config) defaults() error {
	switch c.Terminal {
	case "":
		c.Terminal = TerminalLocal
	case TerminalLocal:
	case TerminalDocker:
		if c.DockerImage == "" {
			return fmt.Errorf("docker image is required")
		}
	default:
		return fmt.Errorf("unknown terminal %q", c.Terminal)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	return nil
}

// NewFactory returns the factory of the tools of a run. Git workspaces get the
// git tool and checkpoints diffed against their HEAD.
func NewFactory(cfg Config) (taskrun.ToolsFactory, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return func(ctx context.Context, task model.Task, ws *workspace.Workspace) (*taskrun.Tools, error) {
		root := ws.Root()

		fsys, err := local.NewFilesystem(local.FilesystemConfig{Root: root, Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("could not create filesystem: %w", err)
		}
		browser, err := local.NewBrowser(local.BrowserConfig{Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("could not create browser: %w", err)
		}
		tools := &taskrun.Tools{Filesystem: fsys, Browser: browser}

		if local.IsRepository(ctx, root) {
			g, err := local.NewGit(local.GitConfig{Root: root, Logger: cfg.Logger})
			if err != nil {
				return nil, fmt.Errorf("could not create git: %w", err)
			}
			tools.Git = g
			tools.Tree = g
		}

		switch cfg.Terminal {
		case TerminalDocker:
			t, err := docker.NewTerminal(docker.TerminalConfig{
				Image:        cfg.DockerImage,
				Workspace:    root,
				AllowNetwork: task.RiskPolicy.AllowNetwork,
				Env:          cfg.Env,
				SkipPull:     cfg.DockerSkipPull,
				Logger:       cfg.Logger,
			})
			if err != nil {
				return nil, fmt.Errorf("could not create docker terminal: %w", err)
			}
			if err := t.Start(ctx); err != nil {
				return nil, fmt.Errorf("could not start docker terminal: %w", err)
			}
			tools.Terminal = t
			tools.Close = t.Close
		default:
			t, err := local.NewTerminal(local.TerminalConfig{Env: cfg.Env, Logger: cfg.Logger})
			if err != nil {
				return nil, fmt.Errorf("could not create terminal: %w", err)
			}
			tools.Terminal = t
		}

		return tools, nil
	}, nil
}

// NewTreeFunc returns the checkpoint tree of a workspace: its git history when
// it's a repository and a plain directory tree otherwise.
func NewTreeFunc(logger log.Logger) checkpoint.TreeFunc {
	if logger == nil {
		logger = log.Noop
	}
	return func(ctx context.Context, root string) (checkpoint.Tree, error) {
		if !local.IsRepository(ctx, root) {
			return checkpoint.NewDirTree(root), nil
		}
		g, err := local.NewGit(local.GitConfig{Root: root, Logger: logger})
		if err != nil {
			return nil, err
		}
		return g, nil
	}
}
