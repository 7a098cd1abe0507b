package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/autopilot/internal/app/taskrun"
	"github.com/slok/autopilot/internal/log"
	"github.com/slok/autopilot/internal/proposer"
	"github.com/slok/autopilot/internal/proposer/command"
	"github.com/slok/autopilot/internal/proposer/script"
	"github.com/slok/autopilot/internal/tool/toolset"
	"github.com/slok/autopilot/internal/utils/env"
)

// runnerFlags are the flags of the commands that iterate a run.
type runnerFlags struct {
	script          string
	proposerCmd     string
	proposerTimeout time.Duration
	terminal        string
	dockerImage     string
	dockerSkipPull  bool
	env             []string
	format          string
}

func (f *runnerFlags) register(cmd *kingpin.CmdClause) {
	cmd.Flag("script", "YAML script with the proposals of each plan step.").StringVar(&f.script)
	cmd.Flag("proposer-cmd", "Command line of the external model process (JSON over stdin/stdout).").StringVar(&f.proposerCmd)
	cmd.Flag("proposer-timeout", "Timeout of a single model call.").Default("5m").DurationVar(&f.proposerTimeout)
	cmd.Flag("terminal", "Where terminal commands run (local, docker).").Default(string(toolset.TerminalLocal)).EnumVar(&f.terminal, string(toolset.TerminalLocal), string(toolset.TerminalDocker))
	cmd.Flag("docker-image", "Image of the docker terminal.").Default("debian:bookworm-slim").StringVar(&f.dockerImage)
	cmd.Flag("docker-skip-pull", "Use the local docker image without pulling it.").BoolVar(&f.dockerSkipPull)
	cmd.Flag("env", "Environment variable for commands, KEY=VALUE or KEY to inherit it (repeatable).").Short('e').StringsVar(&f.env)
	cmd.Flag("format", "Event output format (table, json).").Default(formatTable).EnumVar(&f.format, formatTable, formatJSON)
}

// parseEnv returns the `KEY=VALUE` list of env specs.
func parseEnv(specs []string) ([]string, error) {
	vars, err := env.Parse(specs...)
	if err != nil {
		return nil, err
	}
	return vars.List(), nil
}

func (f runnerFlags) newProposer(envList []string, logger log.Logger) (proposer.Proposer, proposer.Planner, error) {
	switch {
	case f.script != "" && f.proposerCmd != "":
		return nil, nil, fmt.Errorf("--script and --proposer-cmd can't be used at the same time")

	case f.script != "":
		abs, err := filepath.Abs(f.script)
		if err != nil {
			return nil, nil, fmt.Errorf("could not resolve script path: %w", err)
		}
		p, err := script.NewProposer(script.ProposerConfig{
			FS:     os.DirFS(filepath.Dir(abs)),
			Path:   filepath.Base(abs),
			Logger: logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("could not create script proposer: %w", err)
		}
		return p, p, nil

	case f.proposerCmd != "":
		p, err := command.NewProposer(command.ProposerConfig{
			Command: strings.Fields(f.proposerCmd),
			Env:     envList,
			Timeout: f.proposerTimeout,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("could not create command proposer: %w", err)
		}
		return p, p, nil
	}

	return nil, nil, fmt.Errorf("a proposer is required, use --script or --proposer-cmd")
}

// run iterates a run until it stops, printing its events as they are appended.
func (f runnerFlags) run(ctx context.Context, rootCmd *RootCommand, req taskrun.Request) error {
	logger := rootCmd.Logger

	envList, err := parseEnv(f.env)
	if err != nil {
		return fmt.Errorf("invalid env: %w", err)
	}

	p, planner, err := f.newProposer(envList, logger)
	if err != nil {
		return err
	}

	tools, err := toolset.NewFactory(toolset.Config{
		Terminal:       toolset.TerminalType(f.terminal),
		DockerImage:    f.dockerImage,
		DockerSkipPull: f.dockerSkipPull,
		Env:            envList,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("could not create tools: %w", err)
	}

	st, err := rootCmd.openStorages(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := taskrun.NewService(taskrun.ServiceConfig{
		Repository: st.files,
		Runs:       st.db,
		Audit:      st.db,
		Proposer:   p,
		Planner:    planner,
		Tools:      tools,
		Env:        envList,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	pr := rootCmd.newPrinter(f.format)
	req.OnEvent = pr.PrintEvent

	res, err := svc.Run(ctx, req)
	if err != nil {
		return fmt.Errorf("could not run task: %w", err)
	}

	logger.Infof("Run %s stopped with status %s", res.RunID, res.State.Status)
	if f.format == formatTable {
		msg := fmt.Sprintf("Run %s: %s", res.RunID, res.State.Status)
		if res.State.Reason != "" {
			msg += " (" + res.State.Reason + ")"
		}
		return pr.PrintMessage(msg)
	}

	return nil
}

// RunCommand starts a new run of a task.
type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
	flags  runnerFlags
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Start a new run of a task.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.flags.register(c.Cmd)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	return c.flags.run(ctx, c.rootCmd, taskrun.Request{TaskID: c.taskID})
}
