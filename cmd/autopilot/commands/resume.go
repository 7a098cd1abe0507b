package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/autopilot/internal/app/taskrun"
	"github.com/slok/autopilot/internal/kernel"
	"github.com/slok/autopilot/internal/model"
)

// ResumeCommand continues a paused or waiting run.
type ResumeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID    string
	runID     string
	message   string
	approve   bool
	deny      bool
	newBudget bool
	flags     runnerFlags
}

// NewResumeCommand returns the resume command.
func NewResumeCommand(rootCmd *RootCommand, app *kingpin.Application) *ResumeCommand {
	c := &ResumeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("resume", "Resume a paused or waiting run, optionally answering it.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Arg("run-id", "Run ID.").Required().StringVar(&c.runID)
	c.Cmd.Flag("input", "Message for the model.").StringVar(&c.message)
	c.Cmd.Flag("approve", "Approve the action waiting for confirmation.").BoolVar(&c.approve)
	c.Cmd.Flag("deny", "Deny the action waiting for confirmation.").BoolVar(&c.deny)
	c.Cmd.Flag("continue", "Start a fresh budget window.").BoolVar(&c.newBudget)
	c.flags.register(c.Cmd)

	return c
}

func (c ResumeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ResumeCommand) Run(ctx context.Context) error {
	input, err := c.userInput()
	if err != nil {
		return err
	}

	return c.flags.run(ctx, c.rootCmd, taskrun.Request{
		TaskID: c.taskID,
		RunID:  c.runID,
		Input:  input,
	})
}

// userInput returns the input sent to the run, nil for a plain resume.
func (c ResumeCommand) userInput() (*kernel.UserInput, error) {
	if c.approve && c.deny {
		return nil, fmt.Errorf("--approve and --deny can't be used at the same time")
	}

	in := kernel.UserInput{Message: c.message, Continue: c.newBudget}
	switch {
	case c.approve:
		in.Decision = model.DecisionApprove
	case c.deny:
		in.Decision = model.DecisionDeny
	}

	if in == (kernel.UserInput{}) {
		return nil, nil
	}
	return &in, nil
}
