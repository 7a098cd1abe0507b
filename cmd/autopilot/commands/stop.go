package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/autopilot/internal/app/stop"
)

// StopCommand aborts a run that no process is iterating.
type StopCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
	runID  string
}

// NewStopCommand returns the stop command.
func NewStopCommand(rootCmd *RootCommand, app *kingpin.Application) *StopCommand {
	c := &StopCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("stop", "Abort a paused or waiting run.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Arg("run-id", "Run ID, the active run of the task when missing.").StringVar(&c.runID)

	return c
}

func (c StopCommand) Name() string { return c.Cmd.FullCommand() }

func (c StopCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	st, err := c.rootCmd.openStorages(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := stop.NewService(stop.ServiceConfig{
		Events: st.files,
		Runs:   st.db,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	state, err := svc.Run(ctx, stop.Request{
		TaskID: c.taskID,
		RunID:  c.runID,
	})
	if err != nil {
		return fmt.Errorf("could not stop run: %w", err)
	}

	fmt.Fprintf(c.rootCmd.Stdout, "Run %s stopped (%s)\n", state.RunID, state.Reason)

	return nil
}
