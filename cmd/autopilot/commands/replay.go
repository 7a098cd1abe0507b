package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/autopilot/internal/app/status"
)

// ReplayCommand rebuilds the state of a run from its event log.
type ReplayCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID string
	runID  string
	format string
}

// NewReplayCommand returns the replay command.
func NewReplayCommand(rootCmd *RootCommand, app *kingpin.Application) *ReplayCommand {
	c := &ReplayCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("replay", "Rebuild and print the state of a run from its events.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Arg("run-id", "Run ID, the latest run of the task when missing.").StringVar(&c.runID)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c ReplayCommand) Name() string { return c.Cmd.FullCommand() }

func (c ReplayCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	st, err := c.rootCmd.openStorages(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := status.NewService(status.ServiceConfig{
		Events: st.files,
		Runs:   st.db,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	state, err := svc.Run(ctx, status.Request{
		TaskID: c.taskID,
		RunID:  c.runID,
	})
	if err != nil {
		return fmt.Errorf("could not replay run: %w", err)
	}

	if err := c.rootCmd.newPrinter(c.format).PrintState(*state); err != nil {
		return fmt.Errorf("could not print state: %w", err)
	}

	return nil
}
