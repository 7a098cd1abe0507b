package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/autopilot/internal/app/list"
	"github.com/slok/autopilot/internal/model"
)

// RunsCommand lists the runs of a task.
type RunsCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	taskID       string
	statusFilter string
	activeOnly   bool
	format       string
}

// NewRunsCommand returns the runs command.
func NewRunsCommand(rootCmd *RootCommand, app *kingpin.Application) *RunsCommand {
	c := &RunsCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("runs", "List the runs of a task.")
	c.Cmd.Arg("task-id", "Task ID.").Required().StringVar(&c.taskID)
	c.Cmd.Flag("status", "Filter by status (idle, running, paused, awaiting_user, error, done).").StringVar(&c.statusFilter)
	c.Cmd.Flag("active", "Only show runs that didn't finish.").BoolVar(&c.activeOnly)
	c.Cmd.Flag("format", "Output format (table, json).").Default(formatTable).EnumVar(&c.format, formatTable, formatJSON)

	return c
}

func (c RunsCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunsCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	// Parse status filter if provided.
	var statusFilter *model.RunStatus
	if c.statusFilter != "" {
		status := model.RunStatus(strings.ToUpper(c.statusFilter))
		switch status {
		case model.RunStatusIdle, model.RunStatusRunning, model.RunStatusPaused,
			model.RunStatusAwaitingUser, model.RunStatusError, model.RunStatusDone:
			statusFilter = &status
		default:
			return fmt.Errorf("invalid status filter: %s (must be: idle, running, paused, awaiting_user, error, done)", c.statusFilter)
		}
	}

	st, err := c.rootCmd.openStorages(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	svc, err := list.NewService(list.ServiceConfig{
		Repository: st.db,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	runs, err := svc.Run(ctx, list.Request{
		TaskID:       c.taskID,
		StatusFilter: statusFilter,
		ActiveOnly:   c.activeOnly,
	})
	if err != nil {
		return fmt.Errorf("could not list runs: %w", err)
	}

	if err := c.rootCmd.newPrinter(c.format).PrintRuns(runs); err != nil {
		return fmt.Errorf("could not print runs: %w", err)
	}

	return nil
}
